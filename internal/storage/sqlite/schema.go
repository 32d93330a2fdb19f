package sqlite

// Schema creates all tables for the Recall store. Executed on every open;
// every statement is idempotent.
//
// The lexical index is an external-content FTS5 table over content_items.
// Index rows are maintained explicitly inside the same transaction as the
// content row rather than by triggers, so a failed index write rolls back the
// content insert too.
const Schema = `
CREATE TABLE IF NOT EXISTS content_items (
    id              TEXT PRIMARY KEY,
    content_hash    TEXT NOT NULL UNIQUE,
    text            TEXT NOT NULL,
    source_type     TEXT NOT NULL,
    metadata        TEXT,
    created_at      INTEGER NOT NULL,
    last_seen_at    INTEGER NOT NULL,
    capture_count   INTEGER NOT NULL DEFAULT 1,
    embedding_state TEXT NOT NULL DEFAULT 'pending',
    entity_state    TEXT NOT NULL DEFAULT 'pending',
    last_error      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_content_created
    ON content_items(created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_content_source
    ON content_items(source_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_content_embedding_state
    ON content_items(embedding_state) WHERE embedding_state = 'pending';
CREATE INDEX IF NOT EXISTS idx_content_entity_state
    ON content_items(entity_state) WHERE entity_state = 'pending';

CREATE VIRTUAL TABLE IF NOT EXISTS content_fts USING fts5(
    text,
    content='content_items',
    content_rowid='rowid',
    tokenize='unicode61 remove_diacritics 2'
);

CREATE TABLE IF NOT EXISTS embeddings (
    content_id    TEXT PRIMARY KEY REFERENCES content_items(id) ON DELETE CASCADE,
    vector        BLOB NOT NULL,
    dimension     INTEGER NOT NULL,
    model_version TEXT NOT NULL,
    created_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_embeddings_model
    ON embeddings(model_version);

CREATE TABLE IF NOT EXISTS entities (
    id             TEXT PRIMARY KEY,
    canonical_text TEXT NOT NULL,
    type           TEXT NOT NULL,
    mention_count  INTEGER NOT NULL DEFAULT 0,
    first_seen     INTEGER NOT NULL,
    last_seen      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_type
    ON entities(type, mention_count DESC);
CREATE INDEX IF NOT EXISTS idx_entities_count
    ON entities(mention_count DESC);

CREATE TABLE IF NOT EXISTS entity_mentions (
    content_id   TEXT NOT NULL REFERENCES content_items(id) ON DELETE CASCADE,
    entity_id    TEXT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    mention_text TEXT NOT NULL,
    start_offset INTEGER NOT NULL,
    end_offset   INTEGER NOT NULL,
    observed_at  INTEGER NOT NULL,
    PRIMARY KEY (content_id, entity_id, start_offset)
);

CREATE INDEX IF NOT EXISTS idx_mentions_entity
    ON entity_mentions(entity_id, observed_at DESC);

CREATE TABLE IF NOT EXISTS entity_edges (
    entity_a TEXT NOT NULL,
    entity_b TEXT NOT NULL,
    weight   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (entity_a, entity_b),
    CHECK (entity_a < entity_b)
);

CREATE INDEX IF NOT EXISTS idx_edges_b
    ON entity_edges(entity_b);
`
