// Package postgres provides a pgvector-backed vector index for deployments
// whose embedding corpus outgrows the SQLite linear scan. Content, the
// lexical index and the entity graph stay in SQLite; only embeddings are
// mirrored here.
package postgres

// Schema creates the embeddings table. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS embeddings (
    content_id    TEXT PRIMARY KEY,
    embedding_vec vector,
    dimension     INTEGER NOT NULL,
    model_version TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SchemaIndex adds the ANN index. Separate from Schema because ivfflat
// requires a typed column and benefits from existing rows when building
// lists.
const SchemaIndex = `
CREATE INDEX IF NOT EXISTS idx_embeddings_vec_cosine
    ON embeddings USING ivfflat (embedding_vec vector_cosine_ops);
`
