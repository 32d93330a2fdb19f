// Package storage provides composable storage interfaces for the Recall core.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. The SQLite backend
// implements all of them; the Postgres backend implements only VectorIndex
// for deployments that want pgvector-backed similarity search.
package storage

import (
	"context"

	"github.com/unifiedai/recall/pkg/types"
)

// ContentStore provides the content item lifecycle: ingest with dedup,
// lookup, listing, and pipeline state transitions.
type ContentStore interface {
	// Add ingests a content item. The text is normalized, hashed, and the
	// item plus its lexical index row are written in one transaction. If an
	// item with the same content hash already exists, its last_seen_at and
	// capture_count are bumped instead and the existing item is returned
	// with duplicate=true.
	Add(ctx context.Context, text string, source types.SourceType, metadata types.Metadata) (item *types.ContentItem, duplicate bool, err error)

	// Get retrieves an item by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*types.ContentItem, error)

	// GetByHash retrieves an item by its content hash.
	GetByHash(ctx context.Context, hash string) (*types.ContentItem, error)

	// List pages through items newest-first using an opaque keyset cursor.
	List(ctx context.Context, opts ListOptions) (*Page[*types.ContentItem], error)

	// PendingItems returns items whose embedding or entity pipeline state is
	// pending, oldest first, capped at limit. The recovery scan uses it to
	// re-enqueue work after a restart.
	PendingItems(ctx context.Context, limit int) ([]*types.ContentItem, error)

	// SetEmbeddingState transitions an item's embedding pipeline state.
	// lastErr is recorded for failed transitions and cleared otherwise.
	SetEmbeddingState(ctx context.Context, id string, state types.EmbeddingState, lastErr string) error

	// SetEntityState transitions an item's entity pipeline state.
	SetEntityState(ctx context.Context, id string, state types.EntityState, lastErr string) error

	// Stats reports store totals and pipeline lag counters.
	Stats(ctx context.Context) (*types.Stats, error)

	// Close releases any resources held by the store.
	Close() error
}

// LexicalIndex provides synchronous full-text search over content items.
// Index rows are written in the same transaction as the content row, so a
// successful Add is immediately lexically searchable.
type LexicalIndex interface {
	// Search runs a compiled full-text query. Malformed queries are
	// rejected with QuerySyntaxError, never silently rewritten. Results
	// carry normalized relevance scores and snippets.
	Search(ctx context.Context, query string, opts SearchOptions) ([]types.SearchResult, error)

	// Verify compares the lexical index against the content table and
	// returns the IDs of items missing from the index.
	Verify(ctx context.Context) ([]string, error)

	// Reindex rebuilds the lexical index from the content table.
	// Returns the number of rows indexed.
	Reindex(ctx context.Context) (int, error)
}

// EmbeddingStore persists item vectors keyed by content ID. One vector per
// item: re-embedding under a new model version supersedes the old record.
type EmbeddingStore interface {
	StoreEmbedding(ctx context.Context, rec *types.EmbeddingRecord) error

	// GetEmbedding retrieves the stored vector for an item.
	// Returns ErrNotFound if the item has no embedding.
	GetEmbedding(ctx context.Context, contentID string) (*types.EmbeddingRecord, error)

	// StaleEmbeddings returns content IDs whose stored vector was produced
	// by a model version other than the given one. Reindex uses it to find
	// items needing re-embedding.
	StaleEmbeddings(ctx context.Context, modelVersion string, limit int) ([]string, error)
}

// VectorIndex provides approximate-to-exact nearest neighbour search over
// stored embeddings. Eventually consistent with the content store: items
// whose embedding is still pending are absent from results.
type VectorIndex interface {
	// SimilaritySearch returns up to limit content IDs ranked by cosine
	// similarity to the query vector, scores normalized to [0,1].
	SimilaritySearch(ctx context.Context, vector []float64, limit int) ([]VectorHit, error)

	// Remove deletes the stored vector for a content item. Removing an
	// item without a vector is a no-op.
	Remove(ctx context.Context, contentID string) error
}

// EntityGraph stores extracted entities, their mentions and the
// co-occurrence edges between them.
type EntityGraph interface {
	// RecordMentions replaces the mention set for a content item and
	// updates entity aggregates and co-occurrence edges. Idempotent: calling
	// it twice with the same mentions leaves counts unchanged.
	RecordMentions(ctx context.Context, itemID string, observedAt int64, mentions []types.Mention) error

	// GetEntity retrieves an entity by ID. Returns ErrNotFound if absent.
	GetEntity(ctx context.Context, id string) (*types.Entity, error)

	// TopEntities returns the most-mentioned entities, optionally filtered
	// by type.
	TopEntities(ctx context.Context, entityType types.EntityType, limit int) ([]*types.Entity, error)

	// Neighbors returns the co-occurrence neighborhood of an entity ranked
	// by edge weight.
	Neighbors(ctx context.Context, entityID string, limit int) ([]types.Neighbor, error)

	// EntityItems returns the IDs of content items mentioning the entity,
	// newest first.
	EntityItems(ctx context.Context, entityID string, limit int) ([]string, error)

	// RebuildGraph recomputes entity aggregates and edges from the stored
	// mentions. Returns the number of entities after the rebuild.
	RebuildGraph(ctx context.Context) (int, error)
}

// VectorHit is one nearest-neighbour match from a VectorIndex.
type VectorHit struct {
	ContentID string

	// Score is cosine similarity mapped to [0,1].
	Score float64
}
