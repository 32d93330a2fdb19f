package sqlite

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/unifiedai/recall/internal/storage"
)

// Ensure *Store implements storage.VectorIndex at compile time.
var _ storage.VectorIndex = (*Store)(nil)

// vectorScanMaxCandidates caps the number of embeddings loaded into memory
// during a similarity search. Embeddings are selected newest-first so recent
// items are always considered. For very large datasets, use the Postgres
// backend with pgvector for indexed ANN search instead of this linear scan.
const vectorScanMaxCandidates = 10_000

// SimilaritySearch ranks stored embeddings by cosine similarity to the query
// vector. Scores are mapped from [-1,1] to [0,1]. Items whose embedding is
// still pending have no row here and are simply absent from results.
func (s *Store) SimilaritySearch(ctx context.Context, vector []float64, limit int) ([]storage.VectorHit, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is empty", storage.ErrInvalidInput)
	}
	if limit < 1 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.content_id, e.vector, e.dimension
		FROM embeddings e
		JOIN content_items c ON c.id = e.content_id
		ORDER BY c.created_at DESC
		LIMIT ?`, vectorScanMaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []storage.VectorHit
	for rows.Next() {
		// The scan is O(candidates); honor cancellation between rows.
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var (
			id   string
			blob []byte
			dim  int
		)
		if err := rows.Scan(&id, &blob, &dim); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		if dim != len(vector) {
			// Vector from a different-dimension model; skip rather than
			// produce a meaningless score.
			continue
		}
		emb, err := deserializeVector(blob, dim)
		if err != nil {
			continue
		}
		sim := cosineSimilarity(vector, emb)
		hits = append(hits, storage.VectorHit{
			ContentID: id,
			Score:     (sim + 1) / 2,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating embeddings: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ContentID < hits[j].ContentID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Remove deletes the stored vector for a content item. The ON DELETE CASCADE
// on embeddings covers item deletion; Remove is for retiring a vector while
// the item stays.
func (s *Store) Remove(ctx context.Context, contentID string) error {
	if contentID == "" {
		return fmt.Errorf("%w: content ID is required", storage.ErrInvalidInput)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM embeddings WHERE content_id = ?`, contentID); err != nil {
		return fmt.Errorf("failed to remove embedding: %w", err)
	}
	return nil
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
