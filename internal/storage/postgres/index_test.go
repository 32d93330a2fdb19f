package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/unifiedai/recall/internal/storage/postgres"
	"github.com/unifiedai/recall/pkg/types"
)

// newTestIndex connects to the database named by POSTGRES_TEST_DSN, skipping
// the test when it is unset so the suite stays runnable without a server.
func newTestIndex(t *testing.T) *postgres.Index {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set; skipping PostgreSQL integration tests")
	}
	idx, err := postgres.New(dsn)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestPgvectorRoundTrip(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	rec := &types.EmbeddingRecord{
		ContentID:    "test-item-1",
		Vector:       []float64{0.5, -0.5, 1.0},
		ModelVersion: "test:v1",
	}
	if err := idx.StoreEmbedding(ctx, rec); err != nil {
		t.Fatalf("StoreEmbedding failed: %v", err)
	}

	got, err := idx.GetEmbedding(ctx, rec.ContentID)
	if err != nil {
		t.Fatalf("GetEmbedding failed: %v", err)
	}
	if len(got.Vector) != 3 || got.ModelVersion != "test:v1" {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	hits, err := idx.SimilaritySearch(ctx, rec.Vector, 5)
	if err != nil {
		t.Fatalf("SimilaritySearch failed: %v", err)
	}
	if len(hits) == 0 || hits[0].ContentID != rec.ContentID {
		t.Errorf("expected stored vector as best hit: %+v", hits)
	}
	if hits[0].Score < 0.99 {
		t.Errorf("self-similarity should be ~1.0, got %f", hits[0].Score)
	}

	if err := idx.Remove(ctx, rec.ContentID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	hits, err = idx.SimilaritySearch(ctx, rec.Vector, 5)
	if err != nil {
		t.Fatalf("SimilaritySearch after Remove failed: %v", err)
	}
	for _, h := range hits {
		if h.ContentID == rec.ContentID {
			t.Errorf("removed vector still searchable: %+v", h)
		}
	}
}
