package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/unifiedai/recall/internal/storage"
	"github.com/unifiedai/recall/pkg/types"
)

func TestSearchFindsNewCaptureImmediately(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := mustAdd(t, store, "kubernetes rollout failed on the staging cluster", types.SourceScreen)

	results, err := store.Search(ctx, "kubernetes staging", storage.SearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Item.ID != item.ID {
		t.Errorf("wrong item returned: %s", results[0].Item.ID)
	}
	if results[0].Score <= 0 || results[0].Score > 1 {
		t.Errorf("score out of range: %f", results[0].Score)
	}
	if results[0].Snippet == "" {
		t.Error("expected a snippet")
	}
}

func TestSearchPhrase(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustAdd(t, store, "the staging cluster failed", types.SourceScreen)
	match := mustAdd(t, store, "rollout failed on the cluster in staging", types.SourceScreen)

	results, err := store.Search(ctx, `"cluster in staging"`, storage.SearchOptions{})
	if err != nil {
		t.Fatalf("phrase search failed: %v", err)
	}
	if len(results) != 1 || results[0].Item.ID != match.ID {
		t.Errorf("phrase must match adjacency only: %+v", results)
	}
}

func TestSearchPrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustAdd(t, store, "deployment checklist", types.SourceManual)

	results, err := store.Search(ctx, "deploy*", storage.SearchOptions{})
	if err != nil {
		t.Fatalf("prefix search failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected prefix match, got %d results", len(results))
	}
}

func TestSearchRejectsMalformedQueries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustAdd(t, store, "some content", types.SourceManual)

	for _, q := range []string{"", "   ", `"unterminated phrase`, "*", "mid*dle", `""`} {
		_, err := store.Search(ctx, q, storage.SearchOptions{})
		var syntaxErr *types.QuerySyntaxError
		if !errors.As(err, &syntaxErr) {
			t.Errorf("query %q: expected QuerySyntaxError, got %v", q, err)
		}
	}
}

func TestSearchOperatorKeywordsAreLiteralTerms(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	match := mustAdd(t, store, "review the AND gate schematic", types.SourceFile)
	mustAdd(t, store, "unrelated content entirely", types.SourceFile)

	// "AND" must be treated as a search term, not an FTS5 operator.
	results, err := store.Search(ctx, "AND gate", storage.SearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].Item.ID != match.ID {
		t.Errorf("operator keyword mishandled: %+v", results)
	}
}

func TestCompileQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello world", `"hello" "world"`},
		{`"exact phrase" extra`, `"exact phrase" "extra"`},
		{"prefix*", `"prefix"*`},
		{`it's quoted`, `"it's" "quoted"`},
	}
	for _, tt := range tests {
		got, err := CompileQuery(tt.in)
		if err != nil {
			t.Errorf("CompileQuery(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("CompileQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestVerifyAndReindex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustAdd(t, store, "searchable content one", types.SourceManual)
	mustAdd(t, store, "searchable content two", types.SourceManual)

	missing, err := store.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(missing) != 0 {
		t.Errorf("healthy index must verify clean, got %v", missing)
	}

	// Corrupt the index out-of-band, then check Verify spots it and Reindex
	// repairs it.
	if _, err := store.db.Exec(
		`INSERT INTO content_fts(content_fts) VALUES ('delete-all')`); err != nil {
		t.Fatalf("failed to corrupt index: %v", err)
	}

	missing, err = store.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(missing) != 2 {
		t.Errorf("expected 2 missing rows, got %d", len(missing))
	}

	n, err := store.Reindex(ctx)
	if err != nil {
		t.Fatalf("Reindex failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 reindexed rows, got %d", n)
	}

	results, err := store.Search(ctx, "searchable", storage.SearchOptions{})
	if err != nil {
		t.Fatalf("Search after reindex failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 results after reindex, got %d", len(results))
	}
}
