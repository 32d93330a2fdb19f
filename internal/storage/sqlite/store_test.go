package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/unifiedai/recall/internal/storage"
	"github.com/unifiedai/recall/pkg/types"
)

// newTestStore creates an in-memory SQLite store for testing. New initialises
// the full Schema so no additional DDL is required in tests.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustAdd(t *testing.T, store *Store, text string, source types.SourceType) *types.ContentItem {
	t.Helper()
	item, dup, err := store.Add(context.Background(), text, source, nil)
	if err != nil {
		t.Fatalf("Add(%q) failed: %v", text, err)
	}
	if dup {
		t.Fatalf("Add(%q) unexpectedly reported duplicate", text)
	}
	return item
}

func TestConcurrentAddsDeduplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Adds serialise on the single writer connection, with the UNIQUE
	// content_hash constraint as backstop: racing adds of the same
	// normalized text must all land on one row.
	const adds = 8
	ids := make([]string, adds)
	var wg sync.WaitGroup
	for i := 0; i < adds; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			item, _, err := store.Add(ctx, "racing captures of one clipboard entry", types.SourceClipboard, nil)
			if err != nil {
				t.Errorf("concurrent Add failed: %v", err)
				return
			}
			ids[i] = item.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent adds produced different IDs: %v", ids)
		}
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalItems != 1 {
		t.Errorf("expected 1 item, got %d", stats.TotalItems)
	}
	item, err := store.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if item.CaptureCount != adds {
		t.Errorf("expected capture count %d, got %d", adds, item.CaptureCount)
	}
}

func TestAddAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var meta types.Metadata
	meta.Set("app", "terminal")
	meta.Set("window", "vim")

	item, dup, err := store.Add(ctx, "deploy notes for the billing service", types.SourceScreen, meta)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if dup {
		t.Fatal("first capture must not be a duplicate")
	}
	if item.ID == "" || item.ContentHash == "" {
		t.Fatal("item must have ID and content hash")
	}
	if item.EmbeddingState != types.EmbeddingPending {
		t.Errorf("expected pending embedding state, got %s", item.EmbeddingState)
	}
	if item.CaptureCount != 1 {
		t.Errorf("expected capture count 1, got %d", item.CaptureCount)
	}

	got, err := store.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Text != item.Text {
		t.Errorf("text mismatch: %q vs %q", got.Text, item.Text)
	}
	if v, ok := got.Metadata.Get("window"); !ok || v != "vim" {
		t.Errorf("metadata lost in round-trip: %v", got.Metadata)
	}
	if got.Metadata[0].Key != "app" {
		t.Errorf("metadata order lost: first key %q", got.Metadata[0].Key)
	}
}

func TestAddDeduplicatesByNormalizedText(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := mustAdd(t, store, "quarterly budget review", types.SourceClipboard)

	// Same content with different surrounding whitespace.
	second, dup, err := store.Add(ctx, "  quarterly   budget review \n", types.SourceScreen, nil)
	if err != nil {
		t.Fatalf("duplicate Add failed: %v", err)
	}
	if !dup {
		t.Fatal("expected duplicate=true for identical normalized text")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate must return the original item, got %s vs %s", second.ID, first.ID)
	}
	if second.CaptureCount != 2 {
		t.Errorf("expected capture count 2, got %d", second.CaptureCount)
	}
	if second.LastSeenAt.Before(first.LastSeenAt) {
		t.Error("last_seen_at must advance on duplicate capture")
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalItems != 1 {
		t.Errorf("expected 1 stored item, got %d", stats.TotalItems)
	}
}

func TestAddRejectsInvalidInput(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, _, err := store.Add(ctx, "   \n\t ", types.SourceManual, nil); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("whitespace-only text: expected ErrInvalidInput, got %v", err)
	}
	if _, _, err := store.Add(ctx, "valid text", "webcam", nil); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("unknown source: expected ErrInvalidInput, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(context.Background(), "no-such-id"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListKeysetPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mustAdd(t, store, "note number "+string(rune('a'+i)), types.SourceManual)
	}

	page1, err := store.List(ctx, storage.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page1.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page1.Items))
	}
	if page1.NextCursor == "" {
		t.Fatal("expected a next cursor")
	}

	seen := map[string]bool{}
	for _, it := range page1.Items {
		seen[it.ID] = true
	}

	cursor := page1.NextCursor
	total := len(page1.Items)
	for cursor != "" {
		page, err := store.List(ctx, storage.ListOptions{Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatalf("List with cursor failed: %v", err)
		}
		for _, it := range page.Items {
			if seen[it.ID] {
				t.Errorf("item %s returned twice across pages", it.ID)
			}
			seen[it.ID] = true
		}
		total += len(page.Items)
		cursor = page.NextCursor
	}
	if total != 5 {
		t.Errorf("expected 5 items across all pages, got %d", total)
	}
}

func TestListRejectsBadCursor(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.List(context.Background(), storage.ListOptions{Cursor: "!!!not-base64!!!"}); !errors.Is(err, storage.ErrBadCursor) {
		t.Errorf("expected ErrBadCursor, got %v", err)
	}
}

func TestListSourceFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustAdd(t, store, "from the clipboard", types.SourceClipboard)
	mustAdd(t, store, "from the screen", types.SourceScreen)

	page, err := store.List(ctx, storage.ListOptions{Source: types.SourceScreen})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Source != types.SourceScreen {
		t.Errorf("source filter failed: %+v", page.Items)
	}
}

func TestPipelineStateTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := mustAdd(t, store, "pipeline state test", types.SourceManual)

	pending, err := store.PendingItems(ctx, 10)
	if err != nil {
		t.Fatalf("PendingItems failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending item, got %d", len(pending))
	}

	if err := store.SetEmbeddingState(ctx, item.ID, types.EmbeddingFailed, "service unreachable"); err != nil {
		t.Fatalf("SetEmbeddingState failed: %v", err)
	}
	got, err := store.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.EmbeddingState != types.EmbeddingFailed || got.LastError != "service unreachable" {
		t.Errorf("state transition not recorded: %s / %q", got.EmbeddingState, got.LastError)
	}

	if err := store.SetEmbeddingState(ctx, "missing", types.EmbeddingDone, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing item, got %v", err)
	}
}

func TestStatsCounters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := mustAdd(t, store, "first item", types.SourceScreen)
	mustAdd(t, store, "second item", types.SourceClipboard)

	if err := store.SetEmbeddingState(ctx, a.ID, types.EmbeddingFailed, "boom"); err != nil {
		t.Fatalf("SetEmbeddingState failed: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalItems != 2 {
		t.Errorf("expected 2 items, got %d", stats.TotalItems)
	}
	if stats.BySource["screen"] != 1 || stats.BySource["clipboard"] != 1 {
		t.Errorf("by_source wrong: %v", stats.BySource)
	}
	if stats.PendingEmbeddings != 1 || stats.FailedEmbeddings != 1 {
		t.Errorf("embedding counters wrong: pending=%d failed=%d",
			stats.PendingEmbeddings, stats.FailedEmbeddings)
	}
	if stats.PendingExtractions != 2 {
		t.Errorf("expected 2 pending extractions, got %d", stats.PendingExtractions)
	}
}

func TestNormalizeText(t *testing.T) {
	if got := NormalizeText("  a\t b\n c  "); got != "a b c" {
		t.Errorf("NormalizeText = %q", got)
	}
	if HashText("a b") != HashText("  a   b ") {
		t.Error("hash must be whitespace-insensitive")
	}
	if HashText("Meeting") == HashText("meeting") {
		t.Error("hash must be case-sensitive")
	}
}
