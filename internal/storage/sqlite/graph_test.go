package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unifiedai/recall/internal/storage"
	"github.com/unifiedai/recall/pkg/types"
)

func recordMentions(t *testing.T, store *Store, itemID string, mentions []types.Mention) {
	t.Helper()
	if err := store.RecordMentions(context.Background(), itemID, time.Now().UnixMicro(), mentions); err != nil {
		t.Fatalf("RecordMentions failed: %v", err)
	}
}

func janeAndAcme() []types.Mention {
	return []types.Mention{
		{Text: "Jane Smith", Type: types.EntityPerson, Start: 0, End: 10},
		{Text: "Acme Corp", Type: types.EntityOrg, Start: 20, End: 29},
	}
}

func TestRecordMentionsCreatesEntitiesAndEdges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := mustAdd(t, store, "Jane Smith signed with Acme Corp for $50,000", types.SourceFile)
	recordMentions(t, store, item.ID, append(janeAndAcme(),
		types.Mention{Text: "$50,000", Type: types.EntityMoney, Start: 37, End: 44}))

	jane, err := store.GetEntity(ctx, "ent:person:jane-smith")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if jane.CanonicalText != "Jane Smith" || jane.MentionCount != 1 {
		t.Errorf("unexpected entity: %+v", jane)
	}

	neighbors, err := store.Neighbors(ctx, jane.ID, 10)
	if err != nil {
		t.Fatalf("Neighbors failed: %v", err)
	}
	if len(neighbors) != 2 {
		t.Fatalf("expected 2 neighbors, got %d", len(neighbors))
	}
	for _, n := range neighbors {
		if n.Weight != 1 {
			t.Errorf("neighbor %s: expected weight 1, got %d", n.Entity.ID, n.Weight)
		}
	}

	// Item completes extraction atomically with the graph write.
	got, err := store.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.EntityState != types.EntityDone {
		t.Errorf("expected extracted state, got %s", got.EntityState)
	}
}

func TestRecordMentionsIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := mustAdd(t, store, "Jane Smith met Acme Corp", types.SourceScreen)
	recordMentions(t, store, item.ID, janeAndAcme())
	recordMentions(t, store, item.ID, janeAndAcme())

	jane, err := store.GetEntity(ctx, "ent:person:jane-smith")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if jane.MentionCount != 1 {
		t.Errorf("re-extraction must not inflate counts, got %d", jane.MentionCount)
	}

	neighbors, err := store.Neighbors(ctx, jane.ID, 10)
	if err != nil {
		t.Fatalf("Neighbors failed: %v", err)
	}
	if len(neighbors) != 1 || neighbors[0].Weight != 1 {
		t.Errorf("re-extraction must not inflate edge weights: %+v", neighbors)
	}
}

func TestEdgeWeightCountsCooccurringItems(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := mustAdd(t, store, "Jane Smith at Acme Corp, again", types.SourceScreen)
	second := mustAdd(t, store, "Acme Corp hires Jane Smith", types.SourceBrowser)
	recordMentions(t, store, first.ID, janeAndAcme())
	recordMentions(t, store, second.ID, janeAndAcme())

	neighbors, err := store.Neighbors(ctx, "ent:org:acme-corp", 10)
	if err != nil {
		t.Fatalf("Neighbors failed: %v", err)
	}
	if len(neighbors) != 1 || neighbors[0].Weight != 2 {
		t.Errorf("expected one neighbor with weight 2: %+v", neighbors)
	}

	jane, err := store.GetEntity(ctx, "ent:person:jane-smith")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if jane.MentionCount != 2 {
		t.Errorf("mention count should be per-item: %d", jane.MentionCount)
	}
}

func TestRecordMentionsReplacesPriorExtraction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := mustAdd(t, store, "previously misread text", types.SourceScreen)
	recordMentions(t, store, item.ID, []types.Mention{
		{Text: "Wrong Name", Type: types.EntityPerson, Start: 0, End: 10},
	})
	recordMentions(t, store, item.ID, []types.Mention{
		{Text: "Right Name", Type: types.EntityPerson, Start: 0, End: 10},
	})

	if _, err := store.GetEntity(ctx, "ent:person:wrong-name"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("orphaned entity must be pruned, got %v", err)
	}
	if _, err := store.GetEntity(ctx, "ent:person:right-name"); err != nil {
		t.Errorf("replacement entity missing: %v", err)
	}
}

func TestTopEntities(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, text := range []string{
		"Acme Corp update one",
		"Acme Corp update two",
		"Jane Smith note",
	} {
		item := mustAdd(t, store, text, types.SourceManual)
		if text == "Jane Smith note" {
			recordMentions(t, store, item.ID, []types.Mention{
				{Text: "Jane Smith", Type: types.EntityPerson, Start: 0, End: 10},
			})
		} else {
			recordMentions(t, store, item.ID, []types.Mention{
				{Text: "Acme Corp", Type: types.EntityOrg, Start: 0, End: 9},
			})
		}
	}

	top, err := store.TopEntities(ctx, "", 10)
	if err != nil {
		t.Fatalf("TopEntities failed: %v", err)
	}
	if len(top) != 2 || top[0].ID != "ent:org:acme-corp" {
		t.Errorf("expected acme first: %+v", top)
	}

	people, err := store.TopEntities(ctx, types.EntityPerson, 10)
	if err != nil {
		t.Fatalf("TopEntities(person) failed: %v", err)
	}
	if len(people) != 1 || people[0].ID != "ent:person:jane-smith" {
		t.Errorf("type filter failed: %+v", people)
	}
}

func TestNeighborsUnknownEntity(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Neighbors(context.Background(), "ent:person:nobody", 5); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEntityItems(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := mustAdd(t, store, "Acme Corp mention one", types.SourceManual)
	second := mustAdd(t, store, "Acme Corp mention two", types.SourceManual)
	recordMentions(t, store, first.ID, []types.Mention{
		{Text: "Acme Corp", Type: types.EntityOrg, Start: 0, End: 9},
	})
	recordMentions(t, store, second.ID, []types.Mention{
		{Text: "Acme Corp", Type: types.EntityOrg, Start: 0, End: 9},
	})

	ids, err := store.EntityItems(ctx, "ent:org:acme-corp", 10)
	if err != nil {
		t.Fatalf("EntityItems failed: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 items, got %v", ids)
	}
}

func TestRebuildGraph(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := mustAdd(t, store, "Jane Smith and Acme Corp", types.SourceManual)
	recordMentions(t, store, item.ID, janeAndAcme())

	// Corrupt aggregates out-of-band and verify the rebuild restores them.
	if _, err := store.db.Exec(`UPDATE entities SET mention_count = 99`); err != nil {
		t.Fatalf("failed to corrupt entities: %v", err)
	}
	if _, err := store.db.Exec(`DELETE FROM entity_edges`); err != nil {
		t.Fatalf("failed to corrupt edges: %v", err)
	}

	n, err := store.RebuildGraph(ctx)
	if err != nil {
		t.Fatalf("RebuildGraph failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 entities after rebuild, got %d", n)
	}

	jane, err := store.GetEntity(ctx, "ent:person:jane-smith")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if jane.MentionCount != 1 {
		t.Errorf("rebuild must restore counts, got %d", jane.MentionCount)
	}

	neighbors, err := store.Neighbors(ctx, jane.ID, 10)
	if err != nil {
		t.Fatalf("Neighbors failed: %v", err)
	}
	if len(neighbors) != 1 || neighbors[0].Weight != 1 {
		t.Errorf("rebuild must restore edges: %+v", neighbors)
	}
}
