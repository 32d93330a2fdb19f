package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unifiedai/recall/internal/storage"
	"github.com/unifiedai/recall/pkg/types"
)

// addAndEnrich ingests an item and waits for both pipelines to finish so
// vector search can see it.
func addAndEnrich(t *testing.T, e *Engine, text string) *types.ContentItem {
	t.Helper()
	item, dup, err := e.Add(context.Background(), text, types.SourceManual, nil)
	require.NoError(t, err)
	require.False(t, dup)
	return waitForStates(t, e, item.ID, types.EmbeddingDone, types.EntityDone)
}

func TestLexicalSearchMode(t *testing.T) {
	e, _ := startTestEngine(t, testConfig(), newFakeEmbedder(), &fakeExtractor{})
	addAndEnrich(t, e, "the quarterly budget meeting went long")
	addAndEnrich(t, e, "lunch order for the office")

	resp, err := e.Search(context.Background(), "budget", types.SearchModeLexical, storage.SearchOptions{})
	require.NoError(t, err)
	assert.False(t, resp.Degraded)
	require.Len(t, resp.Results, 1)

	r := resp.Results[0]
	assert.Contains(t, r.Item.Text, "budget")
	assert.Greater(t, r.Scores.Lexical, 0.0)
	assert.Zero(t, r.Scores.Vector)
	assert.Equal(t, r.Scores.Lexical, r.Scores.Fused)
}

func TestVectorSearchModeRanksByCosine(t *testing.T) {
	e, _ := startTestEngine(t, testConfig(), newFakeEmbedder(), &fakeExtractor{})
	target := addAndEnrich(t, e, "database migration runbook")
	addAndEnrich(t, e, "zebra")

	// The fake embedder is deterministic, so querying with the exact item
	// text gives cosine similarity 1.0 against that item.
	resp, err := e.Search(context.Background(), "database migration runbook", types.SearchModeVector, storage.SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	top := resp.Results[0]
	assert.Equal(t, target.ID, top.Item.ID)
	assert.InDelta(t, 1.0, top.Scores.Vector, 1e-9)
	assert.Equal(t, top.Scores.Vector, top.Scores.Fused)
}

func TestVectorSearchExcludesPendingItems(t *testing.T) {
	emb := newFakeEmbedder()
	emb.errs = []error{errors.New("permanently broken")}
	e, _ := startTestEngine(t, testConfig(), emb, &fakeExtractor{})

	item, _, err := e.Add(context.Background(), "unembeddable item", types.SourceManual, nil)
	require.NoError(t, err)
	waitForStates(t, e, item.ID, types.EmbeddingFailed, types.EntityDone)

	resp, err := e.Search(context.Background(), "unembeddable item", types.SearchModeVector, storage.SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	// The same item is still lexically findable.
	resp, err = e.Search(context.Background(), "unembeddable", types.SearchModeLexical, storage.SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 1)
}

func TestHybridSearchFusesLegs(t *testing.T) {
	e, _ := startTestEngine(t, testConfig(), newFakeEmbedder(), &fakeExtractor{})
	addAndEnrich(t, e, "incident review for the payments outage")
	addAndEnrich(t, e, "payments dashboard weekly numbers")

	resp, err := e.Search(context.Background(), "payments outage", types.SearchModeHybrid, storage.SearchOptions{})
	require.NoError(t, err)
	assert.False(t, resp.Degraded)
	require.NotEmpty(t, resp.Results)

	for _, r := range resp.Results {
		assert.Equal(t, r.Score, r.Scores.Fused)
	}
	// Results are ranked by fused score.
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].Score, resp.Results[i].Score)
	}
}

func TestHybridDegradesWhenVectorLegFails(t *testing.T) {
	emb := newFakeEmbedder()
	e, _ := startTestEngine(t, testConfig(), emb, &fakeExtractor{})
	addAndEnrich(t, e, "the search keeps working without vectors")

	emb.mu.Lock()
	emb.errs = []error{types.NewTransientError("embedder", errors.New("connection refused"))}
	emb.mu.Unlock()

	resp, err := e.Search(context.Background(), "vectors", types.SearchModeHybrid, storage.SearchOptions{})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.NotEmpty(t, resp.Warning)
	require.Len(t, resp.Results, 1)
	assert.Greater(t, resp.Results[0].Scores.Lexical, 0.0)
	assert.Zero(t, resp.Results[0].Scores.Vector)
}

// brokenLexical stands in for a corrupted full-text backend: queries still
// parse, but every read fails.
type brokenLexical struct {
	storage.LexicalIndex
}

func (b *brokenLexical) Search(ctx context.Context, query string, opts storage.SearchOptions) ([]types.SearchResult, error) {
	if _, err := b.LexicalIndex.Search(ctx, query, opts); err != nil {
		var synErr *types.QuerySyntaxError
		if errors.As(err, &synErr) {
			return nil, err
		}
	}
	return nil, errors.New("fts index unavailable")
}

func TestHybridDegradesWhenLexicalLegFails(t *testing.T) {
	emb := newFakeEmbedder()
	e, store := startTestEngine(t, testConfig(), emb, &fakeExtractor{})
	target := addAndEnrich(t, e, "answers still come from vectors")

	e.stores.Lexical = &brokenLexical{LexicalIndex: store}

	resp, err := e.Search(context.Background(), "answers still come from vectors", types.SearchModeHybrid, storage.SearchOptions{})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Contains(t, resp.Warning, "lexical")
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, target.ID, resp.Results[0].Item.ID)
	assert.Greater(t, resp.Results[0].Scores.Vector, 0.0)
	assert.Zero(t, resp.Results[0].Scores.Lexical)

	// A query the user got wrong still fails outright.
	var syntaxErr *types.QuerySyntaxError
	_, err = e.Search(context.Background(), `"unterminated`, types.SearchModeHybrid, storage.SearchOptions{})
	require.ErrorAs(t, err, &syntaxErr)

	// Both legs down is a hard failure, not an empty degraded answer.
	emb.mu.Lock()
	emb.errs = []error{types.NewTransientError("embedder", errors.New("connection refused"))}
	emb.mu.Unlock()
	_, err = e.Search(context.Background(), "nothing can serve this", types.SearchModeHybrid, storage.SearchOptions{})
	assert.Error(t, err)
}

func TestSearchRejectsBadInput(t *testing.T) {
	e, _ := startTestEngine(t, testConfig(), newFakeEmbedder(), &fakeExtractor{})

	var syntaxErr *types.QuerySyntaxError
	_, err := e.Search(context.Background(), "   ", types.SearchModeLexical, storage.SearchOptions{})
	require.ErrorAs(t, err, &syntaxErr)

	_, err = e.Search(context.Background(), `"unterminated phrase`, types.SearchModeLexical, storage.SearchOptions{})
	require.ErrorAs(t, err, &syntaxErr)

	var valErr *types.ValidationError
	_, err = e.Search(context.Background(), "fine", types.SearchMode("semantic"), storage.SearchOptions{})
	require.ErrorAs(t, err, &valErr)
}

func TestSearchCacheServesRepeatsAndPurgesOnAdd(t *testing.T) {
	emb := newFakeEmbedder()
	e, _ := startTestEngine(t, testConfig(), emb, &fakeExtractor{})
	addAndEnrich(t, e, "cache warm subject")

	_, err := e.Search(context.Background(), "subject", types.SearchModeHybrid, storage.SearchOptions{})
	require.NoError(t, err)
	callsAfterFirst := emb.callCount()

	// A repeat of the same query is answered from cache without re-embedding.
	_, err = e.Search(context.Background(), "subject", types.SearchModeHybrid, storage.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, emb.callCount())

	// New content invalidates the cache; the repeat now sees the new item.
	addAndEnrich(t, e, "another subject entirely")
	resp, err := e.Search(context.Background(), "subject", types.SearchModeHybrid, storage.SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}

func TestFuseWeightedSumOrdering(t *testing.T) {
	now := time.Now().UTC()
	mk := func(id string, age time.Duration) *types.ContentItem {
		return &types.ContentItem{ID: id, CreatedAt: now.Add(-age)}
	}

	lex := []types.SearchResult{
		{Item: mk("a", time.Hour), Scores: types.ScoreBreakdown{Lexical: 1.0}},
		{Item: mk("b", 2 * time.Hour), Scores: types.ScoreBreakdown{Lexical: 0.6}},
		{Item: mk("c", 3 * time.Hour), Scores: types.ScoreBreakdown{Lexical: 0.2}},
	}
	vec := []types.SearchResult{
		{Item: mk("b", 2 * time.Hour), Scores: types.ScoreBreakdown{Vector: 0.9}},
		{Item: mk("d", 4 * time.Hour), Scores: types.ScoreBreakdown{Vector: 0.7}},
		{Item: mk("a", time.Hour), Scores: types.ScoreBreakdown{Vector: 0.5}},
	}

	fused := fuse(lex, vec, 0.5, 0.5)
	require.Len(t, fused, 4)

	// After min-max normalization: lexical a=1, b=0.5, c=0; vector b=1,
	// d=0.5, a=0. Equal weights give b=0.75, a=0.5, d=0.25, c=0.
	assert.Equal(t, "b", fused[0].Item.ID)
	assert.Equal(t, "a", fused[1].Item.ID)
	assert.Equal(t, "d", fused[2].Item.ID)
	assert.Equal(t, "c", fused[3].Item.ID)

	assert.InDelta(t, 0.75, fused[0].Score, 1e-9)
	assert.InDelta(t, 0.5, fused[1].Score, 1e-9)
	assert.InDelta(t, 0.25, fused[2].Score, 1e-9)
	assert.InDelta(t, 0.0, fused[3].Score, 1e-9)
}

func TestFuseRespectsWeights(t *testing.T) {
	now := time.Now().UTC()
	lex := []types.SearchResult{
		{Item: &types.ContentItem{ID: "lexonly", CreatedAt: now}, Scores: types.ScoreBreakdown{Lexical: 1.0}},
		{Item: &types.ContentItem{ID: "shared", CreatedAt: now}, Scores: types.ScoreBreakdown{Lexical: 0.0}},
	}
	vec := []types.SearchResult{
		{Item: &types.ContentItem{ID: "veconly", CreatedAt: now}, Scores: types.ScoreBreakdown{Vector: 1.0}},
		{Item: &types.ContentItem{ID: "shared", CreatedAt: now}, Scores: types.ScoreBreakdown{Vector: 0.0}},
	}

	// All weight on the vector leg: the vector-only hit must win.
	fused := fuse(lex, vec, 0.0, 1.0)
	assert.Equal(t, "veconly", fused[0].Item.ID)
	assert.InDelta(t, 1.0, fused[0].Score, 1e-9)

	// Weights are normalized, so 1/1 behaves as 0.5/0.5.
	fused = fuse(lex, vec, 1.0, 1.0)
	assert.InDelta(t, 0.5, fused[0].Score, 1e-9)
}

func TestMinMaxNormalizeDegenerateLegs(t *testing.T) {
	score := func(r types.SearchResult) float64 { return r.Scores.Lexical }

	assert.Empty(t, minMaxNormalize(nil, score))

	same := []types.SearchResult{
		{Scores: types.ScoreBreakdown{Lexical: 0.4}},
		{Scores: types.ScoreBreakdown{Lexical: 0.4}},
	}
	norm := minMaxNormalize(same, score)
	assert.Equal(t, []float64{1.0, 1.0}, norm)
}

func TestDedupeDropsNearDuplicates(t *testing.T) {
	cfg := testConfig()
	// The two checklist texts share 5 of 7 distinct tokens (Jaccard 0.71).
	cfg.DedupSimilarity = 0.7
	e, _ := newTestEngine(t, cfg, newFakeEmbedder(), &fakeExtractor{})

	results := []types.SearchResult{
		{Item: &types.ContentItem{ID: "a", Text: "deploy checklist for the api service"}, Score: 0.9},
		{Item: &types.ContentItem{ID: "b", Text: "deploy checklist for the api services"}, Score: 0.8},
		{Item: &types.ContentItem{ID: "c", Text: "completely unrelated grocery list"}, Score: 0.7},
	}

	kept := e.dedupe(results)
	require.Len(t, kept, 2)
	assert.Equal(t, "a", kept[0].Item.ID)
	assert.Equal(t, "c", kept[1].Item.ID)
}

func TestReindexLexicalAndRebuildGraph(t *testing.T) {
	ext := &fakeExtractor{mentions: func(text string) []types.Mention {
		return []types.Mention{{Text: "Acme Corp", Type: types.EntityOrg, Start: 0, End: 9}}
	}}
	e, _ := startTestEngine(t, testConfig(), newFakeEmbedder(), ext)
	addAndEnrich(t, e, "Acme Corp shipped a release")

	n, err := e.ReindexLexical(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	missing, err := e.VerifyLexical(context.Background())
	require.NoError(t, err)
	assert.Empty(t, missing)

	entities, err := e.RebuildGraph(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, entities)
}
