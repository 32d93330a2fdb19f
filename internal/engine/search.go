package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unifiedai/recall/internal/storage"
	"github.com/unifiedai/recall/pkg/types"
)

// cachedSearch is one memoized query answer. Entries expire on TTL and the
// whole cache is purged whenever new content lands, so a hit is never staler
// than the last ingest.
type cachedSearch struct {
	response types.SearchResponse
	storedAt time.Time
}

// Search answers a query in the requested mode.
//
// Lexical mode hits only the full-text index and reflects every committed
// item. Vector mode embeds the query and ranks by cosine similarity; it sees
// only items whose embedding pipeline has completed. Hybrid runs both legs
// concurrently and fuses them by weighted sum of min-max normalized scores;
// if the vector leg fails or exceeds its timeout the engine degrades to
// lexical-only results and says so in the response.
func (e *Engine) Search(ctx context.Context, query string, mode types.SearchMode, opts storage.SearchOptions) (*types.SearchResponse, error) {
	e.mu.RLock()
	if !e.started || e.shuttingDown {
		e.mu.RUnlock()
		return nil, types.ErrEngineClosed
	}
	e.mu.RUnlock()

	if mode == "" {
		mode = types.SearchModeHybrid
	}
	if !types.IsValidSearchMode(mode) {
		return nil, &types.ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown search mode %q", mode)}
	}
	if strings.TrimSpace(query) == "" {
		return nil, &types.QuerySyntaxError{Query: query, Pos: 0, Reason: "empty query"}
	}
	opts.Normalize()

	key := searchCacheKey(query, mode, opts)
	if e.cache != nil {
		if hit, ok := e.cache.Get(key); ok {
			resp := hit.response
			return &resp, nil
		}
	}

	var resp *types.SearchResponse
	var err error
	switch mode {
	case types.SearchModeLexical:
		resp, err = e.lexicalSearch(ctx, query, opts)
	case types.SearchModeVector:
		resp, err = e.vectorSearch(ctx, query, opts)
	default:
		resp, err = e.hybridSearch(ctx, query, opts)
	}
	if err != nil {
		return nil, err
	}

	if resp.Degraded {
		// Do not memoize degraded answers: the vector leg may be healthy
		// again on the next call.
	} else if e.cache != nil {
		e.cache.Add(key, cachedSearch{response: *resp, storedAt: time.Now()})
	}
	return resp, nil
}

func (e *Engine) lexicalSearch(ctx context.Context, query string, opts storage.SearchOptions) (*types.SearchResponse, error) {
	results, err := e.stores.Lexical.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Scores.Fused = results[i].Scores.Lexical
		results[i].Score = results[i].Scores.Lexical
	}
	return &types.SearchResponse{Results: e.dedupe(results)}, nil
}

func (e *Engine) vectorSearch(ctx context.Context, query string, opts storage.SearchOptions) (*types.SearchResponse, error) {
	results, err := e.vectorLeg(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Scores.Fused = results[i].Scores.Vector
		results[i].Score = results[i].Scores.Vector
	}
	return &types.SearchResponse{Results: e.dedupe(results)}, nil
}

// vectorLeg embeds the query, runs similarity search and resolves the hits
// to content items, applying the source and time filters the vector index
// itself cannot.
func (e *Engine) vectorLeg(ctx context.Context, query string, opts storage.SearchOptions) ([]types.SearchResult, error) {
	if e.embedder == nil || e.stores.Vectors == nil {
		return nil, &types.EngineUnavailableError{Component: "vector index"}
	}

	qvec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Over-fetch so that post-filtering by source and time still fills the
	// requested limit.
	fetch := opts.Limit
	if opts.Source != "" || !opts.Since.IsZero() || !opts.Until.IsZero() {
		fetch *= 4
	}
	hits, err := e.stores.Vectors.SimilaritySearch(ctx, qvec, fetch)
	if err != nil {
		return nil, err
	}

	results := make([]types.SearchResult, 0, len(hits))
	for _, hit := range hits {
		item, err := e.stores.Content.Get(ctx, hit.ContentID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Embedding outlived its item; skip.
				continue
			}
			return nil, err
		}
		if opts.Source != "" && item.Source != opts.Source {
			continue
		}
		if !opts.Since.IsZero() && item.CreatedAt.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && !item.CreatedAt.Before(opts.Until) {
			continue
		}
		results = append(results, types.SearchResult{
			Item:   item,
			Score:  hit.Score,
			Scores: types.ScoreBreakdown{Vector: hit.Score},
		})
		if len(results) == opts.Limit {
			break
		}
	}
	return results, nil
}

// hybridSearch runs the lexical and vector legs concurrently and fuses
// their rankings. Losing one leg degrades the answer to the surviving leg;
// only a syntax error (the caller's to fix) or losing both legs fails the
// query.
func (e *Engine) hybridSearch(ctx context.Context, query string, opts storage.SearchOptions) (*types.SearchResponse, error) {
	var (
		lexResults []types.SearchResult
		vecResults []types.SearchResult
		lexErr     error
		vecErr     error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lexResults, lexErr = e.stores.Lexical.Search(gctx, query, opts)
		var synErr *types.QuerySyntaxError
		if errors.As(lexErr, &synErr) {
			return lexErr
		}
		return nil
	})
	g.Go(func() error {
		vctx, cancel := context.WithTimeout(gctx, e.cfg.VectorTimeout)
		defer cancel()
		vecResults, vecErr = e.vectorLeg(vctx, query, opts)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	switch {
	case lexErr != nil && vecErr != nil:
		log.Printf("engine: both search legs failed (lexical: %v, vector: %v)", lexErr, vecErr)
		return nil, fmt.Errorf("lexical search: %w", lexErr)
	case lexErr != nil:
		log.Printf("engine: lexical leg unavailable, serving vector-only results: %v", lexErr)
		resp := e.singleLegResponse(vecResults, func(s types.ScoreBreakdown) float64 { return s.Vector })
		resp.Degraded = true
		resp.Warning = "lexical search unavailable; results are vector-only"
		return resp, nil
	case vecErr != nil:
		log.Printf("engine: vector leg unavailable, serving lexical-only results: %v", vecErr)
		resp := e.singleLegResponse(lexResults, func(s types.ScoreBreakdown) float64 { return s.Lexical })
		resp.Degraded = true
		resp.Warning = "vector search unavailable; results are lexical-only"
		return resp, nil
	}

	fused := fuse(lexResults, vecResults, e.cfg.LexicalWeight, e.cfg.VectorWeight)
	if len(fused) > opts.Limit {
		fused = fused[:opts.Limit]
	}
	return &types.SearchResponse{Results: e.dedupe(fused)}, nil
}

// singleLegResponse promotes one leg's score to the fused score when the
// other leg is down.
func (e *Engine) singleLegResponse(results []types.SearchResult, score func(types.ScoreBreakdown) float64) *types.SearchResponse {
	for i := range results {
		results[i].Scores.Fused = score(results[i].Scores)
		results[i].Score = results[i].Scores.Fused
	}
	return &types.SearchResponse{Results: e.dedupe(results)}
}

// fuse combines the two legs by weighted sum of min-max normalized scores.
// An item present in only one leg contributes zero from the other, so
// agreement between legs outranks a strong single-leg hit at equal weights.
func fuse(lex, vec []types.SearchResult, lexWeight, vecWeight float64) []types.SearchResult {
	total := lexWeight + vecWeight
	lexWeight /= total
	vecWeight /= total

	lexNorm := minMaxNormalize(lex, func(r types.SearchResult) float64 { return r.Scores.Lexical })
	vecNorm := minMaxNormalize(vec, func(r types.SearchResult) float64 { return r.Scores.Vector })

	merged := make(map[string]*types.SearchResult)
	for i := range lex {
		r := lex[i]
		r.Scores.Lexical = lexNorm[i]
		merged[r.Item.ID] = &r
	}
	for i := range vec {
		if existing, ok := merged[vec[i].Item.ID]; ok {
			existing.Scores.Vector = vecNorm[i]
			continue
		}
		r := vec[i]
		r.Scores.Vector = vecNorm[i]
		merged[r.Item.ID] = &r
	}

	fused := make([]types.SearchResult, 0, len(merged))
	for _, r := range merged {
		r.Scores.Fused = lexWeight*r.Scores.Lexical + vecWeight*r.Scores.Vector
		r.Score = r.Scores.Fused
		fused = append(fused, *r)
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		if !fused[i].Item.CreatedAt.Equal(fused[j].Item.CreatedAt) {
			return fused[i].Item.CreatedAt.After(fused[j].Item.CreatedAt)
		}
		return fused[i].Item.ID < fused[j].Item.ID
	})
	return fused
}

// minMaxNormalize maps a leg's scores onto [0,1]. A single-result leg (or a
// leg whose scores are all equal) normalizes to 1.0 for every result.
func minMaxNormalize(results []types.SearchResult, score func(types.SearchResult) float64) []float64 {
	norm := make([]float64, len(results))
	if len(results) == 0 {
		return norm
	}

	min, max := score(results[0]), score(results[0])
	for _, r := range results[1:] {
		s := score(r)
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}

	for i, r := range results {
		if max == min {
			norm[i] = 1.0
			continue
		}
		norm[i] = (score(r) - min) / (max - min)
	}
	return norm
}

// dedupe drops results whose text is a near-duplicate of a higher-ranked
// result, measured by Jaccard overlap of their token sets. Disabled when the
// threshold is zero.
func (e *Engine) dedupe(results []types.SearchResult) []types.SearchResult {
	if e.cfg.DedupSimilarity <= 0 || len(results) < 2 {
		return results
	}

	kept := results[:0:0]
	keptTokens := make([]map[string]struct{}, 0, len(results))
	for _, r := range results {
		tokens := tokenSet(r.Item.Text)
		dup := false
		for _, prev := range keptTokens {
			if jaccard(tokens, prev) >= e.cfg.DedupSimilarity {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		kept = append(kept, r)
		keptTokens = append(keptTokens, tokens)
	}
	return kept
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		set[tok] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func searchCacheKey(query string, mode types.SearchMode, opts storage.SearchOptions) string {
	var b strings.Builder
	b.WriteString(string(mode))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(opts.Limit))
	b.WriteByte('|')
	b.WriteString(string(opts.Source))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(opts.Since.UnixMicro(), 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(opts.Until.UnixMicro(), 10))
	b.WriteByte('|')
	b.WriteString(query)
	return b.String()
}
