package engine

import (
	"context"
	"fmt"
	"log"
	"time"
)

// ReindexLexical rebuilds the full-text index from the content table and
// returns the number of rows indexed. Used after restoring a database or
// when Verify reports drift.
func (e *Engine) ReindexLexical(ctx context.Context) (int, error) {
	n, err := e.stores.Lexical.Reindex(ctx)
	if err != nil {
		return 0, fmt.Errorf("reindex lexical: %w", err)
	}
	e.purgeCache()
	log.Printf("engine: lexical index rebuilt, %d rows", n)
	return n, nil
}

// VerifyLexical reports content items missing from the full-text index.
func (e *Engine) VerifyLexical(ctx context.Context) ([]string, error) {
	return e.stores.Lexical.Verify(ctx)
}

// ReembedStale queues re-embedding for items whose stored vector was
// produced by a model version other than the current one. Returns the number
// of items queued. The actual embedding happens on the worker pool, so the
// engine must be started.
func (e *Engine) ReembedStale(ctx context.Context) (int, error) {
	e.mu.RLock()
	started := e.started && !e.shuttingDown
	e.mu.RUnlock()
	if !started {
		return 0, fmt.Errorf("engine not started")
	}
	if e.embedder == nil || e.stores.Embeddings == nil {
		return 0, fmt.Errorf("embedding pipeline not configured")
	}

	ids, err := e.stores.Embeddings.StaleEmbeddings(ctx, e.embedder.ModelVersion(), e.cfg.QueueSize)
	if err != nil {
		return 0, fmt.Errorf("scan stale embeddings: %w", err)
	}

	queued := 0
	for _, id := range ids {
		item, err := e.stores.Content.Get(ctx, id)
		if err != nil {
			log.Printf("engine: skipping stale embedding for missing item %s: %v", id, err)
			continue
		}
		if e.enqueue(Job{ItemID: item.ID, Text: item.Text, CreatedAt: item.CreatedAt, Kind: JobEmbed, EnqueuedAt: time.Now()}) {
			queued++
		}
	}
	if queued > 0 {
		log.Printf("engine: queued %d items for re-embedding", queued)
	}
	return queued, nil
}

// RebuildGraph recomputes entity aggregates and co-occurrence edges from the
// stored mentions. Returns the entity count after the rebuild.
func (e *Engine) RebuildGraph(ctx context.Context) (int, error) {
	if e.stores.Graph == nil {
		return 0, fmt.Errorf("entity graph not configured")
	}
	n, err := e.stores.Graph.RebuildGraph(ctx)
	if err != nil {
		return 0, fmt.Errorf("rebuild graph: %w", err)
	}
	log.Printf("engine: entity graph rebuilt, %d entities", n)
	return n, nil
}
