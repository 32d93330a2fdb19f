package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/unifiedai/recall/internal/nlp"
	"github.com/unifiedai/recall/internal/storage"
	"github.com/unifiedai/recall/pkg/types"
)

// Stores bundles the storage backends the engine operates on. The content
// store, lexical index and entity graph always live in SQLite; embeddings and
// vector search may be served by Postgres/pgvector instead.
type Stores struct {
	Content    storage.ContentStore
	Lexical    storage.LexicalIndex
	Embeddings storage.EmbeddingStore
	Vectors    storage.VectorIndex
	Graph      storage.EntityGraph
}

// Engine coordinates capture, the async enrichment pipelines and retrieval.
//
// Writes are synchronous through to the content store and lexical index;
// embedding and entity extraction run on a worker pool fed by a bounded
// queue. Pipeline state is durable on the item row, so a lost job is
// recovered by re-scanning pending items rather than by queue persistence.
type Engine struct {
	cfg    Config
	stores Stores

	embedder  nlp.Embedder
	extractor nlp.Extractor

	queue chan Job
	wg    sync.WaitGroup

	mu           sync.RWMutex
	started      bool
	shuttingDown bool
	workerCtx    context.Context
	workerCancel context.CancelFunc

	cache *expirable.LRU[string, cachedSearch]

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

// New creates an engine over the given stores and NLP clients.
func New(cfg Config, stores Stores, embedder nlp.Embedder, extractor nlp.Extractor) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if stores.Content == nil || stores.Lexical == nil {
		return nil, fmt.Errorf("content store and lexical index are required")
	}

	e := &Engine{
		cfg:       cfg,
		stores:    stores,
		embedder:  embedder,
		extractor: extractor,
		queue:     make(chan Job, cfg.QueueSize),
		subs:      make(map[chan Event]struct{}),
	}
	if cfg.CacheSize > 0 {
		e.cache = expirable.NewLRU[string, cachedSearch](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return e, nil
}

// Start launches the worker pool and kicks off recovery of items whose
// pipeline work was interrupted. Safe to call once; subsequent calls error.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("engine already started")
	}

	e.workerCtx, e.workerCancel = context.WithCancel(context.Background())
	// A fresh queue every start keeps the engine restartable after a
	// shutdown closed the previous one.
	e.queue = make(chan Job, e.cfg.QueueSize)

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}

	e.started = true
	log.Printf("engine: started %d pipeline workers (queue size %d)", e.cfg.Workers, e.cfg.QueueSize)

	// Recovery runs in the background so startup is not delayed by a
	// large backlog, then keeps rescanning so jobs dropped by a full queue
	// are not stranded until a restart.
	go e.recoveryLoop(e.workerCtx)

	return nil
}

// recoveryLoop scans for pending items once at start and then on every
// RecoveryInterval tick. Re-enqueueing an item that is already in flight is
// harmless: both pipelines are idempotent.
func (e *Engine) recoveryLoop(ctx context.Context) {
	scan := func() {
		if n, err := e.recoverPending(ctx); err != nil {
			log.Printf("engine: pipeline recovery failed: %v", err)
		} else if n > 0 {
			log.Printf("engine: re-enqueued %d pending pipeline jobs", n)
		}
	}
	scan()

	if e.cfg.RecoveryInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scan()
		}
	}
}

// Shutdown stops the workers, waiting up to ShutdownTimeout for in-flight
// jobs to finish. Queued jobs that have not started are dropped; their items
// remain pending and are recovered on the next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.shuttingDown {
		e.mu.Unlock()
		return nil
	}
	e.shuttingDown = true
	// Closing the queue under the same lock enqueue reads shuttingDown
	// under guarantees no send races the close.
	close(e.queue)
	e.mu.Unlock()

	log.Printf("engine: shutting down")
	e.workerCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	timeout := e.cfg.ShutdownTimeout
	select {
	case <-done:
	case <-time.After(timeout):
		log.Printf("engine: shutdown timed out after %v with workers still running", timeout)
		return types.ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	e.mu.Lock()
	e.started = false
	e.shuttingDown = false
	e.mu.Unlock()

	e.closeSubscribers()
	log.Printf("engine: shutdown complete")
	return nil
}

// Add captures a piece of content. The item and its lexical index entry are
// written synchronously; on return a non-duplicate item is already findable
// by lexical search. Embedding and entity extraction are queued for the
// worker pool.
//
// When normalized text matches an existing item, that item's capture count
// and last-seen time are bumped and it is returned with duplicate=true; no
// pipeline work is queued.
func (e *Engine) Add(ctx context.Context, text string, source types.SourceType, meta types.Metadata) (*types.ContentItem, bool, error) {
	e.mu.RLock()
	if !e.started || e.shuttingDown {
		e.mu.RUnlock()
		return nil, false, types.ErrEngineClosed
	}
	e.mu.RUnlock()

	item, duplicate, err := e.stores.Content.Add(ctx, text, source, meta)
	if err != nil {
		return nil, false, err
	}

	if duplicate {
		e.publish(Event{Kind: "item_duplicate", ItemID: item.ID, At: time.Now().UTC()})
		return item, true, nil
	}

	e.purgeCache()
	e.publish(Event{Kind: "item_added", ItemID: item.ID, At: time.Now().UTC()})

	e.enqueue(Job{ItemID: item.ID, Text: item.Text, CreatedAt: item.CreatedAt, Kind: JobEmbed, EnqueuedAt: time.Now()})
	e.enqueue(Job{ItemID: item.ID, Text: item.Text, CreatedAt: item.CreatedAt, Kind: JobExtract, EnqueuedAt: time.Now()})

	return item, false, nil
}

// Get returns a single item by ID.
func (e *Engine) Get(ctx context.Context, id string) (*types.ContentItem, error) {
	return e.stores.Content.Get(ctx, id)
}

// List returns items newest-first with keyset pagination.
func (e *Engine) List(ctx context.Context, opts storage.ListOptions) (*storage.Page[*types.ContentItem], error) {
	return e.stores.Content.List(ctx, opts)
}

// Stats reports corpus and pipeline counters.
func (e *Engine) Stats(ctx context.Context) (*types.Stats, error) {
	return e.stores.Content.Stats(ctx)
}

// Entity returns a single entity by ID.
func (e *Engine) Entity(ctx context.Context, id string) (*types.Entity, error) {
	if e.stores.Graph == nil {
		return nil, &types.EngineUnavailableError{Component: "entity graph"}
	}
	return e.stores.Graph.GetEntity(ctx, id)
}

// TopEntities returns the most-mentioned entities, optionally filtered by
// type.
func (e *Engine) TopEntities(ctx context.Context, typ types.EntityType, limit int) ([]*types.Entity, error) {
	if e.stores.Graph == nil {
		return nil, &types.EngineUnavailableError{Component: "entity graph"}
	}
	return e.stores.Graph.TopEntities(ctx, typ, limit)
}

// Neighbors returns entities co-occurring with the given entity, strongest
// edges first.
func (e *Engine) Neighbors(ctx context.Context, entityID string, limit int) ([]types.Neighbor, error) {
	if e.stores.Graph == nil {
		return nil, &types.EngineUnavailableError{Component: "entity graph"}
	}
	return e.stores.Graph.Neighbors(ctx, entityID, limit)
}

// EntityItems returns the IDs of items mentioning an entity, newest first.
func (e *Engine) EntityItems(ctx context.Context, entityID string, limit int) ([]string, error) {
	if e.stores.Graph == nil {
		return nil, &types.EngineUnavailableError{Component: "entity graph"}
	}
	return e.stores.Graph.EntityItems(ctx, entityID, limit)
}

// enqueue offers a job to the queue without blocking the caller. A full
// queue is logged and the job dropped; the item stays pending and the next
// recovery scan picks it up.
func (e *Engine) enqueue(job Job) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.started || e.shuttingDown {
		return false
	}
	select {
	case e.queue <- job:
		return true
	default:
		log.Printf("engine: queue full, deferring %s job for item %s to recovery", job.Kind, job.ItemID)
		return false
	}
}

// Subscribe registers an event channel for pipeline notifications. The
// returned cancel func must be called when the subscriber goes away. Slow
// subscribers miss events rather than stalling the pipeline.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	e.subMu.Lock()
	e.subs[ch] = struct{}{}
	e.subMu.Unlock()

	cancel := func() {
		e.subMu.Lock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
		e.subMu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) publish(ev Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (e *Engine) closeSubscribers() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for ch := range e.subs {
		delete(e.subs, ch)
		close(ch)
	}
}

func (e *Engine) purgeCache() {
	if e.cache != nil {
		e.cache.Purge()
	}
}
