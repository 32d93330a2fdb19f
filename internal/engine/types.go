// Package engine provides the capture and retrieval core: synchronous
// ingest with an FTS-backed lexical index, async embedding and entity
// extraction pipelines over a worker pool, and the hybrid query engine that
// fuses lexical and vector rankings.
package engine

import (
	"fmt"
	"time"
)

// JobKind selects which pipeline a queued job belongs to.
type JobKind string

const (
	// JobEmbed requests an embedding for the item.
	JobEmbed JobKind = "embed"

	// JobExtract requests entity extraction for the item.
	JobExtract JobKind = "extract"
)

// Job is a unit of async pipeline work. Jobs are queued when items are
// ingested and processed by worker goroutines. The queue is an optimization:
// the durable source of truth is the pending state on the item row, which the
// recovery scan re-enqueues after a restart.
type Job struct {
	// ItemID is the content item to process.
	ItemID string

	// Text is the item text, carried along so workers skip a read.
	Text string

	// CreatedAt is the item's capture time, recorded as the observation
	// time of extracted mentions.
	CreatedAt time.Time

	// Kind is the pipeline this job belongs to.
	Kind JobKind

	// Attempt tracks retries for this job. 0 is the first try.
	Attempt int

	// EnqueuedAt is when the job entered the queue.
	EnqueuedAt time.Time
}

// Config holds configuration for the engine.
type Config struct {
	// Workers is the number of pipeline worker goroutines (default: 2).
	Workers int

	// QueueSize is the job queue buffer size (default: 1024).
	QueueSize int

	// MaxRetries is the number of retries after the first failed attempt
	// before an item is marked failed (default: 5).
	MaxRetries int

	// RetryBaseDelay is the first backoff step (default: 1s). Each retry
	// doubles the delay up to RetryMaxDelay (default: 30s).
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// ShutdownTimeout is the maximum time to wait for workers to drain on
	// shutdown (default: 30s).
	ShutdownTimeout time.Duration

	// RecoveryBatchSize is the number of pending items re-enqueued per
	// recovery batch (default: 500).
	RecoveryBatchSize int

	// RecoveryInterval is how often the recovery scan re-runs while the
	// engine is up, picking up jobs dropped by a full queue (default: 1m,
	// 0 scans only once at start).
	RecoveryInterval time.Duration

	// LexicalWeight and VectorWeight set the hybrid fusion mix
	// (defaults: 0.5 / 0.5).
	LexicalWeight float64
	VectorWeight  float64

	// VectorTimeout bounds the vector leg of a hybrid query before the
	// engine degrades to lexical-only results (default: 2s).
	VectorTimeout time.Duration

	// CacheSize is the query cache capacity in entries (default: 256,
	// 0 disables caching).
	CacheSize int

	// CacheTTL expires cached query results (default: 60s).
	CacheTTL time.Duration

	// DedupSimilarity drops near-duplicate results whose texts overlap
	// beyond this Jaccard threshold; 0 disables (default: 0).
	DedupSimilarity float64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           2,
		QueueSize:         1024,
		MaxRetries:        5,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     30 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		RecoveryBatchSize: 500,
		RecoveryInterval:  time.Minute,
		LexicalWeight:     0.5,
		VectorWeight:      0.5,
		VectorTimeout:     2 * time.Second,
		CacheSize:         256,
		CacheTTL:          60 * time.Second,
	}
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("Workers must be >= 1, got %d", c.Workers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QueueSize must be >= 1, got %d", c.QueueSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MaxRetries must be >= 0, got %d", c.MaxRetries)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("invalid retry delays: base %v, max %v", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	if c.LexicalWeight < 0 || c.VectorWeight < 0 || c.LexicalWeight+c.VectorWeight == 0 {
		return fmt.Errorf("invalid fusion weights: lexical %f, vector %f", c.LexicalWeight, c.VectorWeight)
	}
	return nil
}

// backoffDelay computes the wait before the given retry attempt: the base
// delay doubled per attempt, capped at the max.
func (c *Config) backoffDelay(attempt int) time.Duration {
	d := c.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.RetryMaxDelay {
			return c.RetryMaxDelay
		}
	}
	if d > c.RetryMaxDelay {
		return c.RetryMaxDelay
	}
	return d
}

// Event is a pipeline notification delivered to subscribers (the websocket
// push endpoint, primarily).
type Event struct {
	// Kind is one of item_added, item_duplicate, embedded, extracted,
	// embed_failed, extract_failed.
	Kind string `json:"kind"`

	// ItemID is the content item the event concerns.
	ItemID string `json:"item_id"`

	// At is when the event occurred.
	At time.Time `json:"at"`
}
