package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/unifiedai/recall/pkg/types"
)

// pipelineOpTimeout bounds a single embed or extract attempt.
const pipelineOpTimeout = 60 * time.Second

// worker drains the job queue until it is closed on shutdown.
func (e *Engine) worker(id int) {
	defer e.wg.Done()

	for job := range e.queue {
		if e.workerCtx.Err() != nil {
			// Shutdown in progress; the item stays pending and is
			// recovered on the next start.
			continue
		}
		e.processJob(job)
	}
	log.Printf("engine: worker %d stopped", id)
}

// processJob runs one pipeline attempt. Transient failures are retried with
// exponential backoff up to MaxRetries; permanent failures and exhausted
// retries mark the item failed with the error recorded on the row.
func (e *Engine) processJob(job Job) {
	if job.Attempt > 0 {
		delay := e.cfg.backoffDelay(job.Attempt)
		select {
		case <-time.After(delay):
		case <-e.workerCtx.Done():
			return
		}
	}

	ctx, cancel := context.WithTimeout(e.workerCtx, pipelineOpTimeout)
	defer cancel()

	var err error
	switch job.Kind {
	case JobEmbed:
		err = e.embedItem(ctx, job)
	case JobExtract:
		err = e.extractItem(ctx, job)
	default:
		log.Printf("engine: dropping job with unknown kind %q for item %s", job.Kind, job.ItemID)
		return
	}
	if err == nil {
		return
	}

	if types.IsTransient(err) && job.Attempt < e.cfg.MaxRetries {
		job.Attempt++
		log.Printf("engine: %s for item %s failed (attempt %d/%d), retrying: %v",
			job.Kind, job.ItemID, job.Attempt, e.cfg.MaxRetries, err)
		if !e.enqueue(job) {
			// Backpressure is not failure: the item stays pending and the
			// next recovery scan re-enqueues it.
			log.Printf("engine: retry queue full, leaving %s for item %s to recovery", job.Kind, job.ItemID)
		}
		return
	}

	e.markFailed(job, err)
}

// embedItem runs the embedding pipeline for one item: embed the text, store
// the vector, then flip the item to embedded. The flip lives here, not in the
// embedding store, so content-blind backends (pgvector) keep the state
// machine working. A crash between store and flip leaves the item pending;
// recovery re-embeds it and the upsert makes that harmless.
func (e *Engine) embedItem(ctx context.Context, job Job) error {
	if e.embedder == nil || e.stores.Embeddings == nil {
		return fmt.Errorf("embedding pipeline not configured")
	}

	vec, err := e.embedder.Embed(ctx, job.Text)
	if err != nil {
		return err
	}

	rec := &types.EmbeddingRecord{
		ContentID:    job.ItemID,
		Vector:       vec,
		ModelVersion: e.embedder.ModelVersion(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.stores.Embeddings.StoreEmbedding(ctx, rec); err != nil {
		return fmt.Errorf("store embedding for %s: %w", job.ItemID, err)
	}
	if err := e.stores.Content.SetEmbeddingState(ctx, job.ItemID, types.EmbeddingDone, ""); err != nil {
		return fmt.Errorf("mark item %s embedded: %w", job.ItemID, err)
	}

	e.publish(Event{Kind: "embedded", ItemID: job.ItemID, At: time.Now().UTC()})
	return nil
}

// extractItem runs the extraction pipeline for one item: extract mentions
// and record them in the entity graph, flipping the item to extracted.
func (e *Engine) extractItem(ctx context.Context, job Job) error {
	if e.extractor == nil || e.stores.Graph == nil {
		return fmt.Errorf("extraction pipeline not configured")
	}

	mentions, err := e.extractor.Extract(ctx, job.Text)
	if err != nil {
		return err
	}

	if err := e.stores.Graph.RecordMentions(ctx, job.ItemID, job.CreatedAt.UnixMicro(), mentions); err != nil {
		return fmt.Errorf("record mentions for %s: %w", job.ItemID, err)
	}

	e.publish(Event{Kind: "extracted", ItemID: job.ItemID, At: time.Now().UTC()})
	return nil
}

// markFailed records a terminal pipeline failure on the item row. State
// updates use a background context so an engine shutdown does not lose the
// failure record.
func (e *Engine) markFailed(job Job, cause error) {
	log.Printf("engine: %s for item %s failed permanently: %v", job.Kind, job.ItemID, cause)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	var eventKind string
	switch job.Kind {
	case JobEmbed:
		err = e.stores.Content.SetEmbeddingState(ctx, job.ItemID, types.EmbeddingFailed, cause.Error())
		eventKind = "embed_failed"
	case JobExtract:
		err = e.stores.Content.SetEntityState(ctx, job.ItemID, types.EntityFailed, cause.Error())
		eventKind = "extract_failed"
	}
	if err != nil {
		log.Printf("engine: recording failure for item %s: %v", job.ItemID, err)
		return
	}
	e.publish(Event{Kind: eventKind, ItemID: job.ItemID, At: time.Now().UTC()})
}

// recoverPending re-enqueues pipeline work for items left pending by a crash
// or a full queue, oldest first so the backlog drains in capture order. A
// backlog larger than one batch is bounded by the queue anyway; whatever does
// not fit stays pending for the next scan.
func (e *Engine) recoverPending(ctx context.Context) (int, error) {
	limit := e.cfg.RecoveryBatchSize
	if limit > e.cfg.QueueSize {
		limit = e.cfg.QueueSize
	}

	items, err := e.stores.Content.PendingItems(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("scan pending items: %w", err)
	}

	recovered := 0
	for _, item := range items {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}
		if item.EmbeddingState == types.EmbeddingPending {
			if e.enqueue(Job{ItemID: item.ID, Text: item.Text, CreatedAt: item.CreatedAt, Kind: JobEmbed, EnqueuedAt: time.Now()}) {
				recovered++
			}
		}
		if item.EntityState == types.EntityPending {
			if e.enqueue(Job{ItemID: item.ID, Text: item.Text, CreatedAt: item.CreatedAt, Kind: JobExtract, EnqueuedAt: time.Now()}) {
				recovered++
			}
		}
	}
	return recovered, nil
}
