// Command recall-reindex repairs the derived indexes offline: rebuilds the
// full-text index from the content table, recomputes the entity graph, and
// optionally re-embeds items whose vectors were produced by an older model.
// Run it against a database no daemon is using.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/unifiedai/recall/internal/backup"
	"github.com/unifiedai/recall/internal/config"
	"github.com/unifiedai/recall/internal/nlp"
	"github.com/unifiedai/recall/internal/storage"
	"github.com/unifiedai/recall/internal/storage/postgres"
	"github.com/unifiedai/recall/internal/storage/sqlite"
	"github.com/unifiedai/recall/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
	verifyOnly := flag.Bool("verify-only", false, "Report index drift without repairing")
	reembed := flag.Bool("reembed", false, "Re-embed items with stale model versions")
	backupDir := flag.String("backup-dir", "", "Snapshot the database here before repairing")
	backupKeep := flag.Int("backup-keep", 5, "Snapshots to retain in the backup directory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	dbPath := cfg.Storage.DataPath + "/recall.db"

	if *backupDir != "" && !*verifyOnly {
		snap, err := backup.Snapshot(dbPath, *backupDir)
		if err != nil {
			log.Fatalf("Backup failed: %v", err)
		}
		fmt.Printf("Backup: wrote %s\n", snap)
		if removed, err := backup.Prune(*backupDir, *backupKeep); err != nil {
			log.Printf("Backup retention: %v", err)
		} else if removed > 0 {
			fmt.Printf("Backup: pruned %d old snapshots\n", removed)
		}
	}

	store, err := sqlite.New(dbPath)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	missing, err := store.Verify(ctx)
	if err != nil {
		log.Fatalf("Lexical index verify failed: %v", err)
	}
	if len(missing) == 0 {
		fmt.Println("Lexical index: consistent")
	} else {
		fmt.Printf("Lexical index: %d items missing\n", len(missing))
	}

	if *verifyOnly {
		return
	}

	n, err := store.Reindex(ctx)
	if err != nil {
		log.Fatalf("Lexical reindex failed: %v", err)
	}
	fmt.Printf("Lexical index: rebuilt %d rows\n", n)

	entities, err := store.RebuildGraph(ctx)
	if err != nil {
		log.Fatalf("Graph rebuild failed: %v", err)
	}
	fmt.Printf("Entity graph: rebuilt, %d entities\n", entities)

	if *reembed {
		if err := reembedStale(ctx, cfg, store); err != nil {
			log.Fatalf("Re-embedding failed: %v", err)
		}
	}
}

// reembedStale re-embeds items whose stored vector predates the configured
// model version, synchronously and in batches. Offline mode: there is no
// worker pool to hand off to, so failures abort rather than retry.
func reembedStale(ctx context.Context, cfg *config.Config, store *sqlite.Store) error {
	var embStore storage.EmbeddingStore = store
	if cfg.Storage.Engine == "postgres" {
		pg, err := postgres.New(cfg.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pg.Close()
		embStore = pg
	}

	embedder := nlp.NewHTTPEmbedder(nlp.EmbedderConfig{
		BaseURL:      cfg.Embedding.ServiceURL,
		ModelVersion: cfg.Embedding.ModelVersion,
		RateLimit:    cfg.Embedding.RateLimit,
	})
	if err := embedder.HealthCheck(ctx); err != nil {
		return fmt.Errorf("embedding service unreachable: %w", err)
	}

	const batchSize = 100
	total := 0
	for {
		ids, err := embStore.StaleEmbeddings(ctx, cfg.Embedding.ModelVersion, batchSize)
		if err != nil {
			return fmt.Errorf("scan stale embeddings: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		progressed := 0
		for _, id := range ids {
			item, err := store.Get(ctx, id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "skipping %s: %v\n", id, err)
				continue
			}
			vec, err := embedder.Embed(ctx, item.Text)
			if err != nil {
				return fmt.Errorf("embed %s: %w", id, err)
			}
			rec := &types.EmbeddingRecord{
				ContentID:    id,
				Vector:       vec,
				ModelVersion: cfg.Embedding.ModelVersion,
				CreatedAt:    time.Now().UTC(),
			}
			if err := embStore.StoreEmbedding(ctx, rec); err != nil {
				return fmt.Errorf("store embedding %s: %w", id, err)
			}
			total++
			progressed++
		}
		if progressed == 0 {
			// Every remaining stale row points at a missing item; done.
			break
		}
	}
	fmt.Printf("Embeddings: re-embedded %d items with model %s\n", total, cfg.Embedding.ModelVersion)
	return nil
}
