// Command recalld runs the capture and retrieval daemon: SQLite-backed
// content store, async enrichment pipelines, and the HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unifiedai/recall/internal/config"
	"github.com/unifiedai/recall/internal/engine"
	"github.com/unifiedai/recall/internal/nlp"
	"github.com/unifiedai/recall/internal/server"
	"github.com/unifiedai/recall/internal/storage/postgres"
	"github.com/unifiedai/recall/internal/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	store, err := sqlite.New(cfg.Storage.DataPath + "/recall.db")
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	stores := engine.Stores{
		Content:    store,
		Lexical:    store,
		Embeddings: store,
		Vectors:    store,
		Graph:      store,
	}

	// The postgres engine moves only embeddings and similarity search to
	// pgvector; content, lexical index and graph stay in SQLite.
	if cfg.Storage.Engine == "postgres" {
		pg, err := postgres.New(cfg.Storage.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to connect to postgres: %v", err)
		}
		defer pg.Close()
		stores.Embeddings = pg
		stores.Vectors = pg
	}

	embedder := nlp.NewHTTPEmbedder(nlp.EmbedderConfig{
		BaseURL:      cfg.Embedding.ServiceURL,
		ModelVersion: cfg.Embedding.ModelVersion,
		RateLimit:    cfg.Embedding.RateLimit,
	})

	var extractor nlp.Extractor
	if cfg.Extractor.Provider == "remote" {
		extractor = nlp.NewRemoteExtractor(nlp.RemoteExtractorConfig{BaseURL: cfg.Extractor.ServiceURL})
	} else {
		extractor = nlp.NewPatternExtractor()
	}

	engineCfg := engine.DefaultConfig()
	engineCfg.Workers = cfg.Embedding.Workers
	engineCfg.MaxRetries = cfg.Embedding.MaxRetries
	engineCfg.RetryBaseDelay = cfg.Embedding.RetryBaseDelay
	engineCfg.RetryMaxDelay = cfg.Embedding.RetryMaxDelay
	engineCfg.LexicalWeight = cfg.Search.LexicalWeight
	engineCfg.VectorWeight = cfg.Search.VectorWeight
	engineCfg.VectorTimeout = cfg.Search.VectorTimeout
	engineCfg.CacheSize = cfg.Search.CacheSize
	engineCfg.CacheTTL = cfg.Search.CacheTTL
	engineCfg.DedupSimilarity = cfg.Search.DedupSimilarity

	eng, err := engine.New(engineCfg, stores, embedder, extractor)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	srv, err := server.Start(ctx, cfg, eng)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("recalld running at http://%s", srv.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	if err := eng.Shutdown(ctx); err != nil {
		log.Printf("Error shutting down engine: %v", err)
	}

	cancel()
	time.Sleep(1 * time.Second) // Give time for connections to close
}
