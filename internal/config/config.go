// Package config provides configuration management for Recall.
// It loads settings from an optional YAML file, then applies environment
// variables with the RECALL_ prefix on top, with sensible defaults for every
// option.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the Recall application.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Search    SearchConfig    `yaml:"search"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"` // Server port (default: 7171)
	Host string `yaml:"host"` // Server host (default: 127.0.0.1)

	// RequestTimeout bounds every API request (default: 10s).
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	// Engine selects the vector index backend: sqlite or postgres
	// (default: sqlite). Content, lexical index and graph always live in
	// SQLite.
	Engine string `yaml:"engine"`

	// DataPath is the directory for the SQLite database (default: ./data).
	DataPath string `yaml:"data_path"`

	// PostgresDSN is used when Engine is postgres.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// EmbeddingConfig contains the embedding pipeline configuration.
type EmbeddingConfig struct {
	// ServiceURL is the embedding HTTP service endpoint
	// (default: http://localhost:11434).
	ServiceURL string `yaml:"service_url"`

	// ModelVersion identifies the embedding model; changing it triggers
	// re-embedding on reindex (default: nomic-embed-text:v1).
	ModelVersion string `yaml:"model_version"`

	// Workers is the number of concurrent pipeline workers (default: 2).
	Workers int `yaml:"workers"`

	// MaxRetries before an item is marked failed (default: 5).
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelay is the first backoff step (default: 1s); doubles per
	// attempt up to RetryMaxDelay (default: 30s).
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`

	// RateLimit caps outbound embedding requests per second (default: 10).
	RateLimit float64 `yaml:"rate_limit"`
}

// ExtractorConfig contains entity extraction configuration.
type ExtractorConfig struct {
	// Provider selects the extractor: pattern (built-in, default) or
	// remote (HTTP NER service).
	Provider string `yaml:"provider"`

	// ServiceURL is the remote NER endpoint when Provider is remote.
	ServiceURL string `yaml:"service_url"`
}

// SearchConfig contains query engine configuration.
type SearchConfig struct {
	// LexicalWeight and VectorWeight set the hybrid fusion mix
	// (defaults: 0.5 / 0.5). They must sum to a positive value.
	LexicalWeight float64 `yaml:"lexical_weight"`
	VectorWeight  float64 `yaml:"vector_weight"`

	// VectorTimeout bounds the vector leg of a hybrid query before the
	// engine degrades to lexical-only (default: 2s).
	VectorTimeout time.Duration `yaml:"vector_timeout"`

	// CacheSize is the query result cache capacity (default: 256 entries,
	// 0 disables).
	CacheSize int `yaml:"cache_size"`

	// CacheTTL expires cached results (default: 60s).
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// DedupSimilarity drops near-duplicate results whose fused scores and
	// text overlap exceed this threshold; 0 disables (default: 0).
	DedupSimilarity float64 `yaml:"dedup_similarity"`
}

// Load builds the configuration. If path is non-empty the YAML file is read
// first; RECALL_* environment variables then override file values, and
// defaults fill the rest.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading any file or
// environment variable.
func Default() *Config {
	return defaults()
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           7171,
			Host:           "127.0.0.1",
			RequestTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		Embedding: EmbeddingConfig{
			ServiceURL:     "http://localhost:11434",
			ModelVersion:   "nomic-embed-text:v1",
			Workers:        2,
			MaxRetries:     5,
			RetryBaseDelay: time.Second,
			RetryMaxDelay:  30 * time.Second,
			RateLimit:      10,
		},
		Extractor: ExtractorConfig{
			Provider: "pattern",
		},
		Search: SearchConfig{
			LexicalWeight: 0.5,
			VectorWeight:  0.5,
			VectorTimeout: 2 * time.Second,
			CacheSize:     256,
			CacheTTL:      60 * time.Second,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvInt("RECALL_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnv("RECALL_HOST", cfg.Server.Host)
	cfg.Server.RequestTimeout = getEnvDuration("RECALL_REQUEST_TIMEOUT", cfg.Server.RequestTimeout)

	cfg.Storage.Engine = getEnv("RECALL_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.DataPath = getEnv("RECALL_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.PostgresDSN = getEnv("RECALL_POSTGRES_DSN", cfg.Storage.PostgresDSN)

	cfg.Embedding.ServiceURL = getEnv("RECALL_EMBEDDING_URL", cfg.Embedding.ServiceURL)
	cfg.Embedding.ModelVersion = getEnv("RECALL_EMBEDDING_MODEL", cfg.Embedding.ModelVersion)
	cfg.Embedding.Workers = getEnvInt("RECALL_EMBEDDING_WORKERS", cfg.Embedding.Workers)
	cfg.Embedding.MaxRetries = getEnvInt("RECALL_EMBEDDING_MAX_RETRIES", cfg.Embedding.MaxRetries)
	cfg.Embedding.RetryBaseDelay = getEnvDuration("RECALL_EMBEDDING_RETRY_BASE", cfg.Embedding.RetryBaseDelay)
	cfg.Embedding.RetryMaxDelay = getEnvDuration("RECALL_EMBEDDING_RETRY_MAX", cfg.Embedding.RetryMaxDelay)
	cfg.Embedding.RateLimit = getEnvFloat("RECALL_EMBEDDING_RATE_LIMIT", cfg.Embedding.RateLimit)

	cfg.Extractor.Provider = getEnv("RECALL_EXTRACTOR_PROVIDER", cfg.Extractor.Provider)
	cfg.Extractor.ServiceURL = getEnv("RECALL_EXTRACTOR_URL", cfg.Extractor.ServiceURL)

	cfg.Search.LexicalWeight = getEnvFloat("RECALL_SEARCH_LEXICAL_WEIGHT", cfg.Search.LexicalWeight)
	cfg.Search.VectorWeight = getEnvFloat("RECALL_SEARCH_VECTOR_WEIGHT", cfg.Search.VectorWeight)
	cfg.Search.VectorTimeout = getEnvDuration("RECALL_SEARCH_VECTOR_TIMEOUT", cfg.Search.VectorTimeout)
	cfg.Search.CacheSize = getEnvInt("RECALL_SEARCH_CACHE_SIZE", cfg.Search.CacheSize)
	cfg.Search.CacheTTL = getEnvDuration("RECALL_SEARCH_CACHE_TTL", cfg.Search.CacheTTL)
	cfg.Search.DedupSimilarity = getEnvFloat("RECALL_SEARCH_DEDUP_SIMILARITY", cfg.Search.DedupSimilarity)
}

func (c *Config) validate() error {
	if c.Storage.Engine != "sqlite" && c.Storage.Engine != "postgres" {
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	if c.Storage.Engine == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("config: postgres engine requires RECALL_POSTGRES_DSN")
	}
	if c.Extractor.Provider != "pattern" && c.Extractor.Provider != "remote" {
		return fmt.Errorf("config: unknown extractor provider %q", c.Extractor.Provider)
	}
	if c.Extractor.Provider == "remote" && c.Extractor.ServiceURL == "" {
		return fmt.Errorf("config: remote extractor requires RECALL_EXTRACTOR_URL")
	}
	if c.Search.LexicalWeight < 0 || c.Search.VectorWeight < 0 {
		return fmt.Errorf("config: search weights must be non-negative")
	}
	if c.Search.LexicalWeight+c.Search.VectorWeight == 0 {
		return fmt.Errorf("config: search weights must not both be zero")
	}
	if c.Embedding.Workers < 1 {
		return fmt.Errorf("config: embedding workers must be at least 1")
	}
	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. If the environment variable exists but cannot be parsed as an
// integer, it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable ("2s", "500ms") or
// returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
