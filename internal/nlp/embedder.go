package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/unifiedai/recall/pkg/types"
)

// HTTPEmbedder calls an Ollama-compatible embedding service. Calls are rate
// limited and wrapped in a circuit breaker; service errors are classified so
// the pipeline retries transient failures and gives up on permanent ones.
type HTTPEmbedder struct {
	baseURL string
	model   string
	client  *http.Client
	breaker *Breaker
	limiter *rate.Limiter
	timeout time.Duration
}

// EmbedderConfig holds HTTPEmbedder configuration.
type EmbedderConfig struct {
	// BaseURL of the embedding service (default: http://localhost:11434).
	BaseURL string

	// ModelVersion names the embedding model (default: nomic-embed-text:v1).
	ModelVersion string

	// Timeout per request (default: 10s).
	Timeout time.Duration

	// RateLimit caps outbound requests per second (default: 10).
	RateLimit float64
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// The embeddings field is a 2D array; the first row is the only one for a
// single-input request.
type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// NewHTTPEmbedder creates an embedder with defaults applied.
func NewHTTPEmbedder(config EmbedderConfig) *HTTPEmbedder {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.ModelVersion == "" {
		config.ModelVersion = "nomic-embed-text:v1"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 10
	}

	return &HTTPEmbedder{
		baseURL: config.BaseURL,
		model:   config.ModelVersion,
		client:  &http.Client{Timeout: config.Timeout},
		breaker: NewBreaker(BreakerConfig{Name: "embedder"}),
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		timeout: config.Timeout,
	}
}

// ModelVersion identifies the model behind the vectors.
func (e *HTTPEmbedder) ModelVersion() string {
	return e.model
}

// Embed returns the embedding for the given text. An open circuit, a network
// failure or a 5xx from the service come back as TransientBackendError; a 4xx
// means the input itself was rejected and retrying cannot help.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := e.breaker.Execute(ctx, func() (interface{}, error) {
		return e.embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, types.NewTransientError("embedder", err)
		}
		return nil, err
	}
	return result.([]float64), nil
}

func (e *HTTPEmbedder) embed(ctx context.Context, text string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, types.NewTransientError("embedder", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		reqErr := fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, payload)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, types.NewTransientError("embedder", reqErr)
		}
		return nil, reqErr
	}

	var respData embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return nil, types.NewTransientError("embedder", fmt.Errorf("failed to decode response: %w", err))
	}
	if len(respData.Embeddings) == 0 || len(respData.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("embedding service returned empty vector")
	}
	return respData.Embeddings[0], nil
}

// HealthCheck verifies the service is reachable via /api/version. It bypasses
// the circuit breaker since it is itself the probe.
func (e *HTTPEmbedder) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding service returned status %d", resp.StatusCode)
	}
	return nil
}

// BreakerState reports the embedder circuit state for stats endpoints.
func (e *HTTPEmbedder) BreakerState() string {
	return e.breaker.State()
}
