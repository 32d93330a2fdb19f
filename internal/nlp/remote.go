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

	"github.com/unifiedai/recall/pkg/types"
)

// RemoteExtractor calls an external NER service speaking a simple JSON
// protocol: POST /extract with {"text": ...} returning {"mentions": [{"text",
// "type", "start", "end"}]}. Calls go through the same circuit breaker
// discipline as the embedder.
type RemoteExtractor struct {
	baseURL string
	client  *http.Client
	breaker *Breaker
	timeout time.Duration
}

// RemoteExtractorConfig holds RemoteExtractor configuration.
type RemoteExtractorConfig struct {
	// BaseURL of the NER service. Required.
	BaseURL string

	// Timeout per request (default: 10s).
	Timeout time.Duration
}

type extractRequest struct {
	Text string `json:"text"`
}

type extractResponse struct {
	Mentions []struct {
		Text  string `json:"text"`
		Type  string `json:"type"`
		Start int    `json:"start"`
		End   int    `json:"end"`
	} `json:"mentions"`
}

// NewRemoteExtractor creates a remote NER client.
func NewRemoteExtractor(config RemoteExtractorConfig) *RemoteExtractor {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &RemoteExtractor{
		baseURL: config.BaseURL,
		client:  &http.Client{Timeout: config.Timeout},
		breaker: NewBreaker(BreakerConfig{Name: "extractor"}),
		timeout: config.Timeout,
	}
}

// Extract sends the text to the service and maps its labels onto the known
// entity types; labels the service invents come back as "other".
func (r *RemoteExtractor) Extract(ctx context.Context, text string) ([]types.Mention, error) {
	result, err := r.breaker.Execute(ctx, func() (interface{}, error) {
		return r.extract(ctx, text)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, types.NewTransientError("extractor", err)
		}
		return nil, err
	}
	return result.([]types.Mention), nil
}

func (r *RemoteExtractor) extract(ctx context.Context, text string) ([]types.Mention, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	body, err := json.Marshal(extractRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, types.NewTransientError("extractor", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		reqErr := fmt.Errorf("extraction service returned status %d: %s", resp.StatusCode, payload)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, types.NewTransientError("extractor", reqErr)
		}
		return nil, reqErr
	}

	var respData extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return nil, types.NewTransientError("extractor", fmt.Errorf("failed to decode response: %w", err))
	}

	mentions := make([]types.Mention, 0, len(respData.Mentions))
	for _, m := range respData.Mentions {
		mentions = append(mentions, types.Mention{
			Text:  m.Text,
			Type:  mapLabel(m.Type),
			Start: m.Start,
			End:   m.End,
		})
	}
	return mentions, nil
}

// mapLabel folds common NER tag sets (spaCy-style uppercase labels included)
// onto the stored entity types.
func mapLabel(label string) types.EntityType {
	switch label {
	case "person", "PERSON", "PER":
		return types.EntityPerson
	case "org", "ORG":
		return types.EntityOrg
	case "date", "DATE", "TIME":
		return types.EntityDate
	case "money", "MONEY":
		return types.EntityMoney
	case "place", "GPE", "LOC", "FAC":
		return types.EntityPlace
	case "product", "PRODUCT", "WORK_OF_ART":
		return types.EntityProduct
	default:
		return types.EntityOther
	}
}
