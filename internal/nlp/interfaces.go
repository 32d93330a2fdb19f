// Package nlp provides the language services behind the async pipelines:
// text embedding for the vector index and named-entity extraction for the
// co-occurrence graph.
package nlp

import (
	"context"

	"github.com/unifiedai/recall/pkg/types"
)

// Embedder converts text into a dense vector. Implementations wrap a remote
// model service; failures that may clear on retry are reported as
// types.TransientBackendError so the pipeline can back off and retry.
type Embedder interface {
	// Embed returns the embedding for the given text.
	Embed(ctx context.Context, text string) ([]float64, error)

	// ModelVersion identifies the model behind the vectors. Stored alongside
	// each embedding so a model upgrade can find stale vectors.
	ModelVersion() string

	// HealthCheck verifies the backing service is reachable.
	HealthCheck(ctx context.Context) error
}

// Extractor finds named-entity mentions in text. Offsets are byte offsets
// into the input.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]types.Mention, error)
}
