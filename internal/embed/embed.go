// Package embed defines the embedding capability consumed by the ingestion
// pipeline and the retrieval facade, plus an HTTP client for
// OpenAI-compatible embedding endpoints (including Ollama's /v1 surface) and
// an optional Redis-backed result cache.
package embed

import "context"

// Embedder turns text into a fixed-dimension embedding vector. The provider
// is an external collaborator; implementations must be safe for concurrent
// use and report provider failures as retrieval.ErrEmbeddingUnavailable so
// the facade can classify them as retryable.
type Embedder interface {
	// Embed returns the embedding for text. The returned slice is owned by
	// the caller.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the vector length this embedder produces.
	Dimension() int
}
