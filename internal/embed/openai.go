package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/cain76/finderskeepers-v2-sub003/internal/retrieval"
)

// DefaultOllamaHost is the OpenAI-compatible endpoint of a local Ollama.
const DefaultOllamaHost = "http://localhost:11434/v1"

// Known embedding model dimensions. Unknown models must set Config.Dimension
// explicitly.
var modelDimensions = map[string]int{
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
}

// Config configures the HTTP embedding client.
type Config struct {
	// BaseURL of the OpenAI-compatible API, e.g. "http://localhost:11434/v1".
	BaseURL string

	// Model name sent with each request, e.g. "mxbai-embed-large".
	Model string

	// APIKey for hosted providers. Ollama ignores it.
	APIKey string

	// Dimension overrides the model lookup table. Required for models not in
	// the table.
	Dimension int

	// RequestsPerSecond limits outgoing requests. Zero disables limiting.
	// Embedding providers are commonly rate-limited; a client-side limiter
	// turns provider 429s into local waits.
	RequestsPerSecond float64

	// HTTPClient overrides the default client (120s timeout).
	HTTPClient *http.Client
}

// Client calls an OpenAI-compatible /embeddings endpoint. Safe for concurrent
// use.
type Client struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ Embedder = (*Client)(nil)

// NewClient creates an embedding client.
//
// Example (local Ollama):
//
//	embedder, err := embed.NewClient(embed.Config{
//	    BaseURL: embed.DefaultOllamaHost,
//	    Model:   "mxbai-embed-large",
//	}, logger)
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOllamaHost
	}
	if cfg.Model == "" {
		return nil, errors.New("embedding model must not be empty")
	}
	if cfg.Dimension == 0 {
		dim, ok := modelDimensions[cfg.Model]
		if !ok {
			return nil, fmt.Errorf("unknown embedding model %q: set Dimension explicitly", cfg.Model)
		}
		cfg.Dimension = dim
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		cfg:     cfg,
		client:  client,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// Dimension returns the configured vector length.
func (c *Client) Dimension() int { return c.cfg.Dimension }

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Embed returns the embedding for text. Provider failures surface as
// retrieval.ErrEmbeddingUnavailable; an expired caller deadline surfaces as
// retrieval.ErrTimeout.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %v", retrieval.ErrTimeout, err)
			}
			return nil, err
		}
	}

	payload, err := json.Marshal(embeddingRequest{
		Input: []string{text},
		Model: c.cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", retrieval.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", retrieval.ErrEmbeddingUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: provider returned %d: %s",
			retrieval.ErrEmbeddingUnavailable, resp.StatusCode, msg)
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", retrieval.ErrEmbeddingUnavailable, err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("%w: %s", retrieval.ErrEmbeddingUnavailable, decoded.Error.Message)
	}
	if len(decoded.Data) == 0 || len(decoded.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding returned", retrieval.ErrEmbeddingUnavailable)
	}

	vec := decoded.Data[0].Embedding
	if len(vec) != c.cfg.Dimension {
		return nil, fmt.Errorf("%w: model %q returned %d dimensions, expected %d",
			retrieval.ErrDimensionMismatch, c.cfg.Model, len(vec), c.cfg.Dimension)
	}
	return vec, nil
}
