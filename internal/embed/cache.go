package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
)

// CachedEmbedder wraps an Embedder with a Redis-backed result cache keyed on
// the content hash. Re-ingesting unchanged documents then costs one Redis
// round trip per chunk instead of a provider call.
//
// Cache failures are never fatal: on any Redis error the wrapped embedder is
// called directly and the error is logged at debug level.
type CachedEmbedder struct {
	inner  Embedder
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder wraps inner with a Redis cache. A zero ttl means entries
// never expire; the prefix namespaces keys per embedding model so a model
// change cannot serve stale vectors.
func NewCachedEmbedder(inner Embedder, rdb redis.UniversalClient, ttl time.Duration, model string, logger *slog.Logger) *CachedEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedEmbedder{
		inner:  inner,
		rdb:    rdb,
		ttl:    ttl,
		prefix: "embed:" + model + ":",
		logger: logger,
	}
}

// Dimension returns the wrapped embedder's vector length.
func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

// Embed returns the cached vector when present, otherwise embeds and caches.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		if vec, decErr := decodeVector(raw, c.inner.Dimension()); decErr == nil {
			return vec, nil
		}
		// corrupt entry, fall through and overwrite
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Debug("embedding cache read failed", "error", err)
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if setErr := c.rdb.Set(ctx, key, encodeVector(vec), c.ttl).Err(); setErr != nil {
		c.logger.Debug("embedding cache write failed", "error", setErr)
	}
	return vec, nil
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.prefix + hex.EncodeToString(sum[:])
}

// vectors are stored as little-endian float32, 4 bytes per component
func encodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(raw []byte, dim int) ([]float32, error) {
	if len(raw) != 4*dim {
		return nil, fmt.Errorf("cached vector has %d bytes, expected %d", len(raw), 4*dim)
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec, nil
}
