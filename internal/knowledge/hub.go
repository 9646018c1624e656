package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cain76/finderskeepers-v2-sub003/internal/embed"
	"github.com/cain76/finderskeepers-v2-sub003/internal/ingest"
	"github.com/cain76/finderskeepers-v2-sub003/internal/retrieval"
)

// Hub routes searches and ingestion to the store backing each collection.
// Safe for concurrent use.
type Hub struct {
	embedder embed.Embedder
	policy   retrieval.RetryPolicy
	logger   *slog.Logger
	tracer   trace.Tracer

	mu          sync.RWMutex
	collections map[string]*entry

	cache *lru.Cache[string, []retrieval.Match]
}

type entry struct {
	store  retrieval.Store
	engine *retrieval.Engine

	// epoch is bumped on every write routed through the hub. Cache keys
	// include it, so stale entries die on the next write instead of being
	// served after the collection changed.
	epoch atomic.Uint64
}

// HubOption configures the Hub at construction.
type HubOption func(*Hub) error

// WithRetryPolicy overrides the engine retry policy used for all collections.
func WithRetryPolicy(policy retrieval.RetryPolicy) HubOption {
	return func(h *Hub) error {
		h.policy = policy
		return nil
	}
}

// WithQueryCache enables an LRU cache of size entries over search results.
// Disabled by default. Cached entries for a collection are retired whenever
// the collection is written through the hub (Ingest, or a store obtained from
// Store); writes that bypass the hub are not tracked.
func WithQueryCache(size int) HubOption {
	return func(h *Hub) error {
		cache, err := lru.New[string, []retrieval.Match](size)
		if err != nil {
			return fmt.Errorf("create query cache: %w", err)
		}
		h.cache = cache
		return nil
	}
}

// NewHub creates a facade over the given embedding capability.
//
// Example:
//
//	hub, err := knowledge.NewHub(embedder, logger, knowledge.WithQueryCache(256))
//	if err != nil { ... }
//	if err := hub.Register(pgStore); err != nil { ... }
//	matches, err := hub.Search(ctx, "doc_chunks", "pgvector cosine ops",
//	    knowledge.WithLimit(10), knowledge.WithFilter("project", "alpha"))
func NewHub(embedder embed.Embedder, logger *slog.Logger, opts ...HubOption) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		embedder:    embedder,
		policy:      retrieval.DefaultRetryPolicy(),
		logger:      logger,
		tracer:      otel.Tracer("knowledge.hub"),
		collections: make(map[string]*entry),
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Register adds a collection backed by store. The embedding dimension must
// match the collection dimension, otherwise every text search would fail at
// query time.
func (h *Hub) Register(store retrieval.Store) error {
	coll := store.Collection()
	if h.embedder != nil && h.embedder.Dimension() != coll.Dimension {
		return fmt.Errorf("%w: embedder produces %d dimensions, collection %q expects %d",
			retrieval.ErrDimensionMismatch, h.embedder.Dimension(), coll.Name, coll.Dimension)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.collections[coll.Name]; exists {
		return fmt.Errorf("collection %q already registered", coll.Name)
	}
	h.collections[coll.Name] = &entry{
		store:  store,
		engine: retrieval.NewEngine(store, h.policy, h.logger.With("collection", coll.Name)),
	}

	h.logger.Info("registered collection", "collection", coll.Name, "dimension", coll.Dimension)
	return nil
}

func (h *Hub) entry(collection string) (*entry, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	e, ok := h.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: collection %q", retrieval.ErrNotFound, collection)
	}
	return e, nil
}

// Store returns the store backing a collection, for callers that need direct
// record access (Get, Delete). Writes through the returned store invalidate
// the query cache for the collection.
func (h *Hub) Store(collection string) (retrieval.Store, error) {
	e, err := h.entry(collection)
	if err != nil {
		return nil, err
	}
	return &writeTrackedStore{Store: e.store, epoch: &e.epoch}, nil
}

// writeTrackedStore bumps the collection epoch on successful writes so cached
// search results for the old contents are never served again.
type writeTrackedStore struct {
	retrieval.Store
	epoch *atomic.Uint64
}

func (s *writeTrackedStore) Put(ctx context.Context, rec retrieval.Record, opts retrieval.PutOptions) error {
	if err := s.Store.Put(ctx, rec, opts); err != nil {
		return err
	}
	s.epoch.Add(1)
	return nil
}

func (s *writeTrackedStore) Delete(ctx context.Context, id string) error {
	if err := s.Store.Delete(ctx, id); err != nil {
		return err
	}
	s.epoch.Add(1)
	return nil
}

// Search embeds queryText and returns ranked matches from the collection.
// The embedding call is retried once when the provider reports
// EmbeddingUnavailable; all other failures surface directly.
func (h *Hub) Search(ctx context.Context, collection, queryText string, opts ...SearchOption) ([]retrieval.Match, error) {
	if h.embedder == nil {
		return nil, errors.New("hub has no embedder; use SearchVector")
	}
	// resolve the collection before spending an embedding call on it
	if _, err := h.entry(collection); err != nil {
		return nil, err
	}

	ctx, span := h.tracer.Start(ctx, "knowledge.Search",
		trace.WithAttributes(
			attribute.String("collection", collection),
			attribute.Int("query_length", len(queryText)),
		))
	defer span.End()

	vector, err := h.embedder.Embed(ctx, queryText)
	if err != nil && errors.Is(err, retrieval.ErrEmbeddingUnavailable) {
		h.logger.Warn("embedding unavailable, retrying once", "collection", collection, "error", err)
		vector, err = h.embedder.Embed(ctx, queryText)
	}
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	return h.SearchVector(ctx, collection, vector, opts...)
}

// SearchVector returns ranked matches for a caller-supplied query vector.
func (h *Hub) SearchVector(ctx context.Context, collection string, vector []float32, opts ...SearchOption) ([]retrieval.Match, error) {
	e, err := h.entry(collection)
	if err != nil {
		return nil, err
	}

	spec := buildSearchConfig(opts).spec(vector)

	var key string
	if h.cache != nil {
		key = cacheKey(collection, e.epoch.Load(), spec)
		if matches, ok := h.cache.Get(key); ok {
			return copyMatches(matches), nil
		}
	}

	matches, err := e.engine.Query(ctx, spec)
	if err != nil {
		return nil, err
	}

	if h.cache != nil {
		h.cache.Add(key, copyMatches(matches))
	}
	return matches, nil
}

// copyMatches deep-copies matches so cached results share no mutable state
// with any caller.
func copyMatches(matches []retrieval.Match) []retrieval.Match {
	out := make([]retrieval.Match, len(matches))
	for i, m := range matches {
		out[i] = m
		out[i].Record.Vector = make([]float32, len(m.Record.Vector))
		copy(out[i].Record.Vector, m.Record.Vector)
		if m.Record.Metadata != nil {
			out[i].Record.Metadata = make(map[string]string, len(m.Record.Metadata))
			for k, v := range m.Record.Metadata {
				out[i].Record.Metadata[k] = v
			}
		}
	}
	return out
}

// Ingest chunks text per policy, embeds every chunk, and writes the records
// into the collection. See ingest.Pipeline.Ingest for the partial-failure
// contract.
func (h *Hub) Ingest(ctx context.Context, collection, sourceID, text string, policy ingest.ChunkPolicy, metadata map[string]string) ([]string, error) {
	if h.embedder == nil {
		return nil, errors.New("hub has no embedder; ingestion requires one")
	}
	e, err := h.entry(collection)
	if err != nil {
		return nil, err
	}

	pipeline := ingest.NewPipeline(e.store, h.embedder, h.logger.With("collection", collection))
	ids, err := pipeline.Ingest(ctx, sourceID, text, policy, metadata)
	if len(ids) > 0 || err == nil {
		// a partial failure may still have written chunks
		e.epoch.Add(1)
	}
	return ids, err
}

// Close closes every registered store.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for name, e := range h.collections {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close collection %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// cacheKey hashes the collection name, its write epoch, the vector, and
// every spec parameter. Folding the epoch in retires all cached entries for
// a collection the moment it is written to.
func cacheKey(collection string, epoch uint64, spec retrieval.QuerySpec) string {
	hash := sha256.New()
	hash.Write([]byte(collection))
	hash.Write([]byte{0})
	var epochBuf [8]byte
	binary.LittleEndian.PutUint64(epochBuf[:], epoch)
	hash.Write(epochBuf[:])
	for _, f := range spec.Vector {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f))
		hash.Write(buf[:])
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(spec.Limit))
	hash.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(spec.Threshold))
	hash.Write(buf[:])

	if len(spec.Filters) > 0 {
		keys := make([]string, 0, len(spec.Filters))
		for k := range spec.Filters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			pair, _ := json.Marshal([2]string{k, spec.Filters[k]})
			hash.Write(pair)
		}
	}
	return string(hash.Sum(nil))
}
