package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cain76/finderskeepers-v2-sub003/internal/embed"
	"github.com/cain76/finderskeepers-v2-sub003/internal/retrieval"
)

// DefaultConcurrency bounds how many chunks are embedded in parallel.
const DefaultConcurrency = 4

// Pipeline chunks documents, embeds each chunk, and writes the resulting
// records. Safe for concurrent use.
type Pipeline struct {
	store       retrieval.Store
	embedder    embed.Embedder
	logger      *slog.Logger
	concurrency int
}

// NewPipeline creates a pipeline writing to store.
func NewPipeline(store retrieval.Store, embedder embed.Embedder, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:       store,
		embedder:    embedder,
		logger:      logger,
		concurrency: DefaultConcurrency,
	}
}

// Ingest splits text per policy, embeds each chunk, and upserts one record
// per chunk. Chunk ids are deterministic from (sourceID, index), and writes
// are upserts, so re-ingesting identical input produces the same record set
// without duplicates.
//
// metadata is attached to every chunk (plus a source_id and chunk_index
// entry) and validated against the collection's closed key set.
//
// There is no cross-chunk transaction: chunks written before a failure are
// retained, and the returned error names each failed chunk so the caller can
// retry just those. The returned ids are the chunks written successfully, in
// chunk order.
func (p *Pipeline) Ingest(ctx context.Context, sourceID, text string, policy ChunkPolicy, metadata map[string]string) ([]string, error) {
	coll := p.store.Collection()
	for key := range metadata {
		if !coll.AllowsKey(key) {
			return nil, fmt.Errorf("metadata key %q not allowed in collection %q", key, coll.Name)
		}
	}

	chunks, err := Split(sourceID, text, policy)
	if err != nil {
		return nil, fmt.Errorf("split source %q: %w", sourceID, err)
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	start := time.Now()

	var (
		mu      sync.Mutex
		written []int // indices of chunks successfully stored
		errs    []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, chunk := range chunks {
		chunk := chunk // per-iteration copy; module builds with go < 1.22
		g.Go(func() error {
			if err := p.ingestChunk(gctx, sourceID, chunk, metadata); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("chunk %d (%s): %w", chunk.Index, chunk.ID, err))
				mu.Unlock()
				// per-chunk failures are reported, not fatal to siblings
				return nil
			}
			mu.Lock()
			written = append(written, chunk.Index)
			mu.Unlock()
			return nil
		})
	}
	// only context cancellation propagates through the group
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	sort.Ints(written)
	ids := make([]string, 0, len(written))
	for _, idx := range written {
		ids = append(ids, chunks[idx].ID)
	}

	p.logger.Debug("ingested source",
		"collection", coll.Name,
		"source_id", sourceID,
		"chunks", len(chunks),
		"written", len(ids),
		"failed", len(errs),
		"duration", time.Since(start))

	if len(errs) > 0 {
		return ids, fmt.Errorf("ingest source %q: %w", sourceID, errors.Join(errs...))
	}
	return ids, nil
}

func (p *Pipeline) ingestChunk(ctx context.Context, sourceID string, chunk Chunk, metadata map[string]string) error {
	vector, err := p.embedder.Embed(ctx, chunk.Text)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}

	meta := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["source_id"] = sourceID
	meta["chunk_index"] = strconv.Itoa(chunk.Index)

	rec := retrieval.Record{
		ID:        chunk.ID,
		SourceID:  sourceID,
		Content:   chunk.Text,
		Vector:    vector,
		Metadata:  meta,
		CreatedAt: time.Now(),
	}
	if err := p.store.Put(ctx, rec, retrieval.PutOptions{Overwrite: true}); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}
