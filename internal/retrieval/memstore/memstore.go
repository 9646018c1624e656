// Package memstore provides an in-memory Store backed by a map and
// brute-force cosine scan. It is the reference implementation the backend
// stores are tested against, and is suitable for small collections that fit
// in memory.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cain76/finderskeepers-v2-sub003/internal/retrieval"
)

// Store is an in-memory retrieval.Store. Safe for concurrent use: a RWMutex
// serializes same-id writes while allowing queries to proceed in parallel.
type Store struct {
	coll retrieval.Collection

	mu      sync.RWMutex
	records map[string]retrieval.Record
}

var _ retrieval.Store = (*Store)(nil)

// New creates an empty in-memory store for the collection.
func New(coll retrieval.Collection) *Store {
	return &Store{
		coll:    coll,
		records: make(map[string]retrieval.Record),
	}
}

// Collection returns the collection this store serves.
func (s *Store) Collection() retrieval.Collection { return s.coll }

// Put writes a record. The vector and metadata are copied so later caller
// mutations cannot alias stored state.
func (s *Store) Put(ctx context.Context, rec retrieval.Record, opts retrieval.PutOptions) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if len(rec.Vector) != s.coll.Dimension {
		return fmt.Errorf("%w: record %q has %d dimensions, collection %q expects %d",
			retrieval.ErrDimensionMismatch, rec.ID, len(rec.Vector), s.coll.Name, s.coll.Dimension)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists && !opts.Overwrite {
		return fmt.Errorf("%w: %q", retrieval.ErrDuplicateID, rec.ID)
	}
	s.records[rec.ID] = copyRecord(rec)
	return nil
}

// Get returns the record by id.
func (s *Store) Get(ctx context.Context, id string) (retrieval.Record, error) {
	if err := ctxErr(ctx); err != nil {
		return retrieval.Record{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return retrieval.Record{}, fmt.Errorf("%w: %q", retrieval.ErrNotFound, id)
	}
	return copyRecord(rec), nil
}

// Delete removes the record by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: %q", retrieval.ErrNotFound, id)
	}
	delete(s.records, id)
	return nil
}

// Query scans all records, scoring candidates that pass the metadata filter.
// The scan runs over a read lock so writers are never blocked longer than one
// pass over the collection.
func (s *Store) Query(ctx context.Context, spec retrieval.QuerySpec) ([]retrieval.Match, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if len(spec.Vector) != s.coll.Dimension {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, collection %q expects %d",
			retrieval.ErrDimensionMismatch, len(spec.Vector), s.coll.Name, s.coll.Dimension)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]retrieval.Match, 0, spec.Limit)
	for _, rec := range s.records {
		if !spec.MatchesFilters(rec) {
			continue
		}
		sim := retrieval.CosineSimilarity(spec.Vector, rec.Vector)
		if sim < spec.Threshold {
			continue
		}
		matches = append(matches, retrieval.Match{
			Record:     copyRecord(rec),
			Similarity: sim,
		})
	}

	retrieval.SortMatches(matches)
	if len(matches) > spec.Limit {
		matches = matches[:spec.Limit]
	}
	return matches, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close is a no-op for the in-memory store.
func (*Store) Close() error { return nil }

// ctxErr maps a dead context the same way the backend stores do: an expired
// deadline is a timeout, a cancellation passes through untouched.
func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", retrieval.ErrTimeout, err)
	}
	return err
}

func copyRecord(rec retrieval.Record) retrieval.Record {
	out := rec
	out.Vector = make([]float32, len(rec.Vector))
	copy(out.Vector, rec.Vector)
	if rec.Metadata != nil {
		out.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
