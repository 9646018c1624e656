// Package qdrantstore implements retrieval.Store against a dedicated
// vector-index server speaking the Qdrant HTTP JSON API. The store keeps no
// local index state; every operation is a REST call.
//
// Requests run behind a circuit breaker so a dead index server fails fast
// as ErrBackendUnavailable instead of tying up callers in connect timeouts.
package qdrantstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/cain76/finderskeepers-v2-sub003/internal/retrieval"
)

// Options configures the client.
type Options struct {
	// BaseURL of the index server, e.g. "http://localhost:6333".
	BaseURL string

	// APIKey is sent as the api-key header when non-empty.
	APIKey string

	// HTTPClient overrides the default client (5 minute timeout). Callers
	// bound individual operations with context deadlines.
	HTTPClient *http.Client
}

// Store is a retrieval.Store backed by a remote vector index.
//
// The remote API upserts unconditionally, so Put without Overwrite probes for
// the id first; the extra round trip is the price of ErrDuplicateID semantics
// on this backend.
type Store struct {
	baseURL *url.URL
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	coll    retrieval.Collection
	logger  *slog.Logger
}

var _ retrieval.Store = (*Store)(nil)

// New creates a store for the collection, creating the remote collection with
// cosine distance if it does not exist.
func New(ctx context.Context, opts Options, coll retrieval.Collection, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", opts.BaseURL, err)
	}
	if coll.Dimension <= 0 {
		return nil, fmt.Errorf("invalid collection dimension %d", coll.Dimension)
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}

	s := &Store{
		baseURL: base,
		apiKey:  opts.APIKey,
		client:  client,
		coll:    coll,
		logger:  logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "qdrant:" + coll.Name,
			Timeout: 10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, fmt.Errorf("ensure collection %q: %w", coll.Name, err)
	}
	return s, nil
}

// Collection returns the collection this store serves.
func (s *Store) Collection() retrieval.Collection { return s.coll }

func (s *Store) ensureCollection(ctx context.Context) error {
	var status struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	err := s.do(ctx, http.MethodGet, "/collections/"+s.coll.Name, nil, &status)
	if err == nil {
		if got := status.Result.Config.Params.Vectors.Size; got != s.coll.Dimension {
			return fmt.Errorf("%w: remote collection %q has dimension %d, expected %d",
				retrieval.ErrDimensionMismatch, s.coll.Name, got, s.coll.Dimension)
		}
		return nil
	}
	if !errors.Is(err, retrieval.ErrNotFound) {
		return err
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.coll.Dimension,
			"distance": "Cosine",
		},
	}
	if err := s.do(ctx, http.MethodPut, "/collections/"+s.coll.Name, body, nil); err != nil {
		return err
	}
	s.logger.Debug("created remote collection", "collection", s.coll.Name, "dimension", s.coll.Dimension)
	return nil
}

// pointID derives the deterministic remote point id. The server only accepts
// UUIDs or unsigned integers as ids, so the record id is hashed into a UUID
// and kept verbatim in the payload.
func (s *Store) pointID(recordID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(s.coll.Name+"/"+recordID)).String()
}

type point struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score,omitempty"`
	Vector  []float32      `json:"vector,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (s *Store) payload(rec retrieval.Record) map[string]any {
	meta := make(map[string]any, len(rec.Metadata))
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	return map[string]any{
		"record_id":  rec.ID,
		"source_id":  rec.SourceID,
		"content":    rec.Content,
		"created_at": rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		"meta":       meta,
	}
}

func recordFromPoint(p point) retrieval.Record {
	rec := retrieval.Record{
		Vector:   p.Vector,
		Metadata: make(map[string]string),
	}
	if v, ok := p.Payload["record_id"].(string); ok {
		rec.ID = v
	}
	if v, ok := p.Payload["source_id"].(string); ok {
		rec.SourceID = v
	}
	if v, ok := p.Payload["content"].(string); ok {
		rec.Content = v
	}
	if v, ok := p.Payload["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.CreatedAt = t
		}
	}
	if meta, ok := p.Payload["meta"].(map[string]any); ok {
		for k, v := range meta {
			if str, ok := v.(string); ok {
				rec.Metadata[k] = str
			}
		}
	}
	return rec
}

// Put writes a record. The remote API has upsert-only semantics, so the
// duplicate check is a separate existence probe when Overwrite is false.
func (s *Store) Put(ctx context.Context, rec retrieval.Record, opts retrieval.PutOptions) error {
	if len(rec.Vector) != s.coll.Dimension {
		return fmt.Errorf("%w: record %q has %d dimensions, collection %q expects %d",
			retrieval.ErrDimensionMismatch, rec.ID, len(rec.Vector), s.coll.Name, s.coll.Dimension)
	}

	if !opts.Overwrite {
		_, err := s.Get(ctx, rec.ID)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %q", retrieval.ErrDuplicateID, rec.ID)
		case !errors.Is(err, retrieval.ErrNotFound):
			return err
		}
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	body := map[string]any{
		"points": []point{{
			ID:      s.pointID(rec.ID),
			Vector:  rec.Vector,
			Payload: s.payload(rec),
		}},
	}
	if err := s.do(ctx, http.MethodPut, "/collections/"+s.coll.Name+"/points?wait=true", body, nil); err != nil {
		return fmt.Errorf("put record %q: %w", rec.ID, err)
	}

	s.logger.Debug("put record", "collection", s.coll.Name, "id", rec.ID)
	return nil
}

// Get returns the record by id.
func (s *Store) Get(ctx context.Context, id string) (retrieval.Record, error) {
	body := map[string]any{
		"ids":          []string{s.pointID(id)},
		"with_payload": true,
		"with_vector":  true,
	}
	var resp struct {
		Result []point `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, "/collections/"+s.coll.Name+"/points", body, &resp); err != nil {
		return retrieval.Record{}, fmt.Errorf("get record %q: %w", id, err)
	}
	if len(resp.Result) == 0 {
		return retrieval.Record{}, fmt.Errorf("%w: %q", retrieval.ErrNotFound, id)
	}
	return recordFromPoint(resp.Result[0]), nil
}

// Delete removes the record by id. The remote delete is unconditional, so a
// separate existence probe provides ErrNotFound semantics.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	body := map[string]any{"points": []string{s.pointID(id)}}
	if err := s.do(ctx, http.MethodPost, "/collections/"+s.coll.Name+"/points/delete?wait=true", body, nil); err != nil {
		return fmt.Errorf("delete record %q: %w", id, err)
	}

	s.logger.Debug("deleted record", "collection", s.coll.Name, "id", id)
	return nil
}

// Query runs the remote search. Threshold and limit are pushed down via
// score_threshold and limit; metadata filters become an exact-match "must"
// conjunction on the nested meta payload. Scores come back already in
// similarity space for cosine collections and are clamped defensively.
func (s *Store) Query(ctx context.Context, spec retrieval.QuerySpec) ([]retrieval.Match, error) {
	if len(spec.Vector) != s.coll.Dimension {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, collection %q expects %d",
			retrieval.ErrDimensionMismatch, len(spec.Vector), s.coll.Name, s.coll.Dimension)
	}

	body := map[string]any{
		"vector":          spec.Vector,
		"limit":           spec.Limit,
		"score_threshold": spec.Threshold,
		"with_payload":    true,
		"with_vector":     true,
	}
	if len(spec.Filters) > 0 {
		must := make([]map[string]any, 0, len(spec.Filters))
		for k, v := range spec.Filters {
			must = append(must, map[string]any{
				"key":   "meta." + k,
				"match": map[string]any{"value": v},
			})
		}
		body["filter"] = map[string]any{"must": must}
	}

	var resp struct {
		Result []point `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, "/collections/"+s.coll.Name+"/points/search", body, &resp); err != nil {
		return nil, fmt.Errorf("search collection %q: %w", s.coll.Name, err)
	}

	matches := make([]retrieval.Match, 0, len(resp.Result))
	for _, p := range resp.Result {
		sim := retrieval.ClampSimilarity(p.Score)
		if sim < spec.Threshold {
			continue
		}
		matches = append(matches, retrieval.Match{
			Record:     recordFromPoint(p),
			Similarity: sim,
		})
	}

	retrieval.SortMatches(matches)
	if len(matches) > spec.Limit {
		matches = matches[:spec.Limit]
	}
	return matches, nil
}

// Close is a no-op; the HTTP client holds no per-store resources.
func (*Store) Close() error { return nil }

// do executes one API call through the circuit breaker and decodes the
// response into out when non-nil.
func (s *Store) do(ctx context.Context, method, path string, body, out any) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.roundTrip(ctx, method, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit breaker open for %q", retrieval.ErrBackendUnavailable, s.coll.Name)
	}
	return err
}

func (s *Store) roundTrip(ctx context.Context, method, path string, body, out any) error {
	u, err := s.baseURL.Parse(path)
	if err != nil {
		return fmt.Errorf("build URL for %q: %w", path, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return mapTransportError(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", retrieval.ErrNotFound, method, path)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: server returned %d for %s %s",
			retrieval.ErrBackendUnavailable, resp.StatusCode, method, path)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s failed with %d: %s", method, path, resp.StatusCode, msg)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response for %s %s: %w", method, path, err)
		}
	}
	return nil
}

func mapTransportError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", retrieval.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", retrieval.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", retrieval.ErrBackendUnavailable, err)
}
