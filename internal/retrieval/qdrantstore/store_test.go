package qdrantstore

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cain76/finderskeepers-v2-sub003/internal/retrieval"
)

// ============================================================================
// Fake index server
//
// Implements just enough of the remote HTTP API for the client: collection
// get/create, point upsert/retrieve/delete, and cosine search with
// score_threshold and a nested-payload must filter.
// ============================================================================

type fakePoint struct {
	Vector  []float32
	Payload map[string]any
}

type fakeServer struct {
	mu         sync.Mutex
	dimension  int // 0 until the collection is created
	points     map[string]fakePoint
	apiKeys    []string // api-key header values seen
	forcedCode int      // when non-zero, every request fails with this status
}

func newFakeServer() *fakeServer {
	return &fakeServer{points: make(map[string]fakePoint)}
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		f.apiKeys = append(f.apiKeys, r.Header.Get("api-key"))
		if f.forcedCode != 0 {
			w.WriteHeader(f.forcedCode)
			return
		}

		path := strings.TrimPrefix(r.URL.Path, "/collections/docs")
		switch {
		case path == "" && r.Method == http.MethodGet:
			if f.dimension == 0 {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeJSON(t, w, map[string]any{
				"result": map[string]any{
					"config": map[string]any{
						"params": map[string]any{
							"vectors": map[string]any{"size": f.dimension},
						},
					},
				},
			})

		case path == "" && r.Method == http.MethodPut:
			var req struct {
				Vectors struct {
					Size int `json:"size"`
				} `json:"vectors"`
			}
			decodeJSON(t, r, &req)
			f.dimension = req.Vectors.Size
			writeJSON(t, w, map[string]any{"result": true})

		case path == "/points" && r.Method == http.MethodPut:
			var req struct {
				Points []struct {
					ID      string         `json:"id"`
					Vector  []float32      `json:"vector"`
					Payload map[string]any `json:"payload"`
				} `json:"points"`
			}
			decodeJSON(t, r, &req)
			for _, p := range req.Points {
				f.points[p.ID] = fakePoint{Vector: p.Vector, Payload: p.Payload}
			}
			writeJSON(t, w, map[string]any{"result": true})

		case path == "/points" && r.Method == http.MethodPost:
			var req struct {
				IDs []string `json:"ids"`
			}
			decodeJSON(t, r, &req)
			result := []map[string]any{}
			for _, id := range req.IDs {
				if p, ok := f.points[id]; ok {
					result = append(result, map[string]any{"id": id, "vector": p.Vector, "payload": p.Payload})
				}
			}
			writeJSON(t, w, map[string]any{"result": result})

		case path == "/points/delete" && r.Method == http.MethodPost:
			var req struct {
				Points []string `json:"points"`
			}
			decodeJSON(t, r, &req)
			for _, id := range req.Points {
				delete(f.points, id)
			}
			writeJSON(t, w, map[string]any{"result": true})

		case path == "/points/search" && r.Method == http.MethodPost:
			var req struct {
				Vector         []float32 `json:"vector"`
				Limit          int       `json:"limit"`
				ScoreThreshold float64   `json:"score_threshold"`
				Filter         *struct {
					Must []struct {
						Key   string `json:"key"`
						Match struct {
							Value string `json:"value"`
						} `json:"match"`
					} `json:"must"`
				} `json:"filter"`
			}
			decodeJSON(t, r, &req)

			result := []map[string]any{}
			for id, p := range f.points {
				if req.Filter != nil && !f.matches(p, req.Filter.Must) {
					continue
				}
				score := retrieval.CosineSimilarity(req.Vector, p.Vector)
				if score < req.ScoreThreshold {
					continue
				}
				result = append(result, map[string]any{
					"id": id, "score": score, "vector": p.Vector, "payload": p.Payload,
				})
			}
			writeJSON(t, w, map[string]any{"result": result})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (f *fakeServer) matches(p fakePoint, must []struct {
	Key   string `json:"key"`
	Match struct {
		Value string `json:"value"`
	} `json:"match"`
}) bool {
	meta, _ := p.Payload["meta"].(map[string]any)
	for _, cond := range must {
		key := strings.TrimPrefix(cond.Key, "meta.")
		if v, ok := meta[key].(string); !ok || v != cond.Match.Value {
			return false
		}
	}
	return true
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func decodeJSON(t *testing.T, r *http.Request, v any) {
	t.Helper()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		t.Errorf("decode %s %s body: %v", r.Method, r.URL.Path, err)
	}
}

func newTestStore(t *testing.T, fake *fakeServer) *Store {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	s, err := New(context.Background(), Options{BaseURL: srv.URL, APIKey: "secret"},
		retrieval.Collection{Name: "docs", Dimension: 2, FilterKeys: []string{"lang"}}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

// ============================================================================
// Collection bootstrap
// ============================================================================

func TestNewCreatesMissingCollection(t *testing.T) {
	fake := newFakeServer()
	newTestStore(t, fake)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.dimension != 2 {
		t.Errorf("remote collection dimension = %d, want 2", fake.dimension)
	}
	for _, key := range fake.apiKeys {
		if key != "secret" {
			t.Errorf("api-key header = %q, want %q", key, "secret")
		}
	}
}

func TestNewRejectsDimensionMismatch(t *testing.T) {
	fake := newFakeServer()
	fake.dimension = 768 // pre-existing collection with a different dimension

	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	_, err := New(context.Background(), Options{BaseURL: srv.URL},
		retrieval.Collection{Name: "docs", Dimension: 2}, nil)
	if !errors.Is(err, retrieval.ErrDimensionMismatch) {
		t.Errorf("New() error = %v, want ErrDimensionMismatch", err)
	}
}

// ============================================================================
// Put / Get / Delete
// ============================================================================

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t, newFakeServer())
	ctx := context.Background()

	rec := retrieval.Record{
		ID:        "r1",
		SourceID:  "doc-1",
		Content:   "hello",
		Vector:    []float32{1, 0},
		Metadata:  map[string]string{"lang": "go"},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := s.Put(ctx, rec, retrieval.PutOptions{}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != "r1" || got.SourceID != "doc-1" || got.Content != "hello" {
		t.Errorf("Get() = %+v", got)
	}
	if got.Metadata["lang"] != "go" {
		t.Errorf("Get() metadata = %v", got.Metadata)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("Get() CreatedAt = %v, want %v", got.CreatedAt, rec.CreatedAt)
	}
}

func TestPutDuplicateID(t *testing.T) {
	s := newTestStore(t, newFakeServer())
	ctx := context.Background()

	rec := retrieval.Record{ID: "r1", Vector: []float32{1, 0}}
	if err := s.Put(ctx, rec, retrieval.PutOptions{}); err != nil {
		t.Fatalf("first Put() error = %v", err)
	}
	if err := s.Put(ctx, rec, retrieval.PutOptions{}); !errors.Is(err, retrieval.ErrDuplicateID) {
		t.Errorf("Put() error = %v, want ErrDuplicateID", err)
	}
	if err := s.Put(ctx, rec, retrieval.PutOptions{Overwrite: true}); err != nil {
		t.Errorf("Put(Overwrite) error = %v", err)
	}
}

func TestPutDimensionMismatch(t *testing.T) {
	s := newTestStore(t, newFakeServer())

	err := s.Put(context.Background(), retrieval.Record{ID: "r1", Vector: []float32{1, 0, 0}}, retrieval.PutOptions{})
	if !errors.Is(err, retrieval.ErrDimensionMismatch) {
		t.Errorf("Put() error = %v, want ErrDimensionMismatch", err)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t, newFakeServer())

	_, err := s.Get(context.Background(), "absent")
	if !errors.Is(err, retrieval.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t, newFakeServer())
	ctx := context.Background()

	if err := s.Put(ctx, retrieval.Record{ID: "r1", Vector: []float32{1, 0}}, retrieval.PutOptions{}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Delete(ctx, "r1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "r1"); !errors.Is(err, retrieval.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

// ============================================================================
// Query
// ============================================================================

func TestQueryOrdersAndFilters(t *testing.T) {
	s := newTestStore(t, newFakeServer())
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, rec := range []retrieval.Record{
		{ID: "r1", Vector: []float32{1, 0}, Metadata: map[string]string{"lang": "go"}, CreatedAt: base},
		{ID: "r2", Vector: []float32{0, 1}, Metadata: map[string]string{"lang": "go"}, CreatedAt: base},
		{ID: "r3", Vector: []float32{0.9, 0.1}, Metadata: map[string]string{"lang": "rust"}, CreatedAt: base},
	} {
		if err := s.Put(ctx, rec, retrieval.PutOptions{}); err != nil {
			t.Fatalf("Put(%s) error = %v", rec.ID, err)
		}
	}

	matches, err := s.Query(ctx, retrieval.QuerySpec{Vector: []float32{1, 0}, Limit: 10, Threshold: 0.5})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("Query() returned %d matches, want 2", len(matches))
	}
	if matches[0].Record.ID != "r1" || matches[1].Record.ID != "r3" {
		t.Errorf("order = [%s %s], want [r1 r3]", matches[0].Record.ID, matches[1].Record.ID)
	}
	if got := matches[1].Similarity; math.Abs(got-0.9939) > 1e-3 {
		t.Errorf("r3 similarity = %v, want ~0.9939", got)
	}

	// Filter narrows to the rust-tagged record only.
	matches, err = s.Query(ctx, retrieval.QuerySpec{
		Vector:  []float32{1, 0},
		Limit:   10,
		Filters: map[string]string{"lang": "rust"},
	})
	if err != nil {
		t.Fatalf("Query(filtered) error = %v", err)
	}
	if len(matches) != 1 || matches[0].Record.ID != "r3" {
		t.Errorf("Query(filtered) = %v, want exactly r3", matches)
	}
}

// ============================================================================
// Failure mapping
// ============================================================================

func TestServerErrorMapsToBackendUnavailable(t *testing.T) {
	fake := newFakeServer()
	s := newTestStore(t, fake)

	fake.mu.Lock()
	fake.forcedCode = http.StatusInternalServerError
	fake.mu.Unlock()

	_, err := s.Query(context.Background(), retrieval.QuerySpec{Vector: []float32{1, 0}, Limit: 1})
	if !errors.Is(err, retrieval.ErrBackendUnavailable) {
		t.Errorf("Query() error = %v, want ErrBackendUnavailable", err)
	}
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	fake := newFakeServer()
	s := newTestStore(t, fake)

	fake.mu.Lock()
	fake.forcedCode = http.StatusInternalServerError
	fake.mu.Unlock()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := s.Query(ctx, retrieval.QuerySpec{Vector: []float32{1, 0}, Limit: 1}); err == nil {
			t.Fatalf("Query() %d error = nil, want failure", i)
		}
	}

	fake.mu.Lock()
	seen := len(fake.apiKeys)
	fake.mu.Unlock()

	// Breaker is open now: the next call must fail fast without a request.
	_, err := s.Query(ctx, retrieval.QuerySpec{Vector: []float32{1, 0}, Limit: 1})
	if !errors.Is(err, retrieval.ErrBackendUnavailable) {
		t.Errorf("Query() error = %v, want ErrBackendUnavailable", err)
	}

	fake.mu.Lock()
	after := len(fake.apiKeys)
	fake.mu.Unlock()
	if after != seen {
		t.Errorf("open breaker still sent %d requests", after-seen)
	}
}

func TestUnreachableServerMapsToBackendUnavailable(t *testing.T) {
	fake := newFakeServer()
	srv := httptest.NewServer(fake.handler(t))

	s, err := New(context.Background(), Options{BaseURL: srv.URL},
		retrieval.Collection{Name: "docs", Dimension: 2}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.Close()

	_, err = s.Get(context.Background(), "r1")
	if !errors.Is(err, retrieval.ErrBackendUnavailable) {
		t.Errorf("Get() error = %v, want ErrBackendUnavailable", err)
	}
}
