package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cain76/finderskeepers-v2-sub003/internal/log"
)

// ============================================================================
// Mock Implementations
// ============================================================================

// mockStore implements Store for engine tests.
type mockStore struct {
	coll       Collection
	matches    []Match
	queryErrs  []error // consumed one per call, nil-padded afterwards
	queryCalls int
	lastSpec   QuerySpec
}

func (m *mockStore) Put(context.Context, Record, PutOptions) error { return nil }
func (m *mockStore) Get(context.Context, string) (Record, error) {
	return Record{}, ErrNotFound
}
func (m *mockStore) Delete(context.Context, string) error { return nil }
func (m *mockStore) Collection() Collection               { return m.coll }
func (*mockStore) Close() error                           { return nil }

func (m *mockStore) Query(_ context.Context, spec QuerySpec) ([]Match, error) {
	m.queryCalls++
	m.lastSpec = spec
	if len(m.queryErrs) > 0 {
		err := m.queryErrs[0]
		m.queryErrs = m.queryErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return m.matches, nil
}

// fastPolicy keeps retry tests quick while preserving the retry count.
func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		Multiplier:      4,
	}
}

func validSpec() QuerySpec {
	return QuerySpec{Vector: []float32{1, 0}, Limit: 10, Threshold: 0}
}

// ============================================================================
// Validation
// ============================================================================

func TestEngineQueryValidation(t *testing.T) {
	store := &mockStore{coll: Collection{Name: "test", Dimension: 2}}
	engine := NewEngine(store, fastPolicy(), log.NewNop())

	tests := []struct {
		name    string
		spec    QuerySpec
		wantErr error
	}{
		{
			name:    "zero limit",
			spec:    QuerySpec{Vector: []float32{1, 0}, Limit: 0},
			wantErr: ErrInvalidQuery,
		},
		{
			name:    "threshold out of range",
			spec:    QuerySpec{Vector: []float32{1, 0}, Limit: 1, Threshold: 2},
			wantErr: ErrInvalidQuery,
		},
		{
			name:    "wrong dimension",
			spec:    QuerySpec{Vector: []float32{1, 0, 0}, Limit: 1},
			wantErr: ErrDimensionMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Query(context.Background(), tt.spec)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Query() error = %v, want %v", err, tt.wantErr)
			}
			if store.queryCalls != 0 {
				t.Errorf("store.Query called %d times, validation should reject first", store.queryCalls)
			}
		})
	}
}

// ============================================================================
// Retry Behavior
// ============================================================================

func TestEngineRetriesBackendUnavailable(t *testing.T) {
	store := &mockStore{
		coll: Collection{Name: "test", Dimension: 2},
		queryErrs: []error{
			fmt.Errorf("%w: connection refused", ErrBackendUnavailable),
			fmt.Errorf("%w: connection refused", ErrBackendUnavailable),
		},
		matches: []Match{{Record: Record{ID: "r1"}, Similarity: 0.9}},
	}
	engine := NewEngine(store, fastPolicy(), log.NewNop())

	matches, err := engine.Query(context.Background(), validSpec())
	if err != nil {
		t.Fatalf("Query() unexpected error: %v", err)
	}
	if store.queryCalls != 3 {
		t.Errorf("store.Query called %d times, want 3 (initial + 2 retries)", store.queryCalls)
	}
	if len(matches) != 1 || matches[0].Record.ID != "r1" {
		t.Errorf("unexpected matches after retry: %+v", matches)
	}
}

func TestEngineSurfacesAfterRetriesExhausted(t *testing.T) {
	store := &mockStore{
		coll: Collection{Name: "test", Dimension: 2},
		queryErrs: []error{
			fmt.Errorf("%w: down", ErrBackendUnavailable),
			fmt.Errorf("%w: down", ErrBackendUnavailable),
			fmt.Errorf("%w: down", ErrBackendUnavailable),
		},
	}
	engine := NewEngine(store, fastPolicy(), log.NewNop())

	_, err := engine.Query(context.Background(), validSpec())
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Query() error = %v, want ErrBackendUnavailable", err)
	}
	if store.queryCalls != 3 {
		t.Errorf("store.Query called %d times, want 3", store.queryCalls)
	}
}

func TestEngineDoesNotRetryFatalErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "dimension mismatch", err: fmt.Errorf("%w: got 3", ErrDimensionMismatch)},
		{name: "timeout", err: fmt.Errorf("%w: deadline", ErrTimeout)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{
				coll:      Collection{Name: "test", Dimension: 2},
				queryErrs: []error{tt.err},
			}
			engine := NewEngine(store, fastPolicy(), log.NewNop())

			_, err := engine.Query(context.Background(), validSpec())
			if !errors.Is(err, tt.err) && !errors.Is(err, errors.Unwrap(tt.err)) {
				t.Errorf("Query() error = %v, want wrapped %v", err, tt.err)
			}
			if store.queryCalls != 1 {
				t.Errorf("store.Query called %d times, fatal errors must not retry", store.queryCalls)
			}
		})
	}
}

func TestEngineMapsExpiredContextToTimeout(t *testing.T) {
	store := &mockStore{
		coll: Collection{Name: "test", Dimension: 2},
		// transient error keeps the retry schedule going until the
		// context deadline expires mid-backoff
		queryErrs: []error{
			fmt.Errorf("%w: down", ErrBackendUnavailable),
			fmt.Errorf("%w: down", ErrBackendUnavailable),
			fmt.Errorf("%w: down", ErrBackendUnavailable),
		},
	}
	policy := RetryPolicy{MaxRetries: 2, InitialInterval: 200 * time.Millisecond, Multiplier: 4}
	engine := NewEngine(store, policy, log.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := engine.Query(ctx, validSpec())
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Query() error = %v, want ErrTimeout", err)
	}
}

// ============================================================================
// Result Normalization
// ============================================================================

func TestEngineNormalizesResults(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &mockStore{
		coll: Collection{Name: "test", Dimension: 2},
		matches: []Match{
			// out of order, one above 1 from backend rounding, one below threshold
			{Record: Record{ID: "b", CreatedAt: now}, Similarity: 0.7},
			{Record: Record{ID: "a", CreatedAt: now}, Similarity: 1.0000002},
			{Record: Record{ID: "c", CreatedAt: now}, Similarity: 0.3},
			{Record: Record{ID: "d", CreatedAt: now}, Similarity: 0.6},
		},
	}
	engine := NewEngine(store, fastPolicy(), log.NewNop())

	matches, err := engine.Query(context.Background(), QuerySpec{
		Vector:    []float32{1, 0},
		Limit:     2,
		Threshold: 0.5,
	})
	if err != nil {
		t.Fatalf("Query() unexpected error: %v", err)
	}

	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2 (limit)", len(matches))
	}
	if matches[0].Record.ID != "a" || matches[0].Similarity != 1 {
		t.Errorf("first match = %q score %v, want a score 1 (clamped)", matches[0].Record.ID, matches[0].Similarity)
	}
	if matches[1].Record.ID != "b" {
		t.Errorf("second match = %q, want b", matches[1].Record.ID)
	}
	for i, m := range matches {
		if m.Rank != i+1 {
			t.Errorf("rank at %d = %d, want %d", i, m.Rank, i+1)
		}
	}
}
