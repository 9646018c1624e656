package retrieval

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Record is a stored piece of content with its embedding vector and metadata.
// Records are immutable once written; only metadata enrichment (usage
// counters, last-used timestamps) may follow.
type Record struct {
	ID        string            // Unique identifier within a collection
	SourceID  string            // Owning document, conversation, or session
	Content   string            // Original text of this record
	Vector    []float32         // Embedding, length must equal the collection dimension
	Metadata  map[string]string // Filterable metadata (project, source_type, ...)
	CreatedAt time.Time         // Creation timestamp, used as ordering tiebreak
}

// Collection describes a named set of records sharing one embedding dimension
// and distance metric. Collections are created once and not resized at
// runtime.
type Collection struct {
	Name      string
	Dimension int

	// FilterKeys is the closed set of metadata keys this collection accepts.
	// Empty means any key is allowed. Validated at ingestion time rather than
	// trusting schemaless storage.
	FilterKeys []string
}

// AllowsKey reports whether the collection accepts the metadata key.
func (c Collection) AllowsKey(key string) bool {
	if len(c.FilterKeys) == 0 {
		return true
	}
	for _, k := range c.FilterKeys {
		if k == key {
			return true
		}
	}
	return false
}

// QuerySpec describes one nearest-neighbor query. Constructed per call, never
// persisted.
type QuerySpec struct {
	Vector    []float32         // Query embedding, same dimension as the collection
	Limit     int               // Maximum number of matches, must be >= 1
	Threshold float64           // Minimum similarity in [0,1]; matches below are discarded
	Filters   map[string]string // Exact-match conjunction over record metadata
}

// Validate checks the spec parameters. Vector dimension is checked by the
// backend, which knows the collection dimension.
func (q QuerySpec) Validate() error {
	if q.Limit < 1 {
		return fmt.Errorf("%w: limit must be >= 1, got %d", ErrInvalidQuery, q.Limit)
	}
	if q.Threshold < 0 || q.Threshold > 1 {
		return fmt.Errorf("%w: threshold must be in [0,1], got %g", ErrInvalidQuery, q.Threshold)
	}
	return nil
}

// MatchesFilters reports whether the record passes the exact-match
// conjunction in Filters. A record missing a filter key is excluded.
func (q QuerySpec) MatchesFilters(r Record) bool {
	for k, want := range q.Filters {
		got, ok := r.Metadata[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Match is one ranked query result. Owned by the caller; no shared mutable
// state with the store.
type Match struct {
	Record     Record
	Similarity float64 // Cosine similarity in [0,1], higher is more similar
	Rank       int     // 1-based position in the result ordering
}

// PutOptions controls write conflict behavior.
type PutOptions struct {
	// Overwrite replaces an existing record with the same id instead of
	// failing with ErrDuplicateID.
	Overwrite bool
}

// ClampSimilarity forces a raw 1-distance score into [0,1]. Cosine distance
// can exceed 1 by a few ulps near antipodal vectors; without the clamp that
// rounding would leak a negative similarity to callers.
func ClampSimilarity(s float64) float64 {
	if math.IsNaN(s) {
		return 0
	}
	return math.Min(1, math.Max(0, s))
}

// CosineSimilarity computes the clamped cosine similarity of two equal-length
// vectors. Zero vectors yield similarity 0.
func CosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return ClampSimilarity(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// SortMatches orders matches by similarity descending, breaking ties by
// earliest CreatedAt and finally by id so the ordering is deterministic, then
// assigns 1-based ranks.
func SortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		if !matches[i].Record.CreatedAt.Equal(matches[j].Record.CreatedAt) {
			return matches[i].Record.CreatedAt.Before(matches[j].Record.CreatedAt)
		}
		return matches[i].Record.ID < matches[j].Record.ID
	})
	for i := range matches {
		matches[i].Rank = i + 1
	}
}
