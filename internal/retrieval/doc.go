// Package retrieval defines the core semantic retrieval contract: embedding
// records grouped into fixed-dimension collections, nearest-neighbor queries
// with metadata filtering and similarity thresholds, and the typed error
// taxonomy shared by every storage backend.
//
// # Overview
//
// The package consists of three pieces:
//
//   - Store: the storage contract implemented by backends
//     (memstore, pgstore, qdrantstore)
//   - Engine: validates queries, retries transient backend failures,
//     and normalizes backend results into ranked matches
//   - RetryPolicy: the configurable backoff applied by Engine
//
// Retrieval Flow:
//
//	QuerySpec (vector + limit + threshold + filters)
//	     |
//	     v
//	Engine.Query (validation, retry on transient failure)
//	     |
//	     v
//	Store.Query (backend-specific execution)
//	     |
//	     v
//	Ranked Matches (similarity descending, CreatedAt tiebreak)
//
// # Similarity Semantics
//
// All backends use cosine distance. Similarity is 1 - distance, clamped to
// [0, 1] so that floating-point rounding near antipodal vectors never leaks
// an out-of-range score to callers. Matches below QuerySpec.Threshold are
// discarded; at most QuerySpec.Limit matches are returned, ordered by
// similarity descending with ties broken by earliest CreatedAt. The ordering
// is fully deterministic for identical store contents.
//
// # Concurrency
//
// Records are immutable after creation, so concurrent queries and writes
// against the same collection are safe. Writes to the same id are serialized
// by the Store (last-writer-wins). A record written concurrently with a query
// may or may not appear in that query's results; within a single caller's
// sequential operations, writes are always visible to later queries.
package retrieval
