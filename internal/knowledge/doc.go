// Package knowledge is the retrieval facade: the single entry point callers
// use to search and populate collections without knowing which backend serves
// them.
//
// # Overview
//
// Each collection is registered once with the store that backs it (in-memory,
// PostgreSQL+pgvector, or a dedicated vector-index server). The Hub wraps
// every store in a retrieval.Engine, embeds query text through the configured
// embedding capability, and routes calls by collection name:
//
//	Search(ctx, collection, queryText, opts)
//	     |
//	     v
//	embed(queryText) ----------- retried once on EmbeddingUnavailable
//	     |
//	     v
//	Engine.Query (validation, retry, normalization)
//	     |
//	     v
//	Ranked Matches
//
// Callers never need to know the embedding dimension or model; SearchVector
// exists for callers that already hold a vector.
//
// # Backend Selection
//
// The store chosen at registration is an implementation detail. Swapping a
// collection from the relational backend to the dedicated index (or back)
// changes no caller code.
//
// # Caching
//
// An optional LRU cache short-circuits repeated identical queries. Entries
// are keyed on the collection, the query vector, and the full query spec, so
// any parameter change misses. The cache trades freshness for latency:
// a hit may omit records written after the entry was cached.
package knowledge
