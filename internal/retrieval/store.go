package retrieval

import "context"

// Store is the storage contract implemented by every backend. Implementations
// must be safe for concurrent use: puts of distinct ids are non-conflicting,
// same-id put/delete are serialized by the store, and queries never block
// writers.
//
// Following Go convention the interface is defined here, by the consumer
// (Engine and the knowledge facade), not by the backends that implement it.
type Store interface {
	// Put writes a record. Fails with ErrDimensionMismatch if the vector
	// length does not match the collection dimension, and with ErrDuplicateID
	// if the id exists and opts.Overwrite is false. Never partially writes.
	Put(ctx context.Context, rec Record, opts PutOptions) error

	// Get returns the record by id, or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// Delete removes the record by id, or returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// Query returns matches for the spec: candidates passing the metadata
	// filter, with similarity >= threshold, at most limit, ordered by
	// similarity descending with CreatedAt tiebreak. The spec is assumed
	// validated; Engine performs validation before delegating.
	Query(ctx context.Context, spec QuerySpec) ([]Match, error)

	// Collection returns the collection this store serves.
	Collection() Collection

	// Close releases backend resources. Stores that share an externally
	// managed pool treat this as a no-op.
	Close() error
}
