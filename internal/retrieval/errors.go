package retrieval

import "errors"

// Error taxonomy shared by all storage backends, the engine, and the facade.
// Backends wrap these sentinels with fmt.Errorf("%w: ...") so callers can
// classify failures with errors.Is while still seeing backend detail.
var (
	// ErrDimensionMismatch indicates a vector whose length does not match the
	// collection dimension. Caller bug: rejected immediately, never retried,
	// and never partially written.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrInvalidQuery indicates out-of-range query parameters
	// (threshold outside [0,1] or limit < 1).
	ErrInvalidQuery = errors.New("invalid query")

	// ErrDuplicateID indicates a Put for an id that already exists without
	// overwrite requested. Recoverable: the caller chooses overwrite or a
	// new id.
	ErrDuplicateID = errors.New("duplicate record id")

	// ErrNotFound indicates the record does not exist. Expected for callers
	// that probe existence via Get or Delete.
	ErrNotFound = errors.New("record not found")

	// ErrBackendUnavailable indicates a transient connectivity failure.
	// The engine retries it per RetryPolicy before surfacing it.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrTimeout indicates the caller-supplied deadline expired. Surfaced
	// immediately, never retried by the engine.
	ErrTimeout = errors.New("operation timed out")

	// ErrEmbeddingUnavailable indicates the embedding provider failed.
	// Treated as retryable at the facade level since providers are commonly
	// rate-limited.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
)

// Retryable reports whether the engine may retry err. Only transient backend
// failures qualify; timeouts and caller bugs are always surfaced as-is.
func Retryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}
