package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "retrieval.engine"

// Engine executes validated queries against a Store, retrying transient
// failures and normalizing backend results into ranked matches. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	store  Store
	policy RetryPolicy
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEngine creates an engine over the given store.
//
// Example:
//
//	engine := retrieval.NewEngine(store, retrieval.DefaultRetryPolicy(), logger)
//	matches, err := engine.Query(ctx, spec)
func NewEngine(store Store, policy RetryPolicy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		store:  store,
		policy: policy,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
}

// Store returns the underlying store.
func (e *Engine) Store() Store { return e.store }

// Query validates the spec, executes it with retry on transient backend
// failures, and returns normalized ranked matches.
//
// Validation failures return ErrInvalidQuery. A vector whose length differs
// from the collection dimension returns ErrDimensionMismatch and is never
// retried. ErrTimeout from an expired deadline is surfaced immediately.
func (e *Engine) Query(ctx context.Context, spec QuerySpec) ([]Match, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	coll := e.store.Collection()
	if len(spec.Vector) != coll.Dimension {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, collection %q expects %d",
			ErrDimensionMismatch, len(spec.Vector), coll.Name, coll.Dimension)
	}

	ctx, span := e.tracer.Start(ctx, "retrieval.Query",
		trace.WithAttributes(
			attribute.String("collection", coll.Name),
			attribute.Int("limit", spec.Limit),
			attribute.Float64("threshold", spec.Threshold),
		))
	defer span.End()

	var matches []Match
	attempt := 0
	err := e.policy.retry(ctx, func() error {
		attempt++
		var qerr error
		matches, qerr = e.store.Query(ctx, spec)
		if qerr != nil && Retryable(qerr) {
			e.logger.Warn("backend unavailable, retrying query",
				"collection", coll.Name, "attempt", attempt, "error", qerr)
		}
		return qerr
	})
	if err != nil {
		// backoff returns ctx.Err() when the context expires mid-schedule
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("query collection %q: %w", coll.Name, err)
	}

	matches = e.normalize(spec, matches)
	span.SetAttributes(attribute.Int("matches", len(matches)))
	return matches, nil
}

// normalize enforces the result contract regardless of how careful the
// backend was: clamped scores, threshold cutoff, deterministic ordering,
// limit, and 1-based ranks.
func (e *Engine) normalize(spec QuerySpec, matches []Match) []Match {
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		m.Similarity = ClampSimilarity(m.Similarity)
		if m.Similarity < spec.Threshold {
			continue
		}
		out = append(out, m)
	}

	SortMatches(out)
	if len(out) > spec.Limit {
		out = out[:spec.Limit]
		// ranks beyond the cut are discarded with the tail
	}
	return out
}
