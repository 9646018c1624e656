package retrieval

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures how the engine retries transient backend failures.
// One policy object is injected into the engine at construction instead of
// scattering ad hoc retry loops across call sites.
type RetryPolicy struct {
	// MaxRetries is the number of retry attempts after the initial call.
	MaxRetries uint64

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// Multiplier scales the delay between consecutive retries.
	Multiplier float64

	// RandomizationFactor adds jitter in [interval*(1-f), interval*(1+f)].
	// Zero disables jitter, which keeps tests deterministic.
	RandomizationFactor float64
}

// DefaultRetryPolicy retries twice with delays of 100ms and 400ms, no jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      2,
		InitialInterval: 100 * time.Millisecond,
		Multiplier:      4,
	}
}

// newBackOff builds the backoff schedule for one operation. A fresh schedule
// is created per call; backoff.BackOff values are stateful and must not be
// shared.
func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0 // bounded by MaxRetries, not wall clock
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// retry runs op with the policy. Errors that are not Retryable abort
// immediately; context cancellation always aborts.
func (p RetryPolicy) retry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.newBackOff(ctx))
}
