package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the retry loop around a ledger write.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     uint64
}

// WriteRetryPolicy is the policy for generic ledger writes.
func WriteRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		MaxAttempts:     3,
	}
}

// AllocationRetryPolicy is the policy for allocation execution, which
// tolerates more transient failure before surfacing.
func AllocationRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		MaxAttempts:     10,
	}
}

// Retry runs op until it succeeds, returns a non-retryable error, or
// the policy's attempts are exhausted. Back-off is exponential with
// jitter. Errors carrying a server back-off hint are retried no sooner
// than the hint allows.
func Retry(ctx context.Context, policy RetryPolicy, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	b.MaxElapsedTime = 0 // bounded by attempts, not wall time

	var err error
	for attempt := uint64(1); ; attempt++ {
		err = op()
		if err == nil || !Retryable(err) {
			return err
		}
		if attempt >= policy.MaxAttempts {
			return err
		}

		wait := b.NextBackOff()
		if hint, ok := RetryHint(err); ok && hint > wait {
			wait = hint
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
