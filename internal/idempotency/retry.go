package idempotency

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds the retry loop of a Retrier.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64 // fraction of the delay, e.g. 0.2 for +-20%
}

// DefaultRetryPolicy returns the policy used when callers pass a zero
// value: 5 attempts, 100ms doubling up to 5s, 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
	}
}

// Retrier re-invokes an operation on retryable errors with exponential
// backoff. Reusing the same request ID across attempts is what makes the
// loop safe: a duplicate that reaches the guard after the effect happened
// replays the recorded result instead of re-running the handler.
type Retrier struct {
	policy    RetryPolicy
	logger    *slog.Logger
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewRetrier returns a Retrier with the given policy. Zero policy fields
// fall back to DefaultRetryPolicy.
func NewRetrier(policy RetryPolicy, logger *slog.Logger) *Retrier {
	def := DefaultRetryPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.Multiplier <= 1 {
		policy.Multiplier = def.Multiplier
	}
	if policy.Jitter < 0 {
		policy.Jitter = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{
		policy:    policy,
		logger:    logger,
		sleepFunc: sleepContext,
	}
}

// Do invokes fn until it succeeds, returns a fatal error, or attempts run
// out. The last error is returned as-is so callers can still inspect it
// with errors.As.
func (r *Retrier) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.backoff(attempt - 1)
			r.logger.Debug("retrying",
				"operation", operation, "attempt", attempt, "backoff", delay, "last_error", lastErr)
			if err := r.sleepFunc(ctx, delay); err != nil {
				return err
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsFatal(err) {
			return err
		}
		lastErr = err
	}
	r.logger.Warn("attempts exhausted", "operation", operation, "attempts", r.policy.MaxAttempts, "last_error", lastErr)
	return lastErr
}

// backoff computes the delay before the given retry (1-based), applying
// the multiplier, the cap and the jitter.
func (r *Retrier) backoff(retry int) time.Duration {
	d := float64(r.policy.InitialBackoff) * math.Pow(r.policy.Multiplier, float64(retry-1))
	if limit := float64(r.policy.MaxBackoff); d > limit {
		d = limit
	}
	delay := time.Duration(d)
	if r.policy.Jitter > 0 {
		span := int64(float64(delay) * r.policy.Jitter)
		if span > 0 {
			delay += time.Duration(rand.Int63n(2*span) - span)
		}
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
