package idempotency

import (
	"log/slog"
	"time"
)

// Defaults applied by NewGuard.
const (
	DefaultDeadline       = 15 * time.Second
	DefaultStaleThreshold = 60 * time.Second
	DefaultTTL            = 48 * time.Hour
)

// Option configures a Guard.
type Option func(*Guard)

// WithDeadline bounds how long Execute waits for the handler before
// returning a ProcessingTimeoutError.
func WithDeadline(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.deadline = d
		}
	}
}

// WithStaleThreshold sets how long a PROCESSING record may go untouched
// before another caller is allowed to reclaim it.
func WithStaleThreshold(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.staleThreshold = d
		}
	}
}

// WithTTL sets the retention window written into new records.
func WithTTL(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.ttl = d
		}
	}
}

// WithFailedRetry controls whether a FAILED record admits a fresh attempt
// under the same request ID. When disabled, Execute replays the recorded
// failure instead.
func WithFailedRetry(allow bool) Option {
	return func(g *Guard) {
		g.failedRetry = allow
	}
}

// WithClock injects the time source, for tests running on simulated time.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.nowFunc = now
		}
	}
}

// WithLogger sets the guard's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink for guard counters.
func WithMetrics(m Metrics) Option {
	return func(g *Guard) {
		if m != nil {
			g.metrics = m
		}
	}
}
