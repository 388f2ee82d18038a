package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrConditionFailed indicates a conditional write lost its race: the
// record was not in the observed state when the write was applied.
var ErrConditionFailed = errors.New("conditional check failed")

// Store is the persistence contract for idempotency records. Every
// transition is fenced: it names the status the record must still be in
// and the processing_started_at value observed when the caller last read
// the record, so a competing reclaim invalidates in-flight writers.
type Store interface {
	// Create inserts rec only if no record with its RequestID exists.
	// Returns (true, nil) when the record was created, (false, nil) when
	// a record already exists (callers should Get to inspect it).
	Create(ctx context.Context, rec *Record) (bool, error)

	// Get retrieves a record by request ID. Returns (nil, nil) if absent.
	Get(ctx context.Context, requestID string) (*Record, error)

	// MarkCompleted transitions PROCESSING -> COMPLETED and stores the
	// result document. Returns ErrConditionFailed when the record is no
	// longer in PROCESSING with the observed start token.
	MarkCompleted(ctx context.Context, requestID string, observedStartedAt int64, result string, completedAt time.Time) error

	// MarkFailed transitions PROCESSING -> FAILED and stores the error
	// message. Fenced the same way as MarkCompleted.
	MarkFailed(ctx context.Context, requestID string, observedStartedAt int64, message string, completedAt time.Time) error

	// Reclaim takes over a stale PROCESSING record by replacing its start
	// token with newStartedAt and bumping the attempt counter. Returns
	// ErrConditionFailed when another caller reclaimed or finished first.
	Reclaim(ctx context.Context, requestID string, observedStartedAt, newStartedAt int64) error

	// ReplaceFailed replaces a FAILED record with a fresh PROCESSING
	// record for a new attempt. Fenced on the failed record's start token
	// so concurrent retries admit exactly one winner.
	ReplaceFailed(ctx context.Context, rec *Record, observedStartedAt int64) error

	// Delete removes a record unconditionally.
	Delete(ctx context.Context, requestID string) error
}
