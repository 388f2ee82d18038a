package idempotency

import (
	"errors"
	"fmt"
	"time"
)

// ParameterConflictError means the request ID was reused with different
// parameters. Retrying the same call can never succeed.
type ParameterConflictError struct {
	RequestID          string
	StoredFingerprint  string
	RequestFingerprint string
}

func (e *ParameterConflictError) Error() string {
	return fmt.Sprintf("request %s was already submitted with different parameters", e.RequestID)
}

// Fatal marks the error as non-retryable.
func (e *ParameterConflictError) Fatal() bool { return true }

// StillProcessingError means another execution currently holds the record
// and has not yet exceeded the stale threshold. Callers may retry later.
type StillProcessingError struct {
	RequestID string
	StartedAt time.Time
	Age       time.Duration
}

func (e *StillProcessingError) Error() string {
	return fmt.Sprintf("request %s is still processing (running for %s)", e.RequestID, e.Age)
}

// ProcessingTimeoutError means this execution exceeded its deadline. The
// record is left in PROCESSING; the handler may still finish in the
// background, and its outcome will be recorded if it does.
type ProcessingTimeoutError struct {
	RequestID string
	Deadline  time.Duration
}

func (e *ProcessingTimeoutError) Error() string {
	return fmt.Sprintf("request %s did not finish within %s", e.RequestID, e.Deadline)
}

// FailedError replays a recorded failure when re-execution of failed
// records is disabled.
type FailedError struct {
	RequestID string
	Message   string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("request %s previously failed: %s", e.RequestID, e.Message)
}

// Fatal marks the error as non-retryable.
func (e *FailedError) Fatal() bool { return true }

// InvalidRequestError reports a request that is malformed before any
// storage interaction happens.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Reason)
}

// Fatal marks the error as non-retryable.
func (e *InvalidRequestError) Fatal() bool { return true }

// IsFatal reports whether err (or anything it wraps) declares itself
// non-retryable. Everything else is treated as retryable.
func IsFatal(err error) bool {
	var f interface{ Fatal() bool }
	if errors.As(err, &f) {
		return f.Fatal()
	}
	return false
}
