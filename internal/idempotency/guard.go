package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Metrics receives counter events from the guard. internal/aws provides a
// CloudWatch-backed implementation; the default records nothing.
type Metrics interface {
	Count(ctx context.Context, name string, dimensions map[string]string)
}

type noopMetrics struct{}

func (noopMetrics) Count(context.Context, string, map[string]string) {}

// Request identifies one guarded call.
type Request struct {
	RequestID string // client-chosen idempotency key
	OwnerID   string
	Operation string
	Params    any
}

// Handler runs the guarded operation. The returned value is marshaled to
// JSON and stored as the record's result document.
type Handler func(ctx context.Context) (any, error)

// Result is the outcome of Execute.
type Result struct {
	Body     string // result document, JSON
	Replayed bool   // true when served from a previously completed record
	Record   *Record
}

// Guard coordinates at-most-one execution per request ID. It acquires the
// idempotency record, runs the handler under a deadline, and records the
// terminal outcome, all through fenced conditional writes so concurrent
// callers, duplicate deliveries and crashed predecessors converge on a
// single effect.
type Guard struct {
	store          Store
	deadline       time.Duration
	staleThreshold time.Duration
	ttl            time.Duration
	failedRetry    bool
	nowFunc        func() time.Time
	logger         *slog.Logger
	metrics        Metrics
}

// NewGuard returns a Guard over store with the given options applied.
func NewGuard(store Store, opts ...Option) *Guard {
	g := &Guard{
		store:          store,
		deadline:       DefaultDeadline,
		staleThreshold: DefaultStaleThreshold,
		ttl:            DefaultTTL,
		failedRetry:    true,
		nowFunc:        time.Now,
		logger:         slog.Default(),
		metrics:        noopMetrics{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Execute runs handler at most once for req.RequestID. Outcomes:
//
//   - fresh acquisition: the handler runs and its outcome is recorded;
//   - completed record: the stored result is replayed without running
//     the handler (Result.Replayed is true);
//   - processing record younger than the stale threshold: a
//     *StillProcessingError;
//   - processing record at or past the stale threshold: one caller
//     reclaims it and reruns the handler, the rest observe it as still
//     processing;
//   - failed record: a fresh attempt when failed retries are enabled,
//     otherwise a *FailedError replaying the recorded failure;
//   - same request ID with different parameters: a
//     *ParameterConflictError, regardless of record status.
func (g *Guard) Execute(ctx context.Context, req Request, handler Handler) (*Result, error) {
	if req.RequestID == "" {
		return nil, &InvalidRequestError{Reason: "request id is required"}
	}
	if req.OwnerID == "" {
		return nil, &InvalidRequestError{Reason: "owner id is required"}
	}
	if req.Operation == "" {
		return nil, &InvalidRequestError{Reason: "operation is required"}
	}

	fp, err := Fingerprint(req.Operation, req.OwnerID, req.Params)
	if err != nil {
		return nil, &InvalidRequestError{Reason: fmt.Sprintf("parameters are not encodable: %v", err)}
	}

	rec := g.newRecord(req, fp)
	created, err := g.store.Create(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	if created {
		g.count(ctx, "Acquired", req.Operation)
		return g.run(ctx, rec, handler)
	}

	// The key is taken. Inspect the holder and decide; a lost race
	// re-reads and re-evaluates a bounded number of times.
	for attempt := 0; attempt < 3; attempt++ {
		existing, err := g.store.Get(ctx, req.RequestID)
		if err != nil {
			return nil, fmt.Errorf("get record: %w", err)
		}
		if existing == nil {
			// The holder expired or was deleted between create and read.
			rec = g.newRecord(req, fp)
			created, err := g.store.Create(ctx, rec)
			if err != nil {
				return nil, fmt.Errorf("create record: %w", err)
			}
			if created {
				g.count(ctx, "Acquired", req.Operation)
				return g.run(ctx, rec, handler)
			}
			continue
		}

		if existing.ParamsFingerprint != fp {
			g.count(ctx, "ParameterConflict", req.Operation)
			g.logger.Warn("request id reused with different parameters",
				"request_id", req.RequestID, "operation", req.Operation)
			return nil, &ParameterConflictError{
				RequestID:          req.RequestID,
				StoredFingerprint:  existing.ParamsFingerprint,
				RequestFingerprint: fp,
			}
		}

		switch existing.Status {
		case StatusCompleted:
			g.count(ctx, "Replayed", req.Operation)
			return &Result{Body: existing.Result, Replayed: true, Record: existing}, nil

		case StatusFailed:
			if !g.failedRetry {
				return nil, &FailedError{RequestID: existing.RequestID, Message: existing.ErrorMessage}
			}
			fresh := g.newRecord(req, fp)
			fresh.Attempts = existing.Attempts + 1
			switch err := g.store.ReplaceFailed(ctx, fresh, existing.ProcessingStartedAt); {
			case err == nil:
				g.count(ctx, "FailedRetry", req.Operation)
				return g.run(ctx, fresh, handler)
			case errors.Is(err, ErrConditionFailed):
				continue // another retry won; follow its state
			default:
				return nil, fmt.Errorf("replace failed record: %w", err)
			}

		case StatusProcessing:
			age := g.nowFunc().Sub(existing.StartedAt())
			if age < g.staleThreshold {
				g.count(ctx, "StillProcessing", req.Operation)
				return nil, &StillProcessingError{
					RequestID: existing.RequestID,
					StartedAt: existing.StartedAt(),
					Age:       age,
				}
			}
			newStart := g.nowFunc().UnixMilli()
			switch err := g.store.Reclaim(ctx, existing.RequestID, existing.ProcessingStartedAt, newStart); {
			case err == nil:
				g.count(ctx, "Reclaimed", req.Operation)
				g.logger.Info("reclaimed stale record",
					"request_id", existing.RequestID, "operation", req.Operation,
					"stale_for", age, "attempt", existing.Attempts+1)
				reclaimed := cloneRecord(existing)
				reclaimed.ProcessingStartedAt = newStart
				reclaimed.Attempts++
				return g.run(ctx, reclaimed, handler)
			case errors.Is(err, ErrConditionFailed):
				continue // another caller reclaimed, or the holder finished
			default:
				return nil, fmt.Errorf("reclaim record: %w", err)
			}

		default:
			return nil, fmt.Errorf("record %s has unknown status %q", existing.RequestID, existing.Status)
		}
	}

	return nil, fmt.Errorf("record %s kept changing under concurrent access", req.RequestID)
}

// Reap promotes a stale PROCESSING record to FAILED so a later attempt
// can rerun it without first tripping over it. It reports whether the
// record was transitioned; losing the fence to a concurrent writer is
// not an error.
func (g *Guard) Reap(ctx context.Context, requestID string) (bool, error) {
	rec, err := g.store.Get(ctx, requestID)
	if err != nil {
		return false, fmt.Errorf("get record: %w", err)
	}
	if rec == nil || rec.Status != StatusProcessing {
		return false, nil
	}

	now := g.nowFunc()
	age := now.Sub(rec.StartedAt())
	if age < g.staleThreshold {
		return false, nil
	}

	msg := fmt.Sprintf("reaped after processing for %s", age)
	switch err := g.store.MarkFailed(ctx, rec.RequestID, rec.ProcessingStartedAt, msg, now); {
	case err == nil:
		g.count(ctx, "Reaped", rec.Operation)
		g.logger.Info("reaped stale record", "request_id", rec.RequestID, "stale_for", age)
		return true, nil
	case errors.Is(err, ErrConditionFailed):
		return false, nil
	default:
		return false, fmt.Errorf("mark failed: %w", err)
	}
}

func (g *Guard) newRecord(req Request, fp string) *Record {
	now := g.nowFunc()
	return &Record{
		RequestID:           req.RequestID,
		OwnerID:             req.OwnerID,
		Operation:           req.Operation,
		ParamsFingerprint:   fp,
		Status:              StatusProcessing,
		Attempts:            1,
		CreatedAt:           now,
		ProcessingStartedAt: now.UnixMilli(),
		ExpiresAt:           now.Add(g.ttl).Unix(),
	}
}

type handlerOutcome struct {
	value any
	err   error
}

// run executes the handler under the deadline. The record is settled by
// whichever comes first: the handler returning, or the deadline firing,
// in which case settlement moves to a background goroutine that keeps
// waiting for the handler.
func (g *Guard) run(ctx context.Context, rec *Record, handler Handler) (*Result, error) {
	// Terminal transitions are recorded even when the caller's context
	// is gone by the time the handler finishes.
	recordCtx := context.WithoutCancel(ctx)

	hctx, cancel := context.WithTimeout(ctx, g.deadline)

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			// A panicking handler still gets a terminal record.
			if r := recover(); r != nil {
				done <- handlerOutcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		v, err := handler(hctx)
		done <- handlerOutcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		cancel()
		return g.settle(recordCtx, rec, out)

	case <-hctx.Done():
		go func() {
			defer cancel()
			out := <-done
			g.logger.Info("handler finished after deadline",
				"request_id", rec.RequestID, "operation", rec.Operation, "failed", out.err != nil)
			if _, err := g.settle(recordCtx, rec, out); err != nil && out.err == nil {
				g.logger.Warn("recording late result failed", "request_id", rec.RequestID, "error", err)
			}
		}()

		if ctx.Err() != nil {
			// The caller's own context ended, not our deadline.
			return nil, ctx.Err()
		}
		g.count(recordCtx, "ProcessingTimeout", rec.Operation)
		g.logger.Warn("handler exceeded deadline",
			"request_id", rec.RequestID, "operation", rec.Operation, "deadline", g.deadline)
		return nil, &ProcessingTimeoutError{RequestID: rec.RequestID, Deadline: g.deadline}
	}
}

// settle records the handler outcome and shapes the caller-facing result.
func (g *Guard) settle(ctx context.Context, rec *Record, out handlerOutcome) (*Result, error) {
	completedAt := g.nowFunc()

	if out.err != nil {
		g.count(ctx, "HandlerFailed", rec.Operation)
		g.logger.Warn("handler failed",
			"request_id", rec.RequestID, "operation", rec.Operation, "error", out.err)
		switch err := g.store.MarkFailed(ctx, rec.RequestID, rec.ProcessingStartedAt, out.err.Error(), completedAt); {
		case err == nil:
		case errors.Is(err, ErrConditionFailed):
			// The record moved on without us; its new holder decides.
			g.logger.Warn("lost claim before recording failure", "request_id", rec.RequestID)
		default:
			g.logger.Error("recording failure failed", "request_id", rec.RequestID, "error", err)
		}
		return nil, out.err
	}

	body := ""
	if out.value != nil {
		b, err := json.Marshal(out.value)
		if err != nil {
			g.logger.Error("result not encodable", "request_id", rec.RequestID, "error", err)
		} else {
			body = string(b)
		}
	}

	switch err := g.store.MarkCompleted(ctx, rec.RequestID, rec.ProcessingStartedAt, body, completedAt); {
	case err == nil:
		g.count(ctx, "Completed", rec.Operation)
	case errors.Is(err, ErrConditionFailed):
		// A reclaimer took the record over while the handler ran. The
		// record now belongs to that execution; this result stands for
		// our caller only.
		g.count(ctx, "LostClaim", rec.Operation)
		g.logger.Warn("lost claim before recording result", "request_id", rec.RequestID)
	default:
		return nil, fmt.Errorf("record result: %w", err)
	}

	settled := cloneRecord(rec)
	settled.Status = StatusCompleted
	settled.Result = body
	settled.CompletedAt = &completedAt
	return &Result{Body: body, Replayed: false, Record: settled}, nil
}

func (g *Guard) count(ctx context.Context, name, operation string) {
	g.metrics.Count(ctx, name, map[string]string{"Operation": operation})
}
