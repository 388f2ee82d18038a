// Package idempotency makes side-effecting operations safe to retry.
//
// A client tags each logical operation with a request ID and submits it
// through Guard.Execute. The guard acquires an idempotency record for
// that ID with an atomic create-if-absent write, runs the handler, and
// records the outcome. Duplicates, whatever their cause (client retries,
// redelivered messages, impatient users), land on the existing record and
// are answered from it: a completed record replays the stored result, a
// processing record reports that work is in flight, a failed record
// either admits one fresh attempt or replays the failure, depending on
// policy.
//
// Records left in PROCESSING by a crashed worker are reclaimed once they
// exceed the stale threshold. Reclaim and every terminal transition are
// fenced on the processing_started_at token observed when the record was
// read, so a late write from a superseded execution cannot clobber the
// current one.
//
// Request parameters are folded into a canonical fingerprint. Reusing a
// request ID with different parameters is rejected as a conflict rather
// than silently replaying a result that answers a different question.
//
// Typical wiring:
//
//	store := idempotency.NewDynamoStore(client, "idempotency-table")
//	guard := idempotency.NewGuard(store, idempotency.WithDeadline(10*time.Second))
//
//	res, err := guard.Execute(ctx, idempotency.Request{
//		RequestID: key,
//		OwnerID:   userID,
//		Operation: "session.start",
//		Params:    params,
//	}, func(ctx context.Context) (any, error) {
//		return svc.Start(ctx, userID, params)
//	})
//
// The Retrier wraps such calls on the client side, retrying transient
// errors with exponential backoff while reusing the same request ID, so
// a retry storm still produces exactly one effect.
package idempotency
