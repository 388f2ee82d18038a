package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EdoardoMongardi/NYU-Buddy-APP-sub001/internal/idempotency"
)

// guardprobe exercises the idempotency guard end to end against the
// in-memory store and reports a machine-checkable verdict. Run a single
// scenario with -scenario, or all of them by default.

func main() {
	scenario := flag.String("scenario", "all", "dedup|replay|conflict|reclaim|deadline|retrystorm|all")
	flag.Parse()

	scenarios := []struct {
		name string
		fn   func(context.Context) bool
	}{
		{"dedup", scenarioDedup},
		{"replay", scenarioReplay},
		{"conflict", scenarioConflict},
		{"reclaim", scenarioReclaim},
		{"deadline", scenarioDeadline},
		{"retrystorm", scenarioRetryStorm},
	}

	ctx := context.Background()
	pass := true
	matched := false
	for _, s := range scenarios {
		if *scenario != "all" && *scenario != s.name {
			continue
		}
		matched = true
		fmt.Printf("SCENARIO %s\n", s.name)
		if !s.fn(ctx) {
			pass = false
		}
	}
	if !matched {
		fmt.Fprintf(os.Stderr, "unknown scenario %q\n", *scenario)
		os.Exit(2)
	}

	if pass {
		fmt.Println("VERDICT PASS")
		return
	}
	fmt.Println("VERDICT FAIL: one or more checks failed")
	os.Exit(1)
}

func check(name string, ok bool, detail string) bool {
	status := "ok"
	if !ok {
		status = "FAIL"
	}
	fmt.Printf("CHECK %-28s %-4s %s\n", name, status, detail)
	return ok
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRequest(id string) idempotency.Request {
	return idempotency.Request{
		RequestID: id,
		OwnerID:   "user-1",
		Operation: "session.start",
		Params:    map[string]any{"activity": "Coffee"},
	}
}

// probeClock is a manually advanced time source.
type probeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newProbeClock() *probeClock { return &probeClock{now: time.Now()} }

func (c *probeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *probeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scenarioDedup fires 25 concurrent requests with one key and verifies a
// single handler execution with one converged result.
func scenarioDedup(ctx context.Context) bool {
	store := idempotency.NewMemoryStore()
	g := idempotency.NewGuard(store, idempotency.WithLogger(quietLogger()))

	var handlerCalls int32
	handler := func(context.Context) (any, error) {
		atomic.AddInt32(&handlerCalls, 1)
		time.Sleep(50 * time.Millisecond)
		return map[string]string{"session_id": "sess-dedup-1"}, nil
	}

	const callers = 25
	var wg sync.WaitGroup
	bodies := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := g.Execute(ctx, startRequest("probe-dedup"), handler)
			if err != nil {
				errs[i] = err
				return
			}
			bodies[i] = res.Body
		}(i)
	}
	wg.Wait()

	successes := 0
	informational := 0
	distinct := map[string]bool{}
	for i := 0; i < callers; i++ {
		if errs[i] == nil {
			successes++
			distinct[bodies[i]] = true
			continue
		}
		var sp *idempotency.StillProcessingError
		if errors.As(errs[i], &sp) {
			informational++
		}
	}

	ok := check("dedup.handler_calls", atomic.LoadInt32(&handlerCalls) == 1, fmt.Sprintf("calls=%d want=1", handlerCalls))
	ok = check("dedup.successes", successes >= 1, fmt.Sprintf("successes=%d of %d", successes, callers)) && ok
	ok = check("dedup.converged_result", len(distinct) == 1, fmt.Sprintf("distinct_bodies=%d want=1", len(distinct))) && ok
	ok = check("dedup.losers_informational", successes+informational == callers,
		fmt.Sprintf("successes=%d informational=%d callers=%d", successes, informational, callers)) && ok

	res, err := g.Execute(ctx, startRequest("probe-dedup"), handler)
	ok = check("dedup.replay_after_settle", err == nil && res.Replayed && atomic.LoadInt32(&handlerCalls) == 1,
		fmt.Sprintf("err=%v", err)) && ok
	return ok
}

// scenarioReplay completes a request, advances simulated time five minutes
// and verifies the duplicate is served from the record.
func scenarioReplay(ctx context.Context) bool {
	clock := newProbeClock()
	store := idempotency.NewMemoryStore()
	g := idempotency.NewGuard(store, idempotency.WithClock(clock.Now), idempotency.WithLogger(quietLogger()))

	var calls int32
	handler := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]string{"session_id": "S"}, nil
	}

	first, err := g.Execute(ctx, startRequest("probe-replay"), handler)
	ok := check("replay.first_executes", err == nil && !first.Replayed && strings.Contains(first.Body, `"S"`),
		fmt.Sprintf("err=%v", err))

	clock.Advance(5 * time.Minute)

	second, err := g.Execute(ctx, startRequest("probe-replay"), handler)
	ok = check("replay.served_from_record", err == nil && second.Replayed && second.Body == first.Body,
		fmt.Sprintf("err=%v", err)) && ok
	ok = check("replay.handler_not_rerun", atomic.LoadInt32(&calls) == 1,
		fmt.Sprintf("calls=%d want=1", calls)) && ok
	return ok
}

// scenarioConflict reuses a request id with different parameters.
func scenarioConflict(ctx context.Context) bool {
	store := idempotency.NewMemoryStore()
	g := idempotency.NewGuard(store, idempotency.WithLogger(quietLogger()))

	handler := func(context.Context) (any, error) {
		return map[string]string{"session_id": "sess-conflict-1"}, nil
	}
	if _, err := g.Execute(ctx, startRequest("probe-conflict"), handler); err != nil {
		return check("conflict.setup", false, fmt.Sprintf("err=%v", err))
	}

	req := startRequest("probe-conflict")
	req.Params = map[string]any{"activity": "Hiking"}
	_, err := g.Execute(ctx, req, handler)

	var pc *idempotency.ParameterConflictError
	ok := check("conflict.detected", errors.As(err, &pc), fmt.Sprintf("err=%v", err))
	ok = check("conflict.fatal", idempotency.IsFatal(err), "IsFatal") && ok
	return ok
}

// scenarioReclaim abandons a record past the stale threshold and verifies a
// later caller takes it over while the stale fencing token stays rejected.
func scenarioReclaim(ctx context.Context) bool {
	clock := newProbeClock()
	store := idempotency.NewMemoryStore()
	g := idempotency.NewGuard(store,
		idempotency.WithClock(clock.Now),
		idempotency.WithDeadline(50*time.Millisecond),
		idempotency.WithLogger(quietLogger()))

	block := make(chan struct{})
	defer close(block)
	_, err := g.Execute(ctx, startRequest("probe-reclaim"), func(context.Context) (any, error) {
		<-block
		return nil, nil
	})
	var pt *idempotency.ProcessingTimeoutError
	ok := check("reclaim.holder_times_out", errors.As(err, &pt), fmt.Sprintf("err=%v", err))

	rec, gerr := store.Get(ctx, "probe-reclaim")
	ok = check("reclaim.record_processing", gerr == nil && rec != nil && rec.Status == idempotency.StatusProcessing,
		fmt.Sprintf("err=%v", gerr)) && ok
	if rec == nil {
		return false
	}
	staleToken := rec.ProcessingStartedAt

	clock.Advance(61 * time.Second)

	var calls int32
	res, err := g.Execute(ctx, startRequest("probe-reclaim"), func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]string{"session_id": "sess-reclaimed"}, nil
	})
	ok = check("reclaim.taken_over", err == nil && strings.Contains(res.Body, "sess-reclaimed"),
		fmt.Sprintf("err=%v", err)) && ok
	ok = check("reclaim.handler_calls", atomic.LoadInt32(&calls) == 1, fmt.Sprintf("calls=%d want=1", calls)) && ok

	rec, gerr = store.Get(ctx, "probe-reclaim")
	attempts := 0
	if rec != nil {
		attempts = rec.Attempts
	}
	ok = check("reclaim.attempts_incremented", gerr == nil && attempts == 2,
		fmt.Sprintf("attempts=%d want=2", attempts)) && ok

	lateErr := store.MarkCompleted(ctx, "probe-reclaim", staleToken, `{"late":true}`, clock.Now())
	ok = check("reclaim.stale_token_fenced", errors.Is(lateErr, idempotency.ErrConditionFailed),
		fmt.Sprintf("err=%v", lateErr)) && ok
	return ok
}

// scenarioDeadline verifies that a slow handler leaves the record
// PROCESSING, the late result still lands, and a later duplicate replays it.
func scenarioDeadline(ctx context.Context) bool {
	store := idempotency.NewMemoryStore()
	g := idempotency.NewGuard(store,
		idempotency.WithDeadline(50*time.Millisecond),
		idempotency.WithLogger(quietLogger()))

	var calls int32
	handler := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(150 * time.Millisecond)
		return map[string]string{"session_id": "sess-late-1"}, nil
	}

	_, err := g.Execute(ctx, startRequest("probe-deadline"), handler)
	var pt *idempotency.ProcessingTimeoutError
	ok := check("deadline.informational_timeout", errors.As(err, &pt), fmt.Sprintf("err=%v", err))
	ok = check("deadline.not_fatal", !idempotency.IsFatal(err), "IsFatal=false") && ok

	rec, gerr := store.Get(ctx, "probe-deadline")
	ok = check("deadline.record_processing", gerr == nil && rec != nil && rec.Status == idempotency.StatusProcessing,
		fmt.Sprintf("err=%v", gerr)) && ok

	// the handler is still running; its result must land once it returns
	settled := false
	lastStatus := ""
	for i := 0; i < 40; i++ {
		time.Sleep(50 * time.Millisecond)
		rec, gerr = store.Get(ctx, "probe-deadline")
		if gerr == nil && rec != nil {
			lastStatus = rec.Status
		}
		if lastStatus == idempotency.StatusCompleted {
			settled = true
			break
		}
	}
	ok = check("deadline.late_result_recorded", settled, fmt.Sprintf("status=%s", lastStatus)) && ok

	res, err := g.Execute(ctx, startRequest("probe-deadline"), handler)
	ok = check("deadline.replay_after_settle",
		err == nil && res.Replayed && strings.Contains(res.Body, "sess-late-1") && atomic.LoadInt32(&calls) == 1,
		fmt.Sprintf("err=%v calls=%d", err, calls)) && ok
	return ok
}

// flakyStore rejects the first n Create calls with a transient error.
type flakyStore struct {
	idempotency.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) Create(ctx context.Context, rec *idempotency.Record) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return false, errors.New("ProvisionedThroughputExceededException: simulated throttle")
	}
	return f.Store.Create(ctx, rec)
}

// scenarioRetryStorm drives the client retry wrapper through nine transient
// store failures and verifies exactly one effect.
func scenarioRetryStorm(ctx context.Context) bool {
	store := &flakyStore{Store: idempotency.NewMemoryStore(), failures: 9}
	g := idempotency.NewGuard(store, idempotency.WithLogger(quietLogger()))
	retrier := idempotency.NewRetrier(idempotency.RetryPolicy{
		MaxAttempts:    10,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}, quietLogger())

	var calls int32
	var final *idempotency.Result
	err := retrier.Do(ctx, "session.start", func(ctx context.Context) error {
		res, err := g.Execute(ctx, startRequest("probe-storm"), func(context.Context) (any, error) {
			atomic.AddInt32(&calls, 1)
			return map[string]string{"session_id": "sess-storm-1"}, nil
		})
		if err != nil {
			return err
		}
		final = res
		return nil
	})

	ok := check("retrystorm.converges", err == nil && final != nil && strings.Contains(final.Body, "sess-storm-1"),
		fmt.Sprintf("err=%v", err))
	ok = check("retrystorm.single_effect", atomic.LoadInt32(&calls) == 1, fmt.Sprintf("calls=%d want=1", calls)) && ok

	rec, gerr := store.Get(ctx, "probe-storm")
	ok = check("retrystorm.record_completed",
		gerr == nil && rec != nil && rec.Status == idempotency.StatusCompleted && rec.Attempts == 1,
		fmt.Sprintf("err=%v", gerr)) && ok
	return ok
}
