package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func testRecord(id string, now time.Time) *Record {
	return &Record{
		RequestID:           id,
		OwnerID:             "user-1",
		Operation:           "session.start",
		ParamsFingerprint:   "fp:v1:sha256:abc",
		Status:              StatusProcessing,
		Attempts:            1,
		CreatedAt:           now,
		ProcessingStartedAt: now.UnixMilli(),
		ExpiresAt:           now.Add(48 * time.Hour).Unix(),
	}
}

func TestDynamoStore_CreateGetComplete(t *testing.T) {
	mock := newSimpleMock()
	s := NewDynamoStore(mock, "idempotency-table")

	ctx := context.Background()
	now := time.Now().Round(time.Millisecond)
	rec := testRecord("req-1", now)

	created, err := s.Create(ctx, rec)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}

	// second create must lose without an error
	created2, err := s.Create(ctx, testRecord("req-1", now))
	if err != nil {
		t.Fatalf("second Create error: %v", err)
	}
	if created2 {
		t.Fatalf("expected created=false on duplicate create")
	}

	got, err := s.Get(ctx, "req-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got == nil {
		t.Fatalf("expected record, got nil")
	}
	if got.Status != StatusProcessing {
		t.Fatalf("expected PROCESSING, got %s", got.Status)
	}
	if got.ProcessingStartedAt != rec.ProcessingStartedAt {
		t.Fatalf("start token mismatch: got %d want %d", got.ProcessingStartedAt, rec.ProcessingStartedAt)
	}

	err = s.MarkCompleted(ctx, "req-1", rec.ProcessingStartedAt, `{"session_id":"s-1"}`, now.Add(time.Second))
	if err != nil {
		t.Fatalf("MarkCompleted error: %v", err)
	}

	// assert the raw item in the mock table
	item := mock.table["req-1"]
	if item == nil {
		t.Fatalf("mock item missing")
	}
	if st, ok := item["status"].(*types.AttributeValueMemberS); !ok || st.Value != StatusCompleted {
		t.Fatalf("status not updated to COMPLETED, got %+v", item["status"])
	}
	if r, ok := item["result"].(*types.AttributeValueMemberS); !ok || r.Value != `{"session_id":"s-1"}` {
		t.Fatalf("result not set correctly: %+v", item["result"])
	}

	got, err = s.Get(ctx, "req-1")
	if err != nil {
		t.Fatalf("Get after complete error: %v", err)
	}
	if got.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
}

func TestDynamoStore_GetMissing(t *testing.T) {
	s := NewDynamoStore(newSimpleMock(), "idempotency-table")
	rec, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record for missing key, got %+v", rec)
	}
}

func TestDynamoStore_CompletionIsFenced(t *testing.T) {
	mock := newSimpleMock()
	s := NewDynamoStore(mock, "idempotency-table")

	ctx := context.Background()
	now := time.Now()
	rec := testRecord("req-f", now)
	if _, err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	// a write carrying a stale start token must not land
	staleToken := rec.ProcessingStartedAt - 1
	err := s.MarkCompleted(ctx, "req-f", staleToken, `{}`, now)
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}

	if err := s.MarkFailed(ctx, "req-f", rec.ProcessingStartedAt, "boom", now); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}

	// terminal records reject further transitions
	err = s.MarkCompleted(ctx, "req-f", rec.ProcessingStartedAt, `{}`, now)
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed after FAILED, got %v", err)
	}

	got, _ := s.Get(ctx, "req-f")
	if got.Status != StatusFailed || got.ErrorMessage != "boom" {
		t.Fatalf("unexpected record after failure: %+v", got)
	}
}

func TestDynamoStore_ReclaimSingleWinner(t *testing.T) {
	mock := newSimpleMock()
	s := NewDynamoStore(mock, "idempotency-table")

	ctx := context.Background()
	now := time.Now()
	rec := testRecord("req-r", now)
	if _, err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	oldToken := rec.ProcessingStartedAt
	newToken := now.Add(61 * time.Second).UnixMilli()

	if err := s.Reclaim(ctx, "req-r", oldToken, newToken); err != nil {
		t.Fatalf("Reclaim error: %v", err)
	}

	// a second reclaimer still holding the old token must lose
	err := s.Reclaim(ctx, "req-r", oldToken, now.Add(62*time.Second).UnixMilli())
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed for losing reclaimer, got %v", err)
	}

	// the superseded execution cannot record its late completion
	err = s.MarkCompleted(ctx, "req-r", oldToken, `{"stale":true}`, now)
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected late completion to be fenced out, got %v", err)
	}

	// the reclaimer can
	if err := s.MarkCompleted(ctx, "req-r", newToken, `{"ok":true}`, now.Add(65*time.Second)); err != nil {
		t.Fatalf("reclaimer MarkCompleted error: %v", err)
	}

	got, err := s.Get(ctx, "req-r")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != StatusCompleted || got.Result != `{"ok":true}` {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.Attempts != 2 {
		t.Fatalf("expected attempts=2 after reclaim, got %d", got.Attempts)
	}
}

func TestDynamoStore_ReplaceFailed(t *testing.T) {
	mock := newSimpleMock()
	s := NewDynamoStore(mock, "idempotency-table")

	ctx := context.Background()
	now := time.Now()
	rec := testRecord("req-x", now)
	if _, err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	// a PROCESSING record is not replaceable
	fresh := testRecord("req-x", now.Add(time.Minute))
	err := s.ReplaceFailed(ctx, fresh, rec.ProcessingStartedAt)
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed replacing a PROCESSING record, got %v", err)
	}

	if err := s.MarkFailed(ctx, "req-x", rec.ProcessingStartedAt, "boom", now); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}

	fresh.Attempts = 2
	if err := s.ReplaceFailed(ctx, fresh, rec.ProcessingStartedAt); err != nil {
		t.Fatalf("ReplaceFailed error: %v", err)
	}

	// the losing concurrent retry observed the old failed record
	other := testRecord("req-x", now.Add(2*time.Minute))
	err = s.ReplaceFailed(ctx, other, rec.ProcessingStartedAt)
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("expected single winner among failed retries, got %v", err)
	}

	got, _ := s.Get(ctx, "req-x")
	if got.Status != StatusProcessing || got.Attempts != 2 {
		t.Fatalf("unexpected record after replace: %+v", got)
	}
	if got.ErrorMessage != "" {
		t.Fatalf("expected error message cleared on replace, got %q", got.ErrorMessage)
	}
}

func TestDynamoStore_Delete(t *testing.T) {
	mock := newSimpleMock()
	s := NewDynamoStore(mock, "idempotency-table")

	ctx := context.Background()
	if _, err := s.Create(ctx, testRecord("req-d", time.Now())); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := s.Delete(ctx, "req-d"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	rec, err := s.Get(ctx, "req-d")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected record gone, got %+v", rec)
	}
}
