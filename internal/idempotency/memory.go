package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-process Store. It backs unit tests,
// the local development server and the diagnostic probe; production
// deployments use DynamoStore. Expired records are dropped lazily on
// access, and Sweep removes them eagerly.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	nowFunc func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[string]*Record{},
		nowFunc: time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec *Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.live(rec.RequestID); cur != nil {
		return false, nil
	}
	s.records[rec.RequestID] = cloneRecord(rec)
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, requestID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.live(requestID)
	if cur == nil {
		return nil, nil
	}
	return cloneRecord(cur), nil
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, requestID string, observedStartedAt int64, result string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.live(requestID)
	if cur == nil || cur.Status != StatusProcessing || cur.ProcessingStartedAt != observedStartedAt {
		return ErrConditionFailed
	}
	cur.Status = StatusCompleted
	cur.Result = result
	ca := completedAt
	cur.CompletedAt = &ca
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, requestID string, observedStartedAt int64, message string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.live(requestID)
	if cur == nil || cur.Status != StatusProcessing || cur.ProcessingStartedAt != observedStartedAt {
		return ErrConditionFailed
	}
	cur.Status = StatusFailed
	cur.ErrorMessage = message
	ca := completedAt
	cur.CompletedAt = &ca
	return nil
}

func (s *MemoryStore) Reclaim(ctx context.Context, requestID string, observedStartedAt, newStartedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.live(requestID)
	if cur == nil || cur.Status != StatusProcessing || cur.ProcessingStartedAt != observedStartedAt {
		return ErrConditionFailed
	}
	cur.ProcessingStartedAt = newStartedAt
	cur.Attempts++
	return nil
}

func (s *MemoryStore) ReplaceFailed(ctx context.Context, rec *Record, observedStartedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.live(rec.RequestID)
	if cur == nil || cur.Status != StatusFailed || cur.ProcessingStartedAt != observedStartedAt {
		return ErrConditionFailed
	}
	s.records[rec.RequestID] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, requestID)
	return nil
}

// Sweep removes every record whose TTL has passed as of now and returns
// how many were dropped.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for id, rec := range s.records {
		if expired(rec, now) {
			delete(s.records, id)
			dropped++
		}
	}
	return dropped
}

// live returns the stored record for requestID, dropping it first if its
// TTL has passed. Callers must hold s.mu.
func (s *MemoryStore) live(requestID string) *Record {
	cur, ok := s.records[requestID]
	if !ok {
		return nil
	}
	if expired(cur, s.nowFunc()) {
		delete(s.records, requestID)
		return nil
	}
	return cur
}

func expired(rec *Record, now time.Time) bool {
	return rec.ExpiresAt > 0 && now.Unix() >= rec.ExpiresAt
}

func cloneRecord(rec *Record) *Record {
	cp := *rec
	if rec.CompletedAt != nil {
		ca := *rec.CompletedAt
		cp.CompletedAt = &ca
	}
	return &cp
}
