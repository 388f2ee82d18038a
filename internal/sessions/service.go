package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound reports a session id with no stored row.
var ErrNotFound = errors.New("session not found")

// ErrNotOwner reports a caller acting on somebody else's session.
var ErrNotOwner = errors.New("session does not belong to caller")

// EventPublisher pushes session events onto the worker queue.
type EventPublisher interface {
	SendSessionEvent(ctx context.Context, messageBody string, attributes map[string]string) error
}

// StartParams carries the validated inputs for starting a session.
type StartParams struct {
	Activity        string
	DurationMinutes int
	Location        string
}

// StartResult is the minimal projection returned to clients and replayed to
// duplicate requests.
type StartResult struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// Service implements session lifecycle operations on top of Store.
type Service struct {
	store     *Store
	publisher EventPublisher
	logger    *slog.Logger
	nowFunc   func() time.Time
	newID     func() string
}

// NewService creates a Service. publisher may be nil when no queue is wired;
// events are then dropped with a warning.
func NewService(store *Store, publisher EventPublisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger,
		nowFunc:   time.Now,
		newID:     uuid.NewString,
	}
}

// Start creates a PENDING session for the owner and claims their active
// marker. An owner holding a live session surfaces as *ConflictError. The
// session row is unwound if the start event cannot be published.
func (s *Service) Start(ctx context.Context, ownerID string, p StartParams) (*StartResult, error) {
	now := s.nowFunc()
	sess := Session{
		SessionID:       s.newID(),
		OwnerID:         ownerID,
		Activity:        p.Activity,
		DurationMinutes: p.DurationMinutes,
		Location:        p.Location,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.store.CreateWithActiveMarker(ctx, sess)
	if errors.Is(err, ErrOwnerActive) {
		existing, lookupErr := s.store.ActiveSessionID(ctx, ownerID)
		if lookupErr != nil {
			s.logger.Warn("active marker lookup failed", "owner_id", ownerID, "error", lookupErr)
		}
		return nil, &ConflictError{OwnerID: ownerID, ExistingSessionID: existing}
	}
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	if err := s.publish(ctx, Event{
		Type:      EventSessionStarted,
		SessionID: sess.SessionID,
		OwnerID:   ownerID,
	}); err != nil {
		if delErr := s.store.DeleteWithMarkerRelease(ctx, sess.SessionID, ownerID); delErr != nil {
			s.logger.Error("unwind after publish failure failed", "session_id", sess.SessionID, "error", delErr)
		}
		return nil, fmt.Errorf("publish start event: %w", err)
	}

	return &StartResult{SessionID: sess.SessionID, Status: sess.Status}, nil
}

// Get returns the stored session or ErrNotFound.
func (s *Service) Get(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	return sess, nil
}

// End transitions the caller's session to ENDED and releases the active
// marker. Ending an already terminal session is a no-op returning the stored
// row.
func (s *Service) End(ctx context.Context, sessionID, ownerID string) (*Session, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	return s.finish(ctx, sess, StatusEnded, EventSessionEnded)
}

// Expire transitions a session to EXPIRED once its window has lapsed. The
// worker drives this off session.expire events.
func (s *Service) Expire(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, sess, StatusExpired, "")
}

// Activate moves a PENDING session to ACTIVE. A session already past PENDING
// returns ErrStatusMismatch.
func (s *Service) Activate(ctx context.Context, sessionID string) error {
	return s.store.UpdateStatus(ctx, sessionID, StatusPending, StatusActive)
}

func (s *Service) finish(ctx context.Context, sess *Session, newStatus, eventType string) (*Session, error) {
	if sess.Status == StatusEnded || sess.Status == StatusExpired {
		return sess, nil
	}

	now := s.nowFunc()
	err := s.store.TransitionWithMarkerRelease(ctx, sess.SessionID, sess.OwnerID, sess.Status, newStatus, now)
	if errors.Is(err, ErrStatusMismatch) {
		// lost a race against another transition; report whatever won
		current, getErr := s.Get(ctx, sess.SessionID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == StatusEnded || current.Status == StatusExpired {
			return current, nil
		}
		return nil, fmt.Errorf("session %s moved to %s during transition: %w", sess.SessionID, current.Status, ErrStatusMismatch)
	}
	if err != nil {
		return nil, err
	}

	sess.Status = newStatus
	sess.UpdatedAt = now
	ended := now
	sess.EndedAt = &ended

	if eventType != "" {
		if err := s.publish(ctx, Event{Type: eventType, SessionID: sess.SessionID, OwnerID: sess.OwnerID}); err != nil {
			s.logger.Warn("session event publish failed", "type", eventType, "session_id", sess.SessionID, "error", err)
		}
	}
	return sess, nil
}

func (s *Service) publish(ctx context.Context, ev Event) error {
	if s.publisher == nil {
		s.logger.Warn("no event publisher wired, dropping event", "type", ev.Type, "session_id", ev.SessionID)
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.publisher.SendSessionEvent(ctx, string(body), map[string]string{
		"eventType":  ev.Type,
		"session_id": ev.SessionID,
	})
}
