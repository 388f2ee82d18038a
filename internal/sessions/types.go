package sessions

import (
	"fmt"
	"time"
)

// Session statuses
const (
	StatusPending = "PENDING"
	StatusActive  = "ACTIVE"
	StatusEnded   = "ENDED"
	StatusExpired = "EXPIRED"
)

// Event types carried on the session events queue.
const (
	EventSessionStarted = "session.started"
	EventSessionEnded   = "session.ended"
	EventSessionExpire  = "session.expire"
)

// Session represents the item stored in the sessions DynamoDB table.
type Session struct {
	SessionID       string     `dynamodbav:"session_id" json:"session_id"` // PK
	OwnerID         string     `dynamodbav:"owner_id" json:"owner_id"`
	Activity        string     `dynamodbav:"activity" json:"activity"`
	DurationMinutes int        `dynamodbav:"duration_minutes" json:"duration_minutes"`
	Location        string     `dynamodbav:"location,omitempty" json:"location,omitempty"`
	Status          string     `dynamodbav:"status" json:"status"` // PENDING | ACTIVE | ENDED | EXPIRED
	CreatedAt       time.Time  `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `dynamodbav:"updated_at" json:"updated_at"`
	EndedAt         *time.Time `dynamodbav:"ended_at,omitempty" json:"ended_at,omitempty"`
}

// activeMarker is the per-owner row enforcing the single live session rule.
// It shares the sessions table; its partition key is "active#<owner_id>".
type activeMarker struct {
	Key              string    `dynamodbav:"session_id"` // PK: "active#<owner_id>"
	OwnerID          string    `dynamodbav:"owner_id"`
	CurrentSessionID string    `dynamodbav:"current_session_id"`
	CreatedAt        time.Time `dynamodbav:"created_at"`
}

func markerKey(ownerID string) string { return "active#" + ownerID }

// Event is the message body published to SQS for the worker.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	OwnerID   string `json:"owner_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ConflictError reports that an owner already holds a live session. It is a
// business-rule conflict and is never retryable.
type ConflictError struct {
	OwnerID           string
	ExistingSessionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("owner %s already has active session %s", e.OwnerID, e.ExistingSessionID)
}

// Fatal marks the conflict as non-retryable.
func (e *ConflictError) Fatal() bool { return true }
