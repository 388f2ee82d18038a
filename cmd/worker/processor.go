package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-lambda-go/events"

	"github.com/EdoardoMongardi/NYU-Buddy-APP-sub001/internal/aws"
	"github.com/EdoardoMongardi/NYU-Buddy-APP-sub001/internal/sessions"
)

// Processor consumes session events from SQS and drives the session
// lifecycle transitions they request.
type Processor struct {
	sessions *sessions.Service
}

// NewProcessor creates a worker processor with AWS clients injected.
func NewProcessor(clients *aws.AWSClients, sessionsTable string) *Processor {
	store := sessions.NewStore(clients.DynamoDB, sessionsTable)
	return &Processor{
		sessions: sessions.NewService(store, nil, nil),
	}
}

// Handle receives an SQS batch event and processes each message.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) error {
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			// Return error: Lambda will retry. If failed too many times, message goes to DLQ.
			log.Printf("worker error: %v", err)
			return err
		}
	}
	return nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var ev sessions.Event
	if err := json.Unmarshal([]byte(rec.Body), &ev); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}

	log.Printf("[worker] received type=%s session=%s", ev.Type, ev.SessionID)

	switch ev.Type {
	case sessions.EventSessionStarted:
		return p.activate(ctx, ev.SessionID)
	case sessions.EventSessionExpire:
		return p.expire(ctx, ev.SessionID)
	case sessions.EventSessionEnded:
		// nothing to transition; the API already ended it
		log.Printf("[worker] session ended session=%s", ev.SessionID)
		return nil
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

func (p *Processor) activate(ctx context.Context, sessionID string) error {
	err := p.sessions.Activate(ctx, sessionID)
	if errors.Is(err, sessions.ErrStatusMismatch) {
		// Competing worker or out-of-order delivery:
		// If already ACTIVE -> duplicate delivery, swallow.
		// If already ENDED/EXPIRED -> finished before activation arrived, swallow.
		sess, getErr := p.sessions.Get(ctx, sessionID)
		if getErr != nil {
			return fmt.Errorf("inspect session %s: %w", sessionID, getErr)
		}
		switch sess.Status {
		case sessions.StatusActive:
			log.Printf("[worker] duplicate activation for session=%s", sessionID)
			return nil
		case sessions.StatusEnded, sessions.StatusExpired:
			log.Printf("[worker] session=%s already %s, skipping activation", sessionID, sess.Status)
			return nil
		default:
			return fmt.Errorf("unexpected status for session=%s: %s", sessionID, sess.Status)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to activate session %s: %w", sessionID, err)
	}

	log.Printf("[worker] activated session=%s", sessionID)
	return nil
}

func (p *Processor) expire(ctx context.Context, sessionID string) error {
	sess, err := p.sessions.Expire(ctx, sessionID)
	if errors.Is(err, sessions.ErrNotFound) {
		log.Printf("[worker] expire for unknown session=%s, skipping", sessionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to expire session %s: %w", sessionID, err)
	}

	log.Printf("[worker] session=%s now %s", sessionID, sess.Status)
	return nil
}
