package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	awsDynamo "github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/EdoardoMongardi/NYU-Buddy-APP-sub001/internal/aws"
	"github.com/EdoardoMongardi/NYU-Buddy-APP-sub001/internal/sessions"
)

// --- mock implementations ---

type mockDynamo struct {
	tables map[string]map[string]map[string]types.AttributeValue
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{
		tables: map[string]map[string]map[string]types.AttributeValue{
			"sessions": {},
		},
	}
}

func itemKey(attrs map[string]types.AttributeValue) (string, error) {
	if v, ok := attrs["session_id"]; ok {
		return v.(*types.AttributeValueMemberS).Value, nil
	}
	return "", errors.New("no session_id attribute")
}

func (m *mockDynamo) PutItem(ctx context.Context, in *awsDynamo.PutItemInput, optFns ...func(*awsDynamo.Options)) (*awsDynamo.PutItemOutput, error) {
	k, err := itemKey(in.Item)
	if err != nil {
		return nil, err
	}
	m.tables[*in.TableName][k] = in.Item
	return &awsDynamo.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, in *awsDynamo.GetItemInput, optFns ...func(*awsDynamo.Options)) (*awsDynamo.GetItemOutput, error) {
	k, err := itemKey(in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.tables[*in.TableName][k]
	if !ok {
		return &awsDynamo.GetItemOutput{}, nil
	}
	return &awsDynamo.GetItemOutput{Item: item}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, in *awsDynamo.UpdateItemInput, optFns ...func(*awsDynamo.Options)) (*awsDynamo.UpdateItemOutput, error) {
	k, err := itemKey(in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.tables[*in.TableName][k]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{}
	}
	if in.ConditionExpression != nil && *in.ConditionExpression == "#s = :expected" {
		curr, ok := item["status"].(*types.AttributeValueMemberS)
		expected := in.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberS).Value
		if !ok || curr.Value != expected {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	item["status"] = in.ExpressionAttributeValues[":new"]
	return &awsDynamo.UpdateItemOutput{}, nil
}

func (m *mockDynamo) DeleteItem(ctx context.Context, in *awsDynamo.DeleteItemInput, optFns ...func(*awsDynamo.Options)) (*awsDynamo.DeleteItemOutput, error) {
	k, err := itemKey(in.Key)
	if err != nil {
		return nil, err
	}
	delete(m.tables[*in.TableName], k)
	return &awsDynamo.DeleteItemOutput{}, nil
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, in *awsDynamo.TransactWriteItemsInput, optFns ...func(*awsDynamo.Options)) (*awsDynamo.TransactWriteItemsOutput, error) {
	// verify conditions, then apply; enough fidelity for transition tests
	for _, it := range in.TransactItems {
		if u := it.Update; u != nil && u.ConditionExpression != nil && *u.ConditionExpression == "#s = :expected" {
			k, err := itemKey(u.Key)
			if err != nil {
				return nil, err
			}
			item, ok := m.tables[*u.TableName][k]
			if !ok {
				return nil, &types.TransactionCanceledException{}
			}
			curr, sok := item["status"].(*types.AttributeValueMemberS)
			expected := u.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberS).Value
			if !sok || curr.Value != expected {
				return nil, &types.TransactionCanceledException{}
			}
		}
	}
	for _, it := range in.TransactItems {
		switch {
		case it.Update != nil:
			k, err := itemKey(it.Update.Key)
			if err != nil {
				return nil, err
			}
			item := m.tables[*it.Update.TableName][k]
			if v, ok := it.Update.ExpressionAttributeValues[":new"]; ok {
				item["status"] = v
			}
			if v, ok := it.Update.ExpressionAttributeValues[":ea"]; ok {
				item["ended_at"] = v
			}
		case it.Delete != nil:
			k, err := itemKey(it.Delete.Key)
			if err != nil {
				return nil, err
			}
			delete(m.tables[*it.Delete.TableName], k)
		case it.Put != nil:
			k, err := itemKey(it.Put.Item)
			if err != nil {
				return nil, err
			}
			m.tables[*it.Put.TableName][k] = it.Put.Item
		}
	}
	return &awsDynamo.TransactWriteItemsOutput{}, nil
}

// --- test helpers ---

func seedSession(m *mockDynamo, id, owner, status string) {
	sess := sessions.Session{
		SessionID:       id,
		OwnerID:         owner,
		Activity:        "Coffee",
		DurationMinutes: 30,
		Location:        "Bobst Library",
		Status:          status,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	item, _ := attributevalue.MarshalMap(sess)
	m.tables["sessions"][id] = item
}

func seedMarker(m *mockDynamo, owner, sessionID string) {
	m.tables["sessions"]["active#"+owner] = map[string]types.AttributeValue{
		"session_id":         &types.AttributeValueMemberS{Value: "active#" + owner},
		"owner_id":           &types.AttributeValueMemberS{Value: owner},
		"current_session_id": &types.AttributeValueMemberS{Value: sessionID},
	}
}

func sqsEvent(t *testing.T, ev sessions.Event) events.SQSEvent {
	t.Helper()
	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return events.SQSEvent{
		Records: []events.SQSMessage{
			{Body: string(body)},
		},
	}
}

func statusOf(t *testing.T, m *mockDynamo, id string) string {
	t.Helper()
	item, ok := m.tables["sessions"][id]
	if !ok {
		t.Fatalf("session %s not in table", id)
	}
	s, ok := item["status"].(*types.AttributeValueMemberS)
	if !ok {
		t.Fatalf("session %s has no status", id)
	}
	return s.Value
}

// --- test cases ---

func TestWorkerActivate_Success(t *testing.T) {
	mock := newMockDynamo()
	seedSession(mock, "s1", "u1", sessions.StatusPending)

	p := NewProcessor(&aws.AWSClients{DynamoDB: mock}, "sessions")

	err := p.Handle(context.Background(), sqsEvent(t, sessions.Event{
		Type:      sessions.EventSessionStarted,
		SessionID: "s1",
	}))
	if err != nil {
		t.Fatalf("unexpected worker error: %v", err)
	}
	if got := statusOf(t, mock, "s1"); got != sessions.StatusActive {
		t.Fatalf("status = %s, want ACTIVE", got)
	}
}

func TestWorkerActivate_DuplicateSwallowed(t *testing.T) {
	mock := newMockDynamo()
	seedSession(mock, "s1", "u1", sessions.StatusActive)

	p := NewProcessor(&aws.AWSClients{DynamoDB: mock}, "sessions")

	err := p.Handle(context.Background(), sqsEvent(t, sessions.Event{
		Type:      sessions.EventSessionStarted,
		SessionID: "s1",
	}))
	if err != nil {
		t.Fatalf("duplicate delivery should be swallowed, got: %v", err)
	}
}

func TestWorkerActivate_AfterEndSkipped(t *testing.T) {
	mock := newMockDynamo()
	seedSession(mock, "s1", "u1", sessions.StatusEnded)

	p := NewProcessor(&aws.AWSClients{DynamoDB: mock}, "sessions")

	err := p.Handle(context.Background(), sqsEvent(t, sessions.Event{
		Type:      sessions.EventSessionStarted,
		SessionID: "s1",
	}))
	if err != nil {
		t.Fatalf("late activation should be swallowed, got: %v", err)
	}
	if got := statusOf(t, mock, "s1"); got != sessions.StatusEnded {
		t.Fatalf("status = %s, want ENDED", got)
	}
}

func TestWorkerExpire(t *testing.T) {
	mock := newMockDynamo()
	seedSession(mock, "s1", "u1", sessions.StatusActive)
	seedMarker(mock, "u1", "s1")

	p := NewProcessor(&aws.AWSClients{DynamoDB: mock}, "sessions")

	ev := sqsEvent(t, sessions.Event{Type: sessions.EventSessionExpire, SessionID: "s1"})
	if err := p.Handle(context.Background(), ev); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if got := statusOf(t, mock, "s1"); got != sessions.StatusExpired {
		t.Fatalf("status = %s, want EXPIRED", got)
	}
	if _, ok := mock.tables["sessions"]["active#u1"]; ok {
		t.Fatalf("active marker not released")
	}

	// duplicate expire is a no-op
	if err := p.Handle(context.Background(), ev); err != nil {
		t.Fatalf("second expire: %v", err)
	}

	// expire for a vanished session is skipped, not retried forever
	gone := sqsEvent(t, sessions.Event{Type: sessions.EventSessionExpire, SessionID: "nope"})
	if err := p.Handle(context.Background(), gone); err != nil {
		t.Fatalf("expire of unknown session: %v", err)
	}
}

func TestWorkerRejectsBadMessages(t *testing.T) {
	mock := newMockDynamo()
	p := NewProcessor(&aws.AWSClients{DynamoDB: mock}, "sessions")

	bad := events.SQSEvent{Records: []events.SQSMessage{{Body: "{not json"}}}
	if err := p.Handle(context.Background(), bad); err == nil {
		t.Fatal("expected error for malformed body")
	}

	unknown := sqsEvent(t, sessions.Event{Type: "session.unknown", SessionID: "s1"})
	if err := p.Handle(context.Background(), unknown); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}
