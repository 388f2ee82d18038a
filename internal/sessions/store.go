package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EdoardoMongardi/NYU-Buddy-APP-sub001/internal/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrOwnerActive reports that the owner's active marker already exists.
var ErrOwnerActive = errors.New("owner already holds an active session")

// ErrStatusMismatch reports a conditional status transition that found the
// session in a different state.
var ErrStatusMismatch = errors.New("status mismatch/conditional failed")

// Store encapsulates operations on the sessions table. Session rows and
// per-owner active markers share the table, distinguished by key shape.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new sessions Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// CreateWithActiveMarker atomically persists the session row and claims the
// owner's active marker. The marker put is conditioned on
// attribute_not_exists(session_id), so an owner with a live session cancels
// the whole transaction and surfaces as ErrOwnerActive.
func (s *Store) CreateWithActiveMarker(ctx context.Context, sess Session) error {
	now := s.nowFunc()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	sessMap, err := attributevalue.MarshalMap(sess)
	if err != nil {
		return fmt.Errorf("marshal session item: %w", err)
	}

	marker := activeMarker{
		Key:              markerKey(sess.OwnerID),
		OwnerID:          sess.OwnerID,
		CurrentSessionID: sess.SessionID,
		CreatedAt:        now,
	}
	markerMap, err := attributevalue.MarshalMap(marker)
	if err != nil {
		return fmt.Errorf("marshal marker item: %w", err)
	}

	transactItems := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           &s.tableName,
				Item:                sessMap,
				ConditionExpression: awsString("attribute_not_exists(session_id)"),
			},
		},
		{
			Put: &types.Put{
				TableName:           &s.tableName,
				Item:                markerMap,
				ConditionExpression: awsString("attribute_not_exists(session_id)"),
			},
		},
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: transactItems,
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			// index 1 is the marker put; its condition failing means the
			// owner already holds a session
			for i, reason := range tce.CancellationReasons {
				if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" && i == 1 {
					return ErrOwnerActive
				}
			}
			return fmt.Errorf("transaction canceled: %w", err)
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// Get fetches a session by session_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"session_id": &types.AttributeValueMemberS{Value: sessionID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var sess Session
	if err := attributevalue.UnmarshalMap(out.Item, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// ActiveSessionID returns the session currently holding the owner's active
// marker, or "" when the owner has none.
func (s *Store) ActiveSessionID(ctx context.Context, ownerID string) (string, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"session_id": &types.AttributeValueMemberS{Value: markerKey(ownerID)},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return "", fmt.Errorf("get marker: %w", err)
	}
	if len(out.Item) == 0 {
		return "", nil
	}
	var marker activeMarker
	if err := attributevalue.UnmarshalMap(out.Item, &marker); err != nil {
		return "", fmt.Errorf("unmarshal marker: %w", err)
	}
	return marker.CurrentSessionID, nil
}

// UpdateStatus conditionally updates the session status from expected -> newStatus.
// Returns nil on success, ErrStatusMismatch if the condition failed.
func (s *Store) UpdateStatus(ctx context.Context, sessionID, expectedStatus, newStatus string) error {
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"session_id": &types.AttributeValueMemberS{Value: sessionID},
		},
		UpdateExpression:         awsString("SET #s = :new, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: newStatus},
			":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			":expected": &types.AttributeValueMemberS{Value: expectedStatus},
		},
		ConditionExpression: awsString("#s = :expected"),
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// TransitionWithMarkerRelease atomically moves the session from
// expectedStatus to newStatus and releases the owner's active marker. The
// marker delete tolerates a missing or repointed marker, so repeated ends
// stay safe.
func (s *Store) TransitionWithMarkerRelease(ctx context.Context, sessionID, ownerID, expectedStatus, newStatus string, endedAt time.Time) error {
	transactItems := []types.TransactWriteItem{
		{
			Update: &types.Update{
				TableName: &s.tableName,
				Key: map[string]types.AttributeValue{
					"session_id": &types.AttributeValueMemberS{Value: sessionID},
				},
				UpdateExpression:         awsString("SET #s = :new, updated_at = :ua, ended_at = :ea"),
				ExpressionAttributeNames: map[string]string{"#s": "status"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":new":      &types.AttributeValueMemberS{Value: newStatus},
					":ua":       &types.AttributeValueMemberS{Value: endedAt.Format(time.RFC3339)},
					":ea":       &types.AttributeValueMemberS{Value: endedAt.Format(time.RFC3339)},
					":expected": &types.AttributeValueMemberS{Value: expectedStatus},
				},
				ConditionExpression: awsString("#s = :expected"),
			},
		},
		{
			Delete: &types.Delete{
				TableName: &s.tableName,
				Key: map[string]types.AttributeValue{
					"session_id": &types.AttributeValueMemberS{Value: markerKey(ownerID)},
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":sid": &types.AttributeValueMemberS{Value: sessionID},
				},
				ConditionExpression: awsString("attribute_not_exists(session_id) OR current_session_id = :sid"),
			},
		},
	}

	_, err := s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: transactItems,
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// DeleteWithMarkerRelease removes a session row and its marker claim in one
// transaction. Used to unwind a session whose start event never made it out.
func (s *Store) DeleteWithMarkerRelease(ctx context.Context, sessionID, ownerID string) error {
	transactItems := []types.TransactWriteItem{
		{
			Delete: &types.Delete{
				TableName: &s.tableName,
				Key: map[string]types.AttributeValue{
					"session_id": &types.AttributeValueMemberS{Value: sessionID},
				},
			},
		},
		{
			Delete: &types.Delete{
				TableName: &s.tableName,
				Key: map[string]types.AttributeValue{
					"session_id": &types.AttributeValueMemberS{Value: markerKey(ownerID)},
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":sid": &types.AttributeValueMemberS{Value: sessionID},
				},
				ConditionExpression: awsString("attribute_not_exists(session_id) OR current_session_id = :sid"),
			},
		},
	}

	_, err := s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: transactItems,
	})
	if err != nil {
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
