package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/EdoardoMongardi/NYU-Buddy-APP-sub001/internal/aws"
)

// Every fenced write shares this condition: the record must still carry
// the status and start token the caller observed.
const fencedCondition = "#s = :expected AND processing_started_at = :observed"

// DynamoStore implements Store against a DynamoDB table with request_id
// as partition key. All transitions rely on conditional writes, so it is
// safe to share one table between many processes.
type DynamoStore struct {
	client    aws.DynamoDBAPI
	tableName string
}

var _ Store = (*DynamoStore)(nil)

// NewDynamoStore returns a configured DynamoStore.
func NewDynamoStore(client aws.DynamoDBAPI, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
	}
}

// Create inserts rec only when attribute_not_exists(request_id) holds.
func (s *DynamoStore) Create(ctx context.Context, rec *Record) (bool, error) {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}

	input := &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(request_id)"),
	}

	_, err = s.client.PutItem(ctx, input)
	if err != nil {
		// detect conditional check failure
		var sc smithy.APIError
		if errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException" {
			return false, nil
		}
		return false, fmt.Errorf("put item: %w", err)
	}

	return true, nil
}

// Get retrieves a record by request ID. If not found, returns (nil, nil).
func (s *DynamoStore) Get(ctx context.Context, requestID string) (*Record, error) {
	input := &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"request_id": &types.AttributeValueMemberS{Value: requestID},
		},
		ConsistentRead: awsBool(true),
	}
	out, err := s.client.GetItem(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// MarkCompleted sets status to COMPLETED and stores the result document,
// provided the record is still PROCESSING under the observed start token.
func (s *DynamoStore) MarkCompleted(ctx context.Context, requestID string, observedStartedAt int64, result string, completedAt time.Time) error {
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"request_id": &types.AttributeValueMemberS{Value: requestID},
		},
		UpdateExpression: awsString("SET #s = :new, #r = :r, completed_at = :ca"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
			"#r": "result",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: StatusCompleted},
			":r":        &types.AttributeValueMemberS{Value: result},
			":ca":       &types.AttributeValueMemberS{Value: completedAt.UTC().Format(time.RFC3339Nano)},
			":expected": &types.AttributeValueMemberS{Value: StatusProcessing},
			":observed": &types.AttributeValueMemberN{Value: strconv.FormatInt(observedStartedAt, 10)},
		},
		ConditionExpression: awsString(fencedCondition),
		ReturnValues:        types.ReturnValueUpdatedNew,
	}
	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return ErrConditionFailed
		}
		return fmt.Errorf("update item (mark completed): %w", err)
	}
	return nil
}

// MarkFailed sets status to FAILED and stores the error message, under
// the same fence as MarkCompleted.
func (s *DynamoStore) MarkFailed(ctx context.Context, requestID string, observedStartedAt int64, message string, completedAt time.Time) error {
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"request_id": &types.AttributeValueMemberS{Value: requestID},
		},
		UpdateExpression: awsString("SET #s = :new, error_message = :em, completed_at = :ca"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: StatusFailed},
			":em":       &types.AttributeValueMemberS{Value: message},
			":ca":       &types.AttributeValueMemberS{Value: completedAt.UTC().Format(time.RFC3339Nano)},
			":expected": &types.AttributeValueMemberS{Value: StatusProcessing},
			":observed": &types.AttributeValueMemberN{Value: strconv.FormatInt(observedStartedAt, 10)},
		},
		ConditionExpression: awsString(fencedCondition),
		ReturnValues:        types.ReturnValueUpdatedNew,
	}
	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return ErrConditionFailed
		}
		return fmt.Errorf("update item (mark failed): %w", err)
	}
	return nil
}

// Reclaim replaces the start token of a PROCESSING record and increments
// attempts. The condition on the observed token guarantees a single
// winner among concurrent reclaimers.
func (s *DynamoStore) Reclaim(ctx context.Context, requestID string, observedStartedAt, newStartedAt int64) error {
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"request_id": &types.AttributeValueMemberS{Value: requestID},
		},
		UpdateExpression: awsString("SET processing_started_at = :ps, attempts = attempts + :inc"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ps":       &types.AttributeValueMemberN{Value: strconv.FormatInt(newStartedAt, 10)},
			":inc":      &types.AttributeValueMemberN{Value: "1"},
			":expected": &types.AttributeValueMemberS{Value: StatusProcessing},
			":observed": &types.AttributeValueMemberN{Value: strconv.FormatInt(observedStartedAt, 10)},
		},
		ConditionExpression: awsString(fencedCondition),
		ReturnValues:        types.ReturnValueUpdatedNew,
	}
	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return ErrConditionFailed
		}
		return fmt.Errorf("update item (reclaim): %w", err)
	}
	return nil
}

// ReplaceFailed overwrites a FAILED record with a fresh PROCESSING record,
// provided the failed record still carries the observed start token.
func (s *DynamoStore) ReplaceFailed(ctx context.Context, rec *Record, observedStartedAt int64) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	input := &dyn.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberS{Value: StatusFailed},
			":observed": &types.AttributeValueMemberN{Value: strconv.FormatInt(observedStartedAt, 10)},
		},
		ConditionExpression: awsString(fencedCondition),
	}

	_, err = s.client.PutItem(ctx, input)
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return ErrConditionFailed
		}
		return fmt.Errorf("put item (replace failed): %w", err)
	}
	return nil
}

// Delete removes a record unconditionally.
func (s *DynamoStore) Delete(ctx context.Context, requestID string) error {
	input := &dyn.DeleteItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"request_id": &types.AttributeValueMemberS{Value: requestID},
		},
	}
	if _, err := s.client.DeleteItem(ctx, input); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

// Helpers
func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
