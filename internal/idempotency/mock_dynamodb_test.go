package idempotency

import (
	"context"
	"errors"
	"strconv"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// simpleMock is a small in-memory stand-in for DynamoDB that evaluates
// exactly the condition expressions DynamoStore issues.
// NOTE: This is intentionally minimal and not production-grade.
type simpleMock struct {
	mu          sync.Mutex
	table       map[string]map[string]types.AttributeValue
	putCalls    int
	getCalls    int
	updateCalls int
	deleteCalls int
	condFails   int
}

func newSimpleMock() *simpleMock {
	return &simpleMock{
		table: map[string]map[string]types.AttributeValue{},
	}
}

func itemKey(attrs map[string]types.AttributeValue) (string, error) {
	keyAttr, ok := attrs["request_id"].(*types.AttributeValueMemberS)
	if !ok {
		return "", errors.New("missing request_id")
	}
	return keyAttr.Value, nil
}

// fenceHolds evaluates "#s = :expected AND processing_started_at = :observed"
// against an existing item. A missing item fails the condition, as in
// DynamoDB.
func fenceHolds(item map[string]types.AttributeValue, vals map[string]types.AttributeValue) bool {
	if item == nil {
		return false
	}
	st, ok1 := item["status"].(*types.AttributeValueMemberS)
	expected, ok2 := vals[":expected"].(*types.AttributeValueMemberS)
	ps, ok3 := item["processing_started_at"].(*types.AttributeValueMemberN)
	observed, ok4 := vals[":observed"].(*types.AttributeValueMemberN)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return false
	}
	return st.Value == expected.Value && ps.Value == observed.Value
}

func (m *simpleMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++

	if params.Item == nil {
		return nil, errors.New("nil item")
	}
	k, err := itemKey(params.Item)
	if err != nil {
		return nil, err
	}

	if params.ConditionExpression != nil {
		switch *params.ConditionExpression {
		case "attribute_not_exists(request_id)":
			if _, ok := m.table[k]; ok {
				m.condFails++
				return nil, &types.ConditionalCheckFailedException{}
			}
		case fencedCondition:
			if !fenceHolds(m.table[k], params.ExpressionAttributeValues) {
				m.condFails++
				return nil, &types.ConditionalCheckFailedException{}
			}
		default:
			return nil, errors.New("unsupported condition: " + *params.ConditionExpression)
		}
	}

	m.table[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *simpleMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++

	k, err := itemKey(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.table[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *simpleMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++

	k, err := itemKey(params.Key)
	if err != nil {
		return nil, err
	}
	item := m.table[k]

	if params.ConditionExpression != nil {
		if *params.ConditionExpression != fencedCondition {
			return nil, errors.New("unsupported condition: " + *params.ConditionExpression)
		}
		if !fenceHolds(item, params.ExpressionAttributeValues) {
			m.condFails++
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	if item == nil {
		return nil, errors.New("item not found")
	}

	// naive SET application keyed off the value placeholders the store uses
	vals := params.ExpressionAttributeValues
	if v, ok := vals[":new"]; ok {
		item["status"] = v
	}
	if v, ok := vals[":r"]; ok {
		item["result"] = v
	}
	if v, ok := vals[":em"]; ok {
		item["error_message"] = v
	}
	if v, ok := vals[":ca"]; ok {
		item["completed_at"] = v
	}
	if v, ok := vals[":ps"]; ok {
		item["processing_started_at"] = v
	}
	if v, ok := vals[":inc"]; ok {
		cur, curOK := item["attempts"].(*types.AttributeValueMemberN)
		inc, incOK := v.(*types.AttributeValueMemberN)
		if !curOK || !incOK {
			return nil, errors.New("attempts not a number")
		}
		item["attempts"] = &types.AttributeValueMemberN{Value: addNumbers(cur.Value, inc.Value)}
	}
	m.table[k] = item
	return &dyn.UpdateItemOutput{Attributes: item}, nil
}

func (m *simpleMock) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++

	k, err := itemKey(params.Key)
	if err != nil {
		return nil, err
	}
	delete(m.table, k)
	return &dyn.DeleteItemOutput{}, nil
}

func (m *simpleMock) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	return nil, errors.New("not supported by this mock")
}

func addNumbers(a, b string) string {
	x, _ := strconv.ParseInt(a, 10, 64)
	y, _ := strconv.ParseInt(b, 10, 64)
	return strconv.FormatInt(x+y, 10)
}
