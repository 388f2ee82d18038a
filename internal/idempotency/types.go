package idempotency

import "time"

// Status values for idempotency records
const (
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Record is the shape persisted in the idempotency DynamoDB table.
// ProcessingStartedAt doubles as the fencing token for reclaim and
// completion writes, so it is stored as unix milliseconds to make
// conditional equality checks exact.
type Record struct {
	RequestID           string     `dynamodbav:"request_id"` // PK
	OwnerID             string     `dynamodbav:"owner_id"`
	Operation           string     `dynamodbav:"operation"`
	ParamsFingerprint   string     `dynamodbav:"params_fingerprint"`
	Status              string     `dynamodbav:"status"` // PROCESSING | COMPLETED | FAILED
	Attempts            int        `dynamodbav:"attempts"`
	CreatedAt           time.Time  `dynamodbav:"created_at"`
	ProcessingStartedAt int64      `dynamodbav:"processing_started_at"` // unix millis
	CompletedAt         *time.Time `dynamodbav:"completed_at,omitempty"`
	ExpiresAt           int64      `dynamodbav:"expires_at"`              // TTL epoch seconds
	Result              string     `dynamodbav:"result,omitempty"`        // small result documents only
	ErrorMessage        string     `dynamodbav:"error_message,omitempty"` // set when status is FAILED
}

// StartedAt returns ProcessingStartedAt as a time.Time.
func (r *Record) StartedAt() time.Time {
	return time.UnixMilli(r.ProcessingStartedAt)
}
