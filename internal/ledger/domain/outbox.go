package domain

import (
	"fmt"
	"time"
)

// OutboxStatus is the lifecycle state of a staged event record.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxPublished  OutboxStatus = "PUBLISHED"
	OutboxFailed     OutboxStatus = "FAILED"
)

// maxLastErrorBytes bounds the last_error column to 2000 bytes.
const maxLastErrorBytes = 2000

// OutboxRecord is a staged event awaiting publication via the event bus.
// Inserted only inside the same atomic unit as its parent Transaction.
type OutboxRecord struct {
	ID              OutboxID
	AggregateID     string // the transaction id, used as the bus partition key
	AggregateType   string
	EventType       string
	Payload         []byte // opaque; C4 never re-parses this
	Topic           string
	Status          OutboxStatus
	RetryCount      int
	MaxRetries      int
	NextRetryAt     *time.Time
	ClaimedAt       *time.Time
	PublishedAt     *time.Time
	LastError       string
	CreatedAt       time.Time
}

// AggregateTypeTransaction is the only aggregate type this repository
// stages events for.
const AggregateTypeTransaction = "TRANSACTION"

// EventTypeTransactionCreated is the sole event type emitted by the
// transfer engine today.
const EventTypeTransactionCreated = "TRANSACTION_CREATED"

// NewTransactionOutboxRecord builds the single outbox row staged by the
// transfer engine in the same atomic unit as a POSTED transaction.
func NewTransactionOutboxRecord(txID TransactionID, topic string, payload []byte, maxRetries int) OutboxRecord {
	return OutboxRecord{
		ID:            NewOutboxID(),
		AggregateID:   txID.String(),
		AggregateType: AggregateTypeTransaction,
		EventType:     EventTypeTransactionCreated,
		Payload:       payload,
		Topic:         topic,
		Status:        OutboxPending,
		RetryCount:    0,
		MaxRetries:    maxRetries,
	}
}

// truncateError clamps an error message to the last_error column's
// maximum width.
func truncateError(msg string) string {
	if len(msg) <= maxLastErrorBytes {
		return msg
	}
	return msg[:maxLastErrorBytes]
}

// TransactionCreatedPayload is the stable, additive-only wire shape
// published for every POSTED transfer. Field names, types, and ordering
// are part of the compatibility contract.
type TransactionCreatedPayload struct {
	TransactionID  string `json:"transactionId"`
	IdempotencyKey string `json:"idempotencyKey"`
	FromAccountID  string `json:"fromAccountId"`
	ToAccountID    string `json:"toAccountId"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	BookedAt       string `json:"bookedAt"`
}

// FormatLastError truncates an error's message for storage, exported so
// the publisher and the in-memory store share the rule.
func FormatLastError(err error) string {
	if err == nil {
		return ""
	}
	return truncateError(fmt.Sprintf("%v", err))
}
