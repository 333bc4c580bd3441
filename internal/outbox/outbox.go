package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event types emitted by the settlement flow.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventPaymentCanceled  = "payment.canceled"
	EventCreditFailed     = "ledger.credit_failed"
)

// Topics, one per event family.
const (
	TopicPayments = "tokenledger.payments"
	TopicAlerts   = "tokenledger.alerts"
)

// Status is the outbox row lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// ErrInvalidEvent rejects malformed events before they reach the table.
var ErrInvalidEvent = errors.New("invalid outbox event")

// Event is one row of the transactional outbox. Rows are inserted in the same
// transaction as the state change they describe and relayed asynchronously.
type Event struct {
	ID               string
	AggregateID      string
	EventType        string
	Topic            string
	Payload          []byte
	Status           Status
	Attempts         int
	LastError        string
	CreatedUnixUTC   int64
	PublishedUnixUTC int64
}

// NewEvent marshals the payload and validates the addressing fields.
func NewEvent(aggregateID string, eventType string, topic string, payload any) (Event, error) {
	if strings.TrimSpace(aggregateID) == "" {
		return Event{}, fmt.Errorf("%w: empty aggregate id", ErrInvalidEvent)
	}
	if strings.TrimSpace(eventType) == "" {
		return Event{}, fmt.Errorf("%w: empty event type", ErrInvalidEvent)
	}
	if strings.TrimSpace(topic) == "" {
		return Event{}, fmt.Errorf("%w: empty topic", ErrInvalidEvent)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("%w: payload: %v", ErrInvalidEvent, err)
	}
	return Event{
		AggregateID: aggregateID,
		EventType:   eventType,
		Topic:       topic,
		Payload:     encoded,
		Status:      StatusPending,
	}, nil
}

// Store is the persistence contract used by the relay. Enqueueing happens
// through the owning aggregate's store so it shares that transaction.
type Store interface {
	ListPending(ctx context.Context, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID string, lastError string) error
	IncrementAttempt(ctx context.Context, eventID string, lastError string) error
}

// Publisher delivers events to the broker.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}
