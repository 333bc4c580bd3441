package gormstore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/botbazaar/tokenledger/internal/outbox"
)

// OutboxStore implements outbox.Store using GORM. Inserts go through the
// aggregate stores so they share the aggregate's transaction; this type only
// serves the relay side.
type OutboxStore struct {
	db *gorm.DB
}

// NewOutboxStore returns an OutboxStore backed by gorm.DB.
func NewOutboxStore(db *gorm.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

func (store *OutboxStore) ListPending(ctx context.Context, limit int) ([]outbox.Event, error) {
	var rows []OutboxEvent
	err := store.db.WithContext(ctx).
		Where("status = ?", string(outbox.StatusPending)).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectOutbox, errorCodeList, err)
	}
	events := make([]outbox.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, mapOutboxEvent(row))
	}
	return events, nil
}

func (store *OutboxStore) MarkPublished(ctx context.Context, eventID string) error {
	now := time.Now().UTC()
	result := store.db.WithContext(ctx).
		Model(&OutboxEvent{}).
		Where("id = ? AND status = ?", eventID, string(outbox.StatusPending)).
		Updates(map[string]interface{}{
			"status":       string(outbox.StatusPublished),
			"published_at": now,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectOutbox, errorCodeUpdate, result.Error)
	}
	return nil
}

func (store *OutboxStore) MarkFailed(ctx context.Context, eventID string, lastError string) error {
	result := store.db.WithContext(ctx).
		Model(&OutboxEvent{}).
		Where("id = ? AND status = ?", eventID, string(outbox.StatusPending)).
		Updates(map[string]interface{}{
			"status":     string(outbox.StatusFailed),
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": lastError,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectOutbox, errorCodeUpdate, result.Error)
	}
	return nil
}

func (store *OutboxStore) IncrementAttempt(ctx context.Context, eventID string, lastError string) error {
	result := store.db.WithContext(ctx).
		Model(&OutboxEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": lastError,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectOutbox, errorCodeUpdate, result.Error)
	}
	return nil
}

func mapOutboxEvent(row OutboxEvent) outbox.Event {
	return outbox.Event{
		ID:               row.ID,
		AggregateID:      row.AggregateID,
		EventType:        row.EventType,
		Topic:            row.Topic,
		Payload:          []byte(row.Payload),
		Status:           outbox.Status(row.Status),
		Attempts:         row.Attempts,
		LastError:        row.LastError,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
		PublishedUnixUTC: timeOrZero(row.PublishedAt),
	}
}
