package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/botbazaar/tokenledger/internal/outbox"
	"github.com/botbazaar/tokenledger/internal/payment"
)

// PaymentStore implements payment.Store using GORM.
type PaymentStore struct {
	db *gorm.DB
}

// NewPaymentStore returns a PaymentStore backed by gorm.DB.
func NewPaymentStore(db *gorm.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *PaymentStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore payment.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &PaymentStore{db: transaction})
	})
}

func (store *PaymentStore) CreatePayment(ctx context.Context, row payment.Payment) (payment.Payment, error) {
	model := Payment{
		TransactionID:   row.TransactionID,
		UserID:          row.UserID,
		AutomationID:    row.AutomationID,
		Tokens:          row.Tokens,
		AmountIRR:       row.AmountIRR,
		AmountBeforeIRR: row.AmountBeforeIRR,
		DiscountCode:    row.DiscountCode,
		Status:          string(row.Status),
		Authority:       row.Authority,
		ReturnPath:      row.ReturnPath,
		CreatedAt:       unixToTime(row.CreatedUnixUTC),
		UpdatedAt:       unixToTime(row.UpdatedUnixUTC),
	}
	if row.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
		model.UpdatedAt = model.CreatedAt
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return payment.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeCreate, err)
	}
	return mapPayment(model), nil
}

func (store *PaymentStore) GetPayment(ctx context.Context, paymentID string) (payment.Payment, error) {
	return store.getPayment(ctx, paymentID, false)
}

func (store *PaymentStore) GetPaymentForUpdate(ctx context.Context, paymentID string) (payment.Payment, error) {
	return store.getPayment(ctx, paymentID, true)
}

func (store *PaymentStore) getPayment(ctx context.Context, paymentID string, forUpdate bool) (payment.Payment, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Payment
	err := query.Where("id = ?", paymentID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return payment.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, payment.ErrPaymentNotFound)
		}
		return payment.Payment{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	return mapPayment(model), nil
}

func (store *PaymentStore) SetAuthority(ctx context.Context, paymentID string, authority string) error {
	result := store.db.WithContext(ctx).
		Model(&Payment{}).
		Where("id = ?", paymentID).
		Updates(map[string]interface{}{
			"authority":  authority,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPayment, errorCodeUpdate, payment.ErrPaymentNotFound)
	}
	return nil
}

// MarkTerminal transitions a pending payment to a terminal status. The status
// guard in the WHERE clause is what makes concurrent settlers safe: the loser
// matches zero rows and reports false.
func (store *PaymentStore) MarkTerminal(ctx context.Context, paymentID string, terminal payment.Status, refID string, failureReason string, atUnixUTC int64) (bool, error) {
	at := unixToTime(atUnixUTC)
	result := store.db.WithContext(ctx).
		Model(&Payment{}).
		Where("id = ? AND status = ?", paymentID, string(payment.StatusPending)).
		Updates(map[string]interface{}{
			"status":         string(terminal),
			"ref_id":         refID,
			"failure_reason": failureReason,
			"updated_at":     at,
			"completed_at":   at,
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectPayment, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *PaymentStore) ListPaymentsByUser(ctx context.Context, userID string, limit int) ([]payment.Payment, error) {
	var rows []Payment
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPayment, errorCodeList, err)
	}
	payments := make([]payment.Payment, 0, len(rows))
	for _, row := range rows {
		payments = append(payments, mapPayment(row))
	}
	return payments, nil
}

func (store *PaymentStore) ListStalePending(ctx context.Context, beforeUnixUTC int64, limit int) ([]payment.Payment, error) {
	var rows []Payment
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(payment.StatusPending), unixToTime(beforeUnixUTC)).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPayment, errorCodeList, err)
	}
	payments := make([]payment.Payment, 0, len(rows))
	for _, row := range rows {
		payments = append(payments, mapPayment(row))
	}
	return payments, nil
}

func (store *PaymentStore) EnqueueEvent(ctx context.Context, event outbox.Event) error {
	status := string(event.Status)
	if status == "" {
		status = string(outbox.StatusPending)
	}
	model := OutboxEvent{
		AggregateID: event.AggregateID,
		EventType:   event.EventType,
		Topic:       event.Topic,
		Payload:     datatypesJSON(string(event.Payload)),
		Status:      status,
		Attempts:    event.Attempts,
		CreatedAt:   unixToTime(event.CreatedUnixUTC),
	}
	if event.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectOutbox, errorCodeEnqueue, err)
	}
	return nil
}

func mapPayment(row Payment) payment.Payment {
	return payment.Payment{
		ID:               row.ID,
		TransactionID:    row.TransactionID,
		UserID:           row.UserID,
		AutomationID:     row.AutomationID,
		Tokens:           row.Tokens,
		AmountIRR:        row.AmountIRR,
		AmountBeforeIRR:  row.AmountBeforeIRR,
		DiscountCode:     row.DiscountCode,
		Status:           payment.Status(row.Status),
		Authority:        row.Authority,
		RefID:            row.RefID,
		FailureReason:    row.FailureReason,
		ReturnPath:       row.ReturnPath,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
		UpdatedUnixUTC:   row.UpdatedAt.Unix(),
		CompletedUnixUTC: timeOrZero(row.CompletedAt),
	}
}
