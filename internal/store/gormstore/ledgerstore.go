package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/botbazaar/tokenledger/pkg/ledger"
)

// LedgerStore implements ledger.Store using GORM.
type LedgerStore struct {
	db *gorm.DB
}

// NewLedgerStore returns a LedgerStore backed by gorm.DB.
func NewLedgerStore(db *gorm.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *LedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &LedgerStore{db: transaction})
	})
}

func (store *LedgerStore) GetBalance(ctx context.Context, balanceID string) (ledger.Balance, error) {
	return store.getBalance(ctx, balanceID, false)
}

func (store *LedgerStore) GetBalanceForUpdate(ctx context.Context, balanceID string) (ledger.Balance, error) {
	return store.getBalance(ctx, balanceID, true)
}

func (store *LedgerStore) getBalance(ctx context.Context, balanceID string, forUpdate bool) (ledger.Balance, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Balance
	err := query.Where("id = ?", balanceID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrBalanceNotFound)
		}
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalance(model), nil
}

func (store *LedgerStore) GetOrCreateBalance(ctx context.Context, userID string, automationID string, demoTokens int64) (ledger.Balance, bool, error) {
	var model Balance
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND automation_id = ?", userID, automationID).
		Take(&model).Error
	if err == nil {
		return mapBalance(model), false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Balance{}, false, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return store.createBalance(ctx, userID, automationID, demoTokens)
}

// createBalance is the insert leg of GetOrCreateBalance. A concurrent first
// contact that slipped past the lookup lands on the (user, automation) unique
// index here; that collision surfaces as ErrBalanceExists so the caller rolls
// back and re-reads the winner's row instead of keeping an ID that was never
// stored.
func (store *LedgerStore) createBalance(ctx context.Context, userID string, automationID string, demoTokens int64) (ledger.Balance, bool, error) {
	model := Balance{
		UserID:       userID,
		AutomationID: automationID,
		DemoTokens:   demoTokens,
		DemoActive:   demoTokens > 0,
		Status:       string(ledger.BalanceStatusActive),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintBalanceUserAutomation) {
		return ledger.Balance{}, false, wrapStoreError(errorSubjectBalance, errorCodeDuplicate, ledger.ErrBalanceExists)
	}
	if err != nil {
		return ledger.Balance{}, false, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	return mapBalance(model), true, nil
}

func (store *LedgerStore) UpdateBalanceCounters(ctx context.Context, balance ledger.Balance) error {
	result := store.db.WithContext(ctx).
		Model(&Balance{}).
		Where("id = ?", balance.ID).
		Updates(map[string]interface{}{
			"demo_tokens":  balance.DemoTokens,
			"paid_tokens":  balance.PaidTokens,
			"demo_active":  balance.DemoActive,
			"demo_expired": balance.DemoExpired,
			"updated_at":   unixToTime(balance.UpdatedUnixUTC),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrBalanceNotFound)
	}
	return nil
}

func (store *LedgerStore) SetBalanceStatus(ctx context.Context, balanceID string, status ledger.BalanceStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Balance{}).
		Where("id = ?", balanceID).
		Updates(map[string]interface{}{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrBalanceNotFound)
	}
	return nil
}

func (store *LedgerStore) InsertAdjustment(ctx context.Context, adjustment ledger.Adjustment) (ledger.Adjustment, error) {
	model := Adjustment{
		BalanceID:        adjustment.BalanceID,
		ActorKind:        string(adjustment.Actor.Kind),
		ActorID:          adjustment.Actor.ID,
		DeltaTokens:      adjustment.DeltaTokens,
		Reason:           string(adjustment.Reason),
		Note:             adjustment.Note,
		RelatedPaymentID: stringPtr(adjustment.RelatedPaymentID),
		IdempotencyKey:   stringPtr(adjustment.IdempotencyKey),
		Meta:             datatypesJSON(adjustment.Meta.String()),
		CreatedAt:        unixToTime(adjustment.CreatedUnixUTC),
	}
	if adjustment.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintAdjustmentIdempotencyKey) {
		return ledger.Adjustment{}, wrapStoreError(errorSubjectAdjust, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.Adjustment{}, wrapStoreError(errorSubjectAdjust, errorCodeInsert, err)
	}
	mapped, err := mapAdjustment(model)
	if err != nil {
		return ledger.Adjustment{}, wrapStoreError(errorSubjectAdjust, errorCodeInvalid, err)
	}
	return mapped, nil
}

func (store *LedgerStore) FindAdjustmentByKey(ctx context.Context, idempotencyKey string) (ledger.Adjustment, bool, error) {
	var model Adjustment
	err := store.db.WithContext(ctx).
		Where("idempotency_key = ?", idempotencyKey).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Adjustment{}, false, nil
		}
		return ledger.Adjustment{}, false, wrapStoreError(errorSubjectAdjust, errorCodeLookup, err)
	}
	mapped, err := mapAdjustment(model)
	if err != nil {
		return ledger.Adjustment{}, false, wrapStoreError(errorSubjectAdjust, errorCodeInvalid, err)
	}
	return mapped, true, nil
}

func (store *LedgerStore) ListAdjustments(ctx context.Context, balanceID string, beforeUnixUTC int64, limit int) ([]ledger.Adjustment, error) {
	before := unixToTime(beforeUnixUTC)
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []Adjustment
	err := store.db.WithContext(ctx).
		Where("balance_id = ? AND created_at < ?", balanceID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAdjust, errorCodeList, err)
	}

	adjustments := make([]ledger.Adjustment, 0, len(rows))
	for _, row := range rows {
		mapped, err := mapAdjustment(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAdjust, errorCodeInvalid, err)
		}
		adjustments = append(adjustments, mapped)
	}
	return adjustments, nil
}

func (store *LedgerStore) ListBalancesByUser(ctx context.Context, userID string) ([]ledger.Balance, error) {
	var rows []Balance
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	balances := make([]ledger.Balance, 0, len(rows))
	for _, row := range rows {
		balances = append(balances, mapBalance(row))
	}
	return balances, nil
}

func (store *LedgerStore) SumDeltasByReason(ctx context.Context, balanceID string, reasons []ledger.Reason) (int64, error) {
	names := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		names = append(names, string(reason))
	}
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Adjustment{}).
		Select("coalesce(sum(delta_tokens),0) as total").
		Where("balance_id = ? AND reason IN ?", balanceID, names).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectAdjust, errorCodeSum, err)
	}
	return sum.Total, nil
}

func mapBalance(row Balance) ledger.Balance {
	return ledger.Balance{
		ID:             row.ID,
		UserID:         row.UserID,
		AutomationID:   row.AutomationID,
		DemoTokens:     row.DemoTokens,
		PaidTokens:     row.PaidTokens,
		DemoActive:     row.DemoActive,
		DemoExpired:    row.DemoExpired,
		Status:         ledger.BalanceStatus(row.Status),
		CreatedUnixUTC: row.CreatedAt.Unix(),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}
}

func mapAdjustment(row Adjustment) (ledger.Adjustment, error) {
	actor, err := ledger.NewActor(ledger.ActorKind(row.ActorKind), row.ActorID)
	if err != nil {
		return ledger.Adjustment{}, err
	}
	meta, err := ledger.NewMetadataJSON(string(row.Meta))
	if err != nil {
		return ledger.Adjustment{}, err
	}
	return ledger.Adjustment{
		ID:               row.ID,
		BalanceID:        row.BalanceID,
		Actor:            actor,
		DeltaTokens:      row.DeltaTokens,
		Reason:           ledger.Reason(row.Reason),
		Note:             row.Note,
		RelatedPaymentID: stringOrEmpty(row.RelatedPaymentID),
		IdempotencyKey:   stringOrEmpty(row.IdempotencyKey),
		Meta:             meta,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}, nil
}
