// Package gormstore persists the token ledger, payments, discounts, catalog,
// and outbox through GORM. One store type per aggregate; all of them speak
// the same error dialect via ledger.WrapError.
package gormstore

import (
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/botbazaar/tokenledger/pkg/ledger"
)

const (
	constraintAdjustmentIdempotencyKey = "uniq_adjustments_idempotency_key"
	constraintBalanceUserAutomation    = "idx_balances_user_automation"
	constraintRedemptionPaymentID      = "uniq_redemptions_payment_id"

	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore = "store"

	errorSubjectBalance    = "balance"
	errorSubjectAdjust     = "adjustment"
	errorSubjectPayment    = "payment"
	errorSubjectDiscount   = "discount"
	errorSubjectAutomation = "automation"
	errorSubjectOutbox     = "outbox_event"

	errorCodeCreate    = "create"
	errorCodeDuplicate = "duplicate"
	errorCodeGet       = "get"
	errorCodeInsert    = "insert"
	errorCodeList      = "list"
	errorCodeLookup    = "lookup"
	errorCodeUpdate    = "update"
	errorCodeSum       = "sum"
	errorCodeEnqueue   = "enqueue"
	errorCodeAttach    = "attach"
	errorCodeCount     = "count"
	errorCodeInvalid   = "invalid"
)

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

// isUniqueViolation reports whether err is a unique-constraint violation for
// the named constraint. Postgres names the violated constraint; sqlite only
// reports the constraint error class, which is enough because each insert
// here can violate at most one unique constraint.
func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

type sqlSum struct {
	Total int64
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func unixToTime(unixUTC int64) time.Time {
	return time.Unix(unixUTC, 0).UTC()
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func timePtr(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := unixToTime(unixUTC)
	return &value
}

func stringPtr(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
