package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// ApplyAdjustment mutates exactly one balance counter and appends the audit row,
// atomically. A replayed idempotency key returns the stored Adjustment unchanged;
// concurrent duplicates observe exactly one application.
func (service *Service) ApplyAdjustment(ctx context.Context, input ApplyInput) (Adjustment, error) {
	if err := input.validate(); err != nil {
		service.logApply(ctx, input, err)
		return Adjustment{}, err
	}
	var applied Adjustment
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if input.IdempotencyKey != "" {
			existing, found, err := transactionStore.FindAdjustmentByKey(ctx, input.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				applied = existing
				return nil
			}
		}
		balance, err := transactionStore.GetBalanceForUpdate(ctx, input.BalanceID)
		if err != nil {
			return err
		}
		next, err := applyDelta(balance, input.Reason, input.DeltaTokens)
		if err != nil {
			return err
		}
		next.UpdatedUnixUTC = service.nowFn()
		if err := transactionStore.UpdateBalanceCounters(ctx, next); err != nil {
			return err
		}
		applied, err = transactionStore.InsertAdjustment(ctx, Adjustment{
			BalanceID:        input.BalanceID,
			Actor:            input.Actor,
			DeltaTokens:      input.DeltaTokens,
			Reason:           input.Reason,
			Note:             input.Note,
			RelatedPaymentID: input.RelatedPaymentID,
			IdempotencyKey:   input.IdempotencyKey,
			Meta:             input.Meta,
			CreatedUnixUTC:   service.nowFn(),
		})
		return err
	})
	// A concurrent writer won the key; the transaction rolled back, so the
	// winner's row is the single source of truth.
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) && input.IdempotencyKey != "" {
		existing, found, lookupErr := service.store.FindAdjustmentByKey(ctx, input.IdempotencyKey)
		if lookupErr == nil && found {
			applied = existing
			operationError = nil
		}
	}
	service.logApply(ctx, input, operationError)
	if operationError != nil {
		return Adjustment{}, operationError
	}
	return applied, nil
}

// FindOrCreateBalance returns the balance for (user, automation), creating it on
// first contact. A created balance receives the demo allotment together with its
// demo_grant audit row in the same transaction.
func (service *Service) FindOrCreateBalance(ctx context.Context, userID string, automationID string, demoGrantTokens int64) (Balance, error) {
	if strings.TrimSpace(userID) == "" {
		return Balance{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if strings.TrimSpace(automationID) == "" {
		return Balance{}, fmt.Errorf("%w: empty value", ErrInvalidAutomationID)
	}
	if demoGrantTokens < 0 {
		return Balance{}, fmt.Errorf("%w: demo grant must not be negative", ErrInvalidDelta)
	}
	var balance Balance
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		found, created, err := transactionStore.GetOrCreateBalance(ctx, userID, automationID, demoGrantTokens)
		if err != nil {
			return err
		}
		balance = found
		if !created || demoGrantTokens == 0 {
			return nil
		}
		_, err = transactionStore.InsertAdjustment(ctx, Adjustment{
			BalanceID:      balance.ID,
			Actor:          SystemActor(),
			DeltaTokens:    demoGrantTokens,
			Reason:         ReasonDemoGrant,
			Note:           "initial demo allotment",
			IdempotencyKey: demoGrantKeyPrefix + balance.ID,
			CreatedUnixUTC: service.nowFn(),
		})
		return err
	})
	// Two first-contact calls can race the creation; the loser collides on the
	// (user, automation) unique index, or on the winner's demo-grant key, and
	// rolls back. The winner's balance is the one.
	if errors.Is(operationError, ErrBalanceExists) || errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		existing, created, lookupErr := service.store.GetOrCreateBalance(ctx, userID, automationID, demoGrantTokens)
		if lookupErr == nil && !created {
			balance = existing
			operationError = nil
		}
	}
	service.logOperation(ctx, OperationLog{
		Operation:   OperationCreateBalance,
		BalanceID:   balance.ID,
		Actor:       SystemActor(),
		DeltaTokens: demoGrantTokens,
		Error:       operationError,
	})
	if operationError != nil {
		return Balance{}, operationError
	}
	return balance, nil
}

// GetBalance returns the current balance snapshot.
func (service *Service) GetBalance(ctx context.Context, balanceID string) (Balance, error) {
	if strings.TrimSpace(balanceID) == "" {
		return Balance{}, fmt.Errorf("%w: empty value", ErrInvalidBalanceID)
	}
	return service.store.GetBalance(ctx, balanceID)
}

// ListBalances returns every balance owned by a user.
func (service *Service) ListBalances(ctx context.Context, userID string) ([]Balance, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return service.store.ListBalancesByUser(ctx, userID)
}

// ListAdjustments pages the audit trail, newest first.
func (service *Service) ListAdjustments(ctx context.Context, balanceID string, beforeUnixUTC int64, limit int) ([]Adjustment, error) {
	if strings.TrimSpace(balanceID) == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidBalanceID)
	}
	if limit <= 0 {
		limit = defaultAdjustmentPageSize
	}
	if limit > maxAdjustmentPageSize {
		limit = maxAdjustmentPageSize
	}
	return service.store.ListAdjustments(ctx, balanceID, beforeUnixUTC, limit)
}

// SetBalanceStatus suspends or resumes a balance. Token counters are untouched.
func (service *Service) SetBalanceStatus(ctx context.Context, actor Actor, balanceID string, status BalanceStatus) error {
	if err := actor.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(balanceID) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidBalanceID)
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidBalanceStatus, status)
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetBalanceForUpdate(ctx, balanceID); err != nil {
			return err
		}
		return transactionStore.SetBalanceStatus(ctx, balanceID, status)
	})
	service.logOperation(ctx, OperationLog{
		Operation: OperationSetStatus,
		BalanceID: balanceID,
		Actor:     actor,
		Error:     operationError,
	})
	return operationError
}

// Reconcile recomputes each counter from the adjustment history and compares it
// against the stored value.
func (service *Service) Reconcile(ctx context.Context, balanceID string) (ReconcileReport, error) {
	balance, err := service.GetBalance(ctx, balanceID)
	if err != nil {
		return ReconcileReport{}, err
	}
	paidSum, err := service.store.SumDeltasByReason(ctx, balanceID, PaidReasons())
	if err != nil {
		return ReconcileReport{}, err
	}
	demoSum, err := service.store.SumDeltasByReason(ctx, balanceID, DemoReasons())
	if err != nil {
		return ReconcileReport{}, err
	}
	return ReconcileReport{
		BalanceID:    balanceID,
		PaidTokens:   balance.PaidTokens,
		PaidDeltaSum: paidSum,
		DemoTokens:   balance.DemoTokens,
		DemoDeltaSum: demoSum,
		Consistent:   balance.PaidTokens == paidSum && balance.DemoTokens == demoSum,
	}, nil
}

func (service *Service) logApply(ctx context.Context, input ApplyInput, operationError error) {
	service.logOperation(ctx, OperationLog{
		Operation:      OperationApplyAdjustment,
		BalanceID:      input.BalanceID,
		Actor:          input.Actor,
		Reason:         input.Reason,
		DeltaTokens:    input.DeltaTokens,
		IdempotencyKey: input.IdempotencyKey,
		Error:          operationError,
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = OperationStatusError
		} else {
			entry.Status = OperationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// applyDelta moves one counter, never below zero, and maintains the demo
// lifecycle flags.
func applyDelta(balance Balance, reason Reason, delta int64) (Balance, error) {
	switch reason.Scope() {
	case ScopeDemo:
		next := balance.DemoTokens + delta
		if next < 0 {
			return Balance{}, ErrInsufficientBalance
		}
		balance.DemoTokens = next
		if delta > 0 {
			balance.DemoActive = true
			balance.DemoExpired = false
		}
		if delta < 0 && next == 0 {
			balance.DemoActive = false
			balance.DemoExpired = true
		}
	case ScopePaid:
		next := balance.PaidTokens + delta
		if next < 0 {
			return Balance{}, ErrInsufficientBalance
		}
		balance.PaidTokens = next
	default:
		return Balance{}, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	return balance, nil
}

func deriveIdempotencyKey(baseKey string, suffix string) string {
	if baseKey == "" {
		return ""
	}
	return baseKey + idempotencyKeyDelimiter + suffix
}
