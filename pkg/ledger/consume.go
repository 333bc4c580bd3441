package ledger

import (
	"context"
	"errors"
)

// Consume settles a usage debit against demo tokens first, then paid tokens,
// inside one transaction. Insufficient tokens and suspended balances are
// reported as rejected results, not errors. A replayed idempotency key returns
// an accepted result without a second debit.
func (service *Service) Consume(ctx context.Context, input ConsumeInput) (ConsumeResult, error) {
	if err := input.validate(); err != nil {
		service.logConsume(ctx, input, ConsumeResult{}, err)
		return ConsumeResult{}, err
	}
	var result ConsumeResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if input.IdempotencyKey != "" {
			replay, found, err := findConsumeReplay(ctx, transactionStore, input)
			if err != nil {
				return err
			}
			if found {
				result = replay
				return nil
			}
		}
		balance, err := transactionStore.GetBalanceForUpdate(ctx, input.BalanceID)
		if err != nil {
			return err
		}
		if balance.Status != BalanceStatusActive {
			result = rejectedResult(balance, RejectBalanceSuspended)
			return nil
		}
		fromDemo := balance.DemoTokens
		if fromDemo > input.Units {
			fromDemo = input.Units
		}
		fromPaid := input.Units - fromDemo
		if fromPaid > balance.PaidTokens {
			result = rejectedResult(balance, RejectInsufficientTokens)
			return nil
		}
		now := service.nowFn()
		next := balance
		next.DemoTokens -= fromDemo
		next.PaidTokens -= fromPaid
		if fromDemo > 0 && next.DemoTokens == 0 {
			next.DemoActive = false
			next.DemoExpired = true
		}
		next.UpdatedUnixUTC = now
		if err := transactionStore.UpdateBalanceCounters(ctx, next); err != nil {
			return err
		}
		actor := Actor{Kind: ActorAutomation, ID: balance.AutomationID}
		if fromDemo > 0 {
			_, err := transactionStore.InsertAdjustment(ctx, Adjustment{
				BalanceID:      input.BalanceID,
				Actor:          actor,
				DeltaTokens:    -fromDemo,
				Reason:         ReasonDemoUsage,
				Note:           input.UsageType,
				IdempotencyKey: deriveIdempotencyKey(input.IdempotencyKey, idempotencySuffixDemo),
				Meta:           input.Meta,
				CreatedUnixUTC: now,
			})
			if err != nil {
				return err
			}
		}
		if fromPaid > 0 {
			_, err := transactionStore.InsertAdjustment(ctx, Adjustment{
				BalanceID:      input.BalanceID,
				Actor:          actor,
				DeltaTokens:    -fromPaid,
				Reason:         ReasonUsage,
				Note:           input.UsageType,
				IdempotencyKey: deriveIdempotencyKey(input.IdempotencyKey, idempotencySuffixPaid),
				Meta:           input.Meta,
				CreatedUnixUTC: now,
			})
			if err != nil {
				return err
			}
		}
		result = ConsumeResult{
			Accepted:            true,
			ConsumedDemoTokens:  fromDemo,
			ConsumedPaidTokens:  fromPaid,
			RemainingDemoTokens: next.DemoTokens,
			RemainingPaidTokens: next.PaidTokens,
		}
		return nil
	})
	// Lost a same-key race: the winner already debited, so report its outcome.
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) && input.IdempotencyKey != "" {
		replay, found, lookupErr := findConsumeReplay(ctx, service.store, input)
		if lookupErr == nil && found {
			result = replay
			operationError = nil
		}
	}
	service.logConsume(ctx, input, result, operationError)
	if operationError != nil {
		return ConsumeResult{}, operationError
	}
	return result, nil
}

// findConsumeReplay looks for either settled leg of a prior consume with the
// same base key.
func findConsumeReplay(ctx context.Context, store Store, input ConsumeInput) (ConsumeResult, bool, error) {
	demoLeg, demoFound, err := store.FindAdjustmentByKey(ctx, deriveIdempotencyKey(input.IdempotencyKey, idempotencySuffixDemo))
	if err != nil {
		return ConsumeResult{}, false, err
	}
	paidLeg, paidFound, err := store.FindAdjustmentByKey(ctx, deriveIdempotencyKey(input.IdempotencyKey, idempotencySuffixPaid))
	if err != nil {
		return ConsumeResult{}, false, err
	}
	if !demoFound && !paidFound {
		return ConsumeResult{}, false, nil
	}
	balance, err := store.GetBalance(ctx, input.BalanceID)
	if err != nil {
		return ConsumeResult{}, false, err
	}
	result := ConsumeResult{
		Accepted:            true,
		Replayed:            true,
		RemainingDemoTokens: balance.DemoTokens,
		RemainingPaidTokens: balance.PaidTokens,
	}
	if demoFound {
		result.ConsumedDemoTokens = -demoLeg.DeltaTokens
	}
	if paidFound {
		result.ConsumedPaidTokens = -paidLeg.DeltaTokens
	}
	return result, true, nil
}

func rejectedResult(balance Balance, reason RejectReason) ConsumeResult {
	return ConsumeResult{
		Accepted:            false,
		RemainingDemoTokens: balance.DemoTokens,
		RemainingPaidTokens: balance.PaidTokens,
		RejectReason:        reason,
	}
}

func (service *Service) logConsume(ctx context.Context, input ConsumeInput, result ConsumeResult, operationError error) {
	entry := OperationLog{
		Operation:      OperationConsume,
		BalanceID:      input.BalanceID,
		UnitsRequested: input.Units,
		DeltaTokens:    -(result.ConsumedDemoTokens + result.ConsumedPaidTokens),
		IdempotencyKey: input.IdempotencyKey,
		Error:          operationError,
	}
	if operationError == nil && !result.Accepted {
		entry.Status = OperationStatusRejected
	}
	service.logOperation(ctx, entry)
}
