package payment

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const sweepBatchSize = 100

// SweepAbandoned cancels pending payments older than olderThan. Buyers who
// never return from the gateway leave pending rows behind; the sweep closes
// them so the table stays an accurate worklist. Each row is re-checked under
// its lock, so a callback landing mid-sweep wins.
func (s *Service) SweepAbandoned(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = time.Hour
	}
	cutoff := s.nowFn() - int64(olderThan/time.Second)

	var swept int64
	for {
		stale, err := s.store.ListStalePending(ctx, cutoff, sweepBatchSize)
		if err != nil {
			return swept, err
		}
		if len(stale) == 0 {
			return swept, nil
		}
		for _, candidate := range stale {
			canceled, err := s.cancelAbandoned(ctx, candidate.ID)
			if err != nil {
				s.logger.Warn("abandoned payment not canceled",
					zap.String("payment_id", candidate.ID), zap.Error(err))
				continue
			}
			if canceled {
				swept++
			}
		}
		if len(stale) < sweepBatchSize {
			return swept, nil
		}
	}
}

func (s *Service) cancelAbandoned(ctx context.Context, paymentID string) (bool, error) {
	canceled := false
	err := s.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		row, err := txStore.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if row.Status.Terminal() {
			return nil
		}
		now := s.nowFn()
		row.Status = StatusCanceled
		row.FailureReason = "abandoned before gateway callback"
		done, err := txStore.MarkTerminal(ctx, row.ID, row.Status, "", row.FailureReason, now)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		event, err := terminalEvent(row)
		if err != nil {
			return err
		}
		if err := txStore.EnqueueEvent(ctx, event); err != nil {
			return err
		}
		canceled = true
		return nil
	})
	return canceled, err
}
