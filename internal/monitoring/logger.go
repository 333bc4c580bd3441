package monitoring

import (
	"context"

	"go.uber.org/zap"

	"github.com/botbazaar/tokenledger/pkg/ledger"
)

// LogObserver implements ledger.OperationLogger on top of zap. Accepted
// operations log at info, rejections at warn, store failures at error.
type LogObserver struct {
	logger *zap.Logger
}

// NewLogObserver returns a LogObserver. A nil logger is replaced with a nop.
func NewLogObserver(logger *zap.Logger) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{logger: logger}
}

func (observer *LogObserver) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("balance_id", entry.BalanceID),
	}
	if entry.Actor.Kind != "" {
		fields = append(fields, zap.String("actor_kind", string(entry.Actor.Kind)), zap.String("actor_id", entry.Actor.ID))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", string(entry.Reason)))
	}
	if entry.DeltaTokens != 0 {
		fields = append(fields, zap.Int64("delta_tokens", entry.DeltaTokens))
	}
	if entry.UnitsRequested != 0 {
		fields = append(fields, zap.Int64("units_requested", entry.UnitsRequested))
	}
	if entry.IdempotencyKey != "" {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}

	switch entry.Status {
	case ledger.OperationStatusError:
		observer.logger.Error("ledger operation failed", fields...)
	case ledger.OperationStatusRejected:
		observer.logger.Warn("ledger operation rejected", fields...)
	default:
		observer.logger.Info("ledger operation applied", fields...)
	}
}

// Tee fans one operation log entry out to several observers.
func Tee(observers ...ledger.OperationLogger) ledger.OperationLogger {
	return teeObserver(observers)
}

type teeObserver []ledger.OperationLogger

func (tee teeObserver) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	for _, observer := range tee {
		if observer != nil {
			observer.LogOperation(ctx, entry)
		}
	}
}
