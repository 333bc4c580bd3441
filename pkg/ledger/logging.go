package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// Operation names carried by OperationLog entries.
const (
	OperationApplyAdjustment = "apply_adjustment"
	OperationConsume         = "consume"
	OperationCreateBalance   = "find_or_create_balance"
	OperationSetStatus       = "set_balance_status"
)

// Operation statuses carried by OperationLog entries.
const (
	OperationStatusOK       = "ok"
	OperationStatusRejected = "rejected"
	OperationStatusError    = "error"
)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	BalanceID      string
	Actor          Actor
	Reason         Reason
	DeltaTokens    int64
	UnitsRequested int64
	IdempotencyKey string
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}
