package ledger

const (
	idempotencyKeyDelimiter = ":"
	idempotencySuffixDemo   = "demo"
	idempotencySuffixPaid   = "paid"

	demoGrantKeyPrefix = "demo:"

	defaultAdjustmentPageSize = 50
	maxAdjustmentPageSize     = 500
)
