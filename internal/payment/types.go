package payment

import (
	"context"

	"github.com/botbazaar/tokenledger/internal/outbox"
)

// Status is the payment lifecycle state. pending is the only state that can
// still change; terminal rows never transition again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the status is final.
func (status Status) Terminal() bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Payment is one purchase attempt. AmountIRR is the charged amount after any
// discount; AmountBeforeIRR keeps the undiscounted price for audit.
type Payment struct {
	ID               string
	TransactionID    string
	UserID           string
	AutomationID     string
	Tokens           int64
	AmountIRR        int64
	AmountBeforeIRR  int64
	DiscountCode     string
	Status           Status
	Authority        string
	RefID            string
	FailureReason    string
	ReturnPath       string
	CreatedUnixUTC   int64
	UpdatedUnixUTC   int64
	CompletedUnixUTC int64
}

// PaymentRequest is what the gateway needs to open a session.
type PaymentRequest struct {
	AmountIRR   int64
	Description string
	CallbackURL string
	Email       string
	Mobile      string
}

// PaymentSession is an open gateway session the buyer is redirected into.
type PaymentSession struct {
	Authority   string
	RedirectURL string
}

// VerifyRequest asks the gateway whether a session was actually paid.
type VerifyRequest struct {
	Authority string
	AmountIRR int64
}

// VerifyResult is the gateway's answer. OK false is a definite refusal, not
// an error; transport problems surface as errors wrapping
// ErrGatewayUnavailable instead.
type VerifyResult struct {
	OK      bool
	RefID   string
	Code    int
	Message string
}

// Gateway is the payment provider contract.
type Gateway interface {
	RequestPayment(ctx context.Context, request PaymentRequest) (PaymentSession, error)
	VerifyPayment(ctx context.Context, request VerifyRequest) (VerifyResult, error)
}

// InitRequest starts a purchase.
type InitRequest struct {
	UserID       string
	AutomationID string
	Tokens       int64
	DiscountCode string
	ReturnPath   string
	Email        string
	Mobile       string
}

// InitResult reports the created payment. Settled is true when the purchase
// closed without gateway contact (fully discounted); RedirectURL is empty in
// that case.
type InitResult struct {
	Payment     Payment
	RedirectURL string
	Settled     bool
}

// CallbackRequest carries the buyer's return redirect from the gateway.
type CallbackRequest struct {
	PaymentID string
	Authority string
	Status    string
}

// CallbackResult reports the settled outcome. AlreadyTerminal marks a replayed
// callback that returned the stored outcome without contacting the gateway.
type CallbackResult struct {
	Payment         Payment
	AlreadyTerminal bool
}

// Store is the persistence contract used by Service.
//
// MarkTerminal must only transition rows that are still pending and report
// whether it did; concurrent settlers race on that guard, not on application
// state. EnqueueEvent writes an outbox row inside the same transaction as the
// state change it announces.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreatePayment(ctx context.Context, payment Payment) (Payment, error)
	GetPayment(ctx context.Context, paymentID string) (Payment, error)
	GetPaymentForUpdate(ctx context.Context, paymentID string) (Payment, error)
	SetAuthority(ctx context.Context, paymentID string, authority string) error
	MarkTerminal(ctx context.Context, paymentID string, terminal Status, refID string, failureReason string, atUnixUTC int64) (bool, error)
	ListPaymentsByUser(ctx context.Context, userID string, limit int) ([]Payment, error)
	ListStalePending(ctx context.Context, beforeUnixUTC int64, limit int) ([]Payment, error)
	EnqueueEvent(ctx context.Context, event outbox.Event) error
}
