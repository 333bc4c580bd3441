package discount

import (
	"errors"
	"fmt"
)

// ErrDiscountNotFound is what the store returns for an unknown code.
var ErrDiscountNotFound = errors.New("discount not found")

// ErrDiscountInvalid is the base rejection error. Every validation failure
// wraps it so callers can map the whole family to one client-facing code
// while the message keeps the precise cause.
var ErrDiscountInvalid = errors.New("discount invalid")

var (
	ErrCodeUnknown      = fmt.Errorf("%w: unknown code", ErrDiscountInvalid)
	ErrCodeDisabled     = fmt.Errorf("%w: code disabled", ErrDiscountInvalid)
	ErrCodeNotStarted   = fmt.Errorf("%w: code not active yet", ErrDiscountInvalid)
	ErrCodeExpired      = fmt.Errorf("%w: code expired", ErrDiscountInvalid)
	ErrCodeExhausted    = fmt.Errorf("%w: redemption limit reached", ErrDiscountInvalid)
	ErrUserLimitReached = fmt.Errorf("%w: per-user limit reached", ErrDiscountInvalid)
	ErrWrongAutomation  = fmt.Errorf("%w: code does not cover this automation", ErrDiscountInvalid)
)

// Input validation.
var (
	ErrInvalidCode          = errors.New("invalid discount code")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidAutomationID  = errors.New("invalid automation id")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidPaymentID     = errors.New("invalid payment id")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)
