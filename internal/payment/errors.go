package payment

import "errors"

// Domain-level error values returned by the payment service.
var (
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrAlreadyTerminal       = errors.New("payment already terminal")
	ErrGatewayUnavailable    = errors.New("payment gateway unavailable")
	ErrAutomationUnavailable = errors.New("automation not available for purchase")
	ErrTokenQuantityInvalid  = errors.New("token quantity out of range")
	ErrCreditFailed          = errors.New("token credit failed after successful payment")
	ErrInvalidUserID         = errors.New("invalid user id")
	ErrInvalidAutomationID   = errors.New("invalid automation id")
	ErrInvalidPaymentID      = errors.New("invalid payment id")
	ErrInvalidServiceConfig  = errors.New("invalid service config")
)
