// Package usage is the consumption gateway automations call back into. It
// authenticates the caller's service token against the automation's stored
// hash before any ledger work happens.
package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/botbazaar/tokenledger/internal/catalog"
	"github.com/botbazaar/tokenledger/pkg/ledger"
)

// Human-readable outcome messages surfaced to the calling automation.
const (
	messageOK             = "ok"
	messageAlreadySettled = "already settled"
	messageInsufficient   = "insufficient token balance"
	messageSuspended      = "balance suspended"
	messageRejected       = "rejected"
)

var (
	// ErrUnauthorized covers missing, unknown, and mismatched service tokens.
	ErrUnauthorized = errors.New("service token unauthorized")

	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// TokenConsumer is the slice of the ledger service the gateway needs.
type TokenConsumer interface {
	GetBalance(ctx context.Context, balanceID string) (ledger.Balance, error)
	Consume(ctx context.Context, input ledger.ConsumeInput) (ledger.ConsumeResult, error)
}

// ConsumeRequest is one authenticated debit attempt.
type ConsumeRequest struct {
	ServiceToken   string
	BalanceID      string
	Units          int64
	UsageType      string
	IdempotencyKey string
	Meta           ledger.MetadataJSON
}

// ConsumeResponse mirrors the ledger outcome plus a message for the caller.
type ConsumeResponse struct {
	Accepted            bool
	Replayed            bool
	ConsumedDemoTokens  int64
	ConsumedPaidTokens  int64
	RemainingDemoTokens int64
	RemainingPaidTokens int64
	Message             string
}

// Service authenticates consumption callbacks and delegates the debit.
type Service struct {
	ledger TokenConsumer
	// catalog is read uncached: a rotated or revoked service token must stop
	// working immediately.
	catalog catalog.Store
}

// NewService wires a Service.
func NewService(tokenLedger TokenConsumer, automations catalog.Store) (*Service, error) {
	if tokenLedger == nil {
		return nil, fmt.Errorf("%w: nil ledger", ErrInvalidServiceConfig)
	}
	if automations == nil {
		return nil, fmt.Errorf("%w: nil catalog", ErrInvalidServiceConfig)
	}
	return &Service{ledger: tokenLedger, catalog: automations}, nil
}

// Consume verifies the service token and settles the debit. A rejected debit
// (insufficient tokens, suspended balance) is a normal outcome carried in the
// response; only authentication and infrastructure problems return errors.
func (s *Service) Consume(ctx context.Context, request ConsumeRequest) (ConsumeResponse, error) {
	token := strings.TrimSpace(request.ServiceToken)
	if token == "" {
		return ConsumeResponse{}, ErrUnauthorized
	}

	balance, err := s.ledger.GetBalance(ctx, request.BalanceID)
	if err != nil {
		// An unknown balance must be indistinguishable from a bad token, or an
		// unauthenticated caller could probe which balance ids exist.
		if errors.Is(err, ledger.ErrBalanceNotFound) {
			return ConsumeResponse{}, ErrUnauthorized
		}
		return ConsumeResponse{}, err
	}
	auto, err := s.catalog.GetAutomation(ctx, balance.AutomationID)
	if err != nil {
		if errors.Is(err, catalog.ErrAutomationNotFound) {
			return ConsumeResponse{}, ErrUnauthorized
		}
		return ConsumeResponse{}, err
	}
	if auto.ServiceTokenHash == "" {
		return ConsumeResponse{}, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(auto.ServiceTokenHash), []byte(token)); err != nil {
		return ConsumeResponse{}, ErrUnauthorized
	}

	result, err := s.ledger.Consume(ctx, ledger.ConsumeInput{
		BalanceID:      balance.ID,
		Units:          request.Units,
		UsageType:      request.UsageType,
		IdempotencyKey: strings.TrimSpace(request.IdempotencyKey),
		Meta:           request.Meta,
	})
	if err != nil {
		return ConsumeResponse{}, err
	}
	return ConsumeResponse{
		Accepted:            result.Accepted,
		Replayed:            result.Replayed,
		ConsumedDemoTokens:  result.ConsumedDemoTokens,
		ConsumedPaidTokens:  result.ConsumedPaidTokens,
		RemainingDemoTokens: result.RemainingDemoTokens,
		RemainingPaidTokens: result.RemainingPaidTokens,
		Message:             outcomeMessage(result),
	}, nil
}

// HashToken derives the stored bcrypt hash for a freshly minted service
// token. The plaintext is shown to the automation owner once and never kept.
func HashToken(token string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func outcomeMessage(result ledger.ConsumeResult) string {
	if result.Accepted {
		if result.Replayed {
			return messageAlreadySettled
		}
		return messageOK
	}
	switch result.RejectReason {
	case ledger.RejectInsufficientTokens:
		return messageInsufficient
	case ledger.RejectBalanceSuspended:
		return messageSuspended
	}
	return messageRejected
}
