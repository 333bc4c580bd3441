package payment

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botbazaar/tokenledger/internal/catalog"
	"github.com/botbazaar/tokenledger/internal/discount"
	"github.com/botbazaar/tokenledger/internal/outbox"
	"github.com/botbazaar/tokenledger/pkg/ledger"
)

const (
	defaultGatewayTimeout = 15 * time.Second
	creditKeyPrefix       = "payment:"

	defaultHistoryPageSize = 20
	maxHistoryPageSize     = 100

	callbackStatusNOK = "NOK"

	canceledAtGateway = "buyer canceled at gateway"
)

// TokenCrediter is the slice of the ledger service the settlement flow needs.
type TokenCrediter interface {
	FindOrCreateBalance(ctx context.Context, userID string, automationID string, demoGrantTokens int64) (ledger.Balance, error)
	ApplyAdjustment(ctx context.Context, input ledger.ApplyInput) (ledger.Adjustment, error)
}

// DiscountPricer quotes and attaches discount codes.
type DiscountPricer interface {
	ValidateAndPrice(ctx context.Context, quote discount.Quote) (discount.PriceQuote, error)
	AttachPayment(ctx context.Context, userID string, automationID string, paymentID string) (bool, error)
}

// Config wires the collaborators a Service needs.
type Config struct {
	Store           Store
	Catalog         catalog.Store
	Ledger          TokenCrediter
	Discounts       DiscountPricer
	Gateway         Gateway
	CallbackBaseURL string
	GatewayTimeout  time.Duration
	Now             func() int64
	Logger          *zap.Logger
}

// Service drives the purchase lifecycle from init through gateway callback to
// token credit.
type Service struct {
	store           Store
	catalog         catalog.Store
	ledger          TokenCrediter
	discounts       DiscountPricer
	gateway         Gateway
	callbackBaseURL string
	gatewayTimeout  time.Duration
	nowFn           func() int64
	logger          *zap.Logger
}

// NewService validates the config and wires a Service.
func NewService(config Config) (*Service, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidServiceConfig)
	}
	if config.Catalog == nil {
		return nil, fmt.Errorf("%w: nil catalog", ErrInvalidServiceConfig)
	}
	if config.Ledger == nil {
		return nil, fmt.Errorf("%w: nil ledger", ErrInvalidServiceConfig)
	}
	if config.Discounts == nil {
		return nil, fmt.Errorf("%w: nil discounts", ErrInvalidServiceConfig)
	}
	if config.Gateway == nil {
		return nil, fmt.Errorf("%w: nil gateway", ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(config.CallbackBaseURL) == "" {
		return nil, fmt.Errorf("%w: empty callback base url", ErrInvalidServiceConfig)
	}
	if config.GatewayTimeout <= 0 {
		config.GatewayTimeout = defaultGatewayTimeout
	}
	if config.Now == nil {
		config.Now = func() int64 { return time.Now().UTC().Unix() }
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Service{
		store:           config.Store,
		catalog:         config.Catalog,
		ledger:          config.Ledger,
		discounts:       config.Discounts,
		gateway:         config.Gateway,
		callbackBaseURL: strings.TrimRight(strings.TrimSpace(config.CallbackBaseURL), "/"),
		gatewayTimeout:  config.GatewayTimeout,
		nowFn:           config.Now,
		logger:          config.Logger,
	}, nil
}

// Init prices a purchase, persists a pending payment, and opens a gateway
// session. A fully discounted purchase settles immediately without touching
// the gateway. On gateway failure the pending row stays behind for a retry or
// the abandoned-payment sweep.
func (s *Service) Init(ctx context.Context, request InitRequest) (InitResult, error) {
	userID := strings.TrimSpace(request.UserID)
	if userID == "" {
		return InitResult{}, ErrInvalidUserID
	}
	automationID := strings.TrimSpace(request.AutomationID)
	if automationID == "" {
		return InitResult{}, ErrInvalidAutomationID
	}

	auto, err := s.catalog.GetAutomation(ctx, automationID)
	if err != nil {
		return InitResult{}, err
	}
	if !auto.Purchasable() {
		return InitResult{}, ErrAutomationUnavailable
	}
	if err := checkTokenQuantity(auto, request.Tokens); err != nil {
		return InitResult{}, err
	}

	amountBeforeIRR := request.Tokens * auto.PricePerTokenIRR
	amountIRR := amountBeforeIRR
	discountCode := ""
	if code := strings.TrimSpace(request.DiscountCode); code != "" {
		priced, err := s.discounts.ValidateAndPrice(ctx, discount.Quote{
			Code:            code,
			UserID:          userID,
			AutomationID:    automationID,
			AmountBeforeIRR: amountBeforeIRR,
		})
		if err != nil {
			return InitResult{}, err
		}
		amountIRR = priced.AmountAfterIRR
		discountCode = priced.Code
	}

	now := s.nowFn()
	created, err := s.store.CreatePayment(ctx, Payment{
		TransactionID:   uuid.NewString(),
		UserID:          userID,
		AutomationID:    automationID,
		Tokens:          request.Tokens,
		AmountIRR:       amountIRR,
		AmountBeforeIRR: amountBeforeIRR,
		DiscountCode:    discountCode,
		Status:          StatusPending,
		ReturnPath:      strings.TrimSpace(request.ReturnPath),
		CreatedUnixUTC:  now,
		UpdatedUnixUTC:  now,
	})
	if err != nil {
		return InitResult{}, err
	}

	if discountCode != "" {
		if _, err := s.discounts.AttachPayment(ctx, userID, automationID, created.ID); err != nil {
			// Not fatal here: the callback flow retries the attach.
			s.logger.Warn("discount attach failed at init",
				zap.String("payment_id", created.ID), zap.Error(err))
		}
	}

	if amountIRR == 0 {
		return s.settleWithoutGateway(ctx, created)
	}

	gatewayCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	session, err := s.gateway.RequestPayment(gatewayCtx, PaymentRequest{
		AmountIRR:   amountIRR,
		Description: fmt.Sprintf("%d tokens for %s", created.Tokens, auto.Name),
		CallbackURL: s.callbackURL(created.ID),
		Email:       strings.TrimSpace(request.Email),
		Mobile:      strings.TrimSpace(request.Mobile),
	})
	if err != nil {
		return InitResult{}, err
	}
	if err := s.store.SetAuthority(ctx, created.ID, session.Authority); err != nil {
		return InitResult{}, err
	}
	created.Authority = session.Authority
	return InitResult{Payment: created, RedirectURL: session.RedirectURL}, nil
}

// Callback settles a payment after the buyer returns from the gateway. The
// row lock is held across verification so concurrent callbacks for the same
// payment serialize; the loser finds a terminal row and returns the stored
// outcome without a second gateway call.
func (s *Service) Callback(ctx context.Context, request CallbackRequest) (CallbackResult, error) {
	paymentID := strings.TrimSpace(request.PaymentID)
	if paymentID == "" {
		return CallbackResult{}, ErrInvalidPaymentID
	}

	var (
		settled         Payment
		alreadyTerminal bool
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		row, err := txStore.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if row.Status.Terminal() {
			settled = row
			alreadyTerminal = true
			return nil
		}

		if strings.EqualFold(strings.TrimSpace(request.Status), callbackStatusNOK) {
			row.Status = StatusCanceled
			row.FailureReason = canceledAtGateway
		} else {
			authority := row.Authority
			if authority == "" {
				authority = strings.TrimSpace(request.Authority)
			}
			gatewayCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
			verdict, err := s.gateway.VerifyPayment(gatewayCtx, VerifyRequest{
				Authority: authority,
				AmountIRR: row.AmountIRR,
			})
			cancel()
			if err != nil {
				// Rollback; the row stays pending for the next callback.
				return err
			}
			if verdict.OK {
				row.Status = StatusSucceeded
				row.RefID = verdict.RefID
			} else {
				row.Status = StatusFailed
				row.FailureReason = verifyRefusal(verdict)
			}
		}

		now := s.nowFn()
		done, err := txStore.MarkTerminal(ctx, row.ID, row.Status, row.RefID, row.FailureReason, now)
		if err != nil {
			return err
		}
		if !done {
			return ErrAlreadyTerminal
		}
		row.UpdatedUnixUTC = now
		row.CompletedUnixUTC = now
		event, err := terminalEvent(row)
		if err != nil {
			return err
		}
		if err := txStore.EnqueueEvent(ctx, event); err != nil {
			return err
		}
		settled = row
		return nil
	})
	if err != nil {
		return CallbackResult{}, err
	}
	if alreadyTerminal {
		return CallbackResult{Payment: settled, AlreadyTerminal: true}, nil
	}

	if settled.Status == StatusSucceeded {
		if settled.DiscountCode != "" {
			s.attachQuietly(ctx, settled)
		}
		if err := s.credit(ctx, settled); err != nil {
			return CallbackResult{}, err
		}
	}
	return CallbackResult{Payment: settled}, nil
}

// GetPayment returns one payment by id.
func (s *Service) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return Payment{}, ErrInvalidPaymentID
	}
	return s.store.GetPayment(ctx, paymentID)
}

// ListPayments returns the user's most recent payments.
func (s *Service) ListPayments(ctx context.Context, userID string, limit int) ([]Payment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	if limit <= 0 {
		limit = defaultHistoryPageSize
	}
	if limit > maxHistoryPageSize {
		limit = maxHistoryPageSize
	}
	return s.store.ListPaymentsByUser(ctx, userID, limit)
}

// settleWithoutGateway closes a zero-amount payment as succeeded and credits
// the tokens. Fully discounted purchases never reach the gateway.
func (s *Service) settleWithoutGateway(ctx context.Context, created Payment) (InitResult, error) {
	now := s.nowFn()
	err := s.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		done, err := txStore.MarkTerminal(ctx, created.ID, StatusSucceeded, "", "", now)
		if err != nil {
			return err
		}
		if !done {
			return ErrAlreadyTerminal
		}
		created.Status = StatusSucceeded
		created.UpdatedUnixUTC = now
		created.CompletedUnixUTC = now
		event, err := terminalEvent(created)
		if err != nil {
			return err
		}
		return txStore.EnqueueEvent(ctx, event)
	})
	if err != nil {
		return InitResult{}, err
	}
	if err := s.credit(ctx, created); err != nil {
		return InitResult{}, err
	}
	return InitResult{Payment: created, Settled: true}, nil
}

// credit applies the purchased tokens. The idempotency key pins the credit to
// the payment, so replayed callbacks and concurrent settlers credit once.
func (s *Service) credit(ctx context.Context, paid Payment) error {
	balance, err := s.ledger.FindOrCreateBalance(ctx, paid.UserID, paid.AutomationID, s.demoGrantFor(ctx, paid.AutomationID))
	if err != nil {
		return s.creditFailure(ctx, paid, err)
	}
	_, err = s.ledger.ApplyAdjustment(ctx, ledger.ApplyInput{
		BalanceID:        balance.ID,
		Actor:            ledger.SystemActor(),
		DeltaTokens:      paid.Tokens,
		Reason:           ledger.ReasonPurchase,
		Note:             "payment settled",
		RelatedPaymentID: paid.ID,
		IdempotencyKey:   creditKeyPrefix + paid.ID,
	})
	if err != nil {
		return s.creditFailure(ctx, paid, err)
	}
	return nil
}

// creditFailure is the settlement flow's fatal inconsistency: money taken,
// tokens not granted. It alerts loudly and leaves recovery to an operator
// replaying the credit under the same idempotency key.
func (s *Service) creditFailure(ctx context.Context, paid Payment, cause error) error {
	s.logger.Error("token credit failed after successful payment",
		zap.String("payment_id", paid.ID),
		zap.String("transaction_id", paid.TransactionID),
		zap.String("user_id", paid.UserID),
		zap.String("automation_id", paid.AutomationID),
		zap.Int64("tokens", paid.Tokens),
		zap.Int64("amount_irr", paid.AmountIRR),
		zap.Error(cause))
	event, err := outbox.NewEvent(paid.ID, outbox.EventCreditFailed, outbox.TopicAlerts, creditFailedPayload{
		PaymentID:    paid.ID,
		UserID:       paid.UserID,
		AutomationID: paid.AutomationID,
		Tokens:       paid.Tokens,
		Cause:        cause.Error(),
	})
	if err == nil {
		err = s.store.EnqueueEvent(ctx, event)
	}
	if err != nil {
		s.logger.Error("credit failure alert not enqueued",
			zap.String("payment_id", paid.ID), zap.Error(err))
	}
	return fmt.Errorf("%w: %v", ErrCreditFailed, cause)
}

// demoGrantFor looks up the automation's demo grant for first-time balances.
// Catalog trouble must not block a paid credit, so failures degrade to zero.
func (s *Service) demoGrantFor(ctx context.Context, automationID string) int64 {
	auto, err := s.catalog.GetAutomation(ctx, automationID)
	if err != nil {
		s.logger.Warn("demo grant lookup failed",
			zap.String("automation_id", automationID), zap.Error(err))
		return 0
	}
	return auto.DemoGrantTokens
}

func (s *Service) attachQuietly(ctx context.Context, settled Payment) {
	if _, err := s.discounts.AttachPayment(ctx, settled.UserID, settled.AutomationID, settled.ID); err != nil {
		s.logger.Warn("discount attach failed at settlement",
			zap.String("payment_id", settled.ID), zap.Error(err))
	}
}

func (s *Service) callbackURL(paymentID string) string {
	return s.callbackBaseURL + "/payments/callback?payment_id=" + url.QueryEscape(paymentID)
}

func checkTokenQuantity(auto catalog.Automation, tokens int64) error {
	if tokens <= 0 {
		return ErrTokenQuantityInvalid
	}
	if auto.MinPurchaseTokens > 0 && tokens < auto.MinPurchaseTokens {
		return ErrTokenQuantityInvalid
	}
	if auto.MaxPurchaseTokens > 0 && tokens > auto.MaxPurchaseTokens {
		return ErrTokenQuantityInvalid
	}
	return nil
}

func verifyRefusal(verdict VerifyResult) string {
	if verdict.Message != "" {
		return verdict.Message
	}
	return fmt.Sprintf("gateway refused verification (code %d)", verdict.Code)
}

type paymentEventPayload struct {
	PaymentID     string `json:"payment_id"`
	TransactionID string `json:"transaction_id"`
	UserID        string `json:"user_id"`
	AutomationID  string `json:"automation_id"`
	Tokens        int64  `json:"tokens"`
	AmountIRR     int64  `json:"amount_irr"`
	Status        string `json:"status"`
	RefID         string `json:"ref_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type creditFailedPayload struct {
	PaymentID    string `json:"payment_id"`
	UserID       string `json:"user_id"`
	AutomationID string `json:"automation_id"`
	Tokens       int64  `json:"tokens"`
	Cause        string `json:"cause"`
}

func terminalEvent(row Payment) (outbox.Event, error) {
	var eventType string
	switch row.Status {
	case StatusSucceeded:
		eventType = outbox.EventPaymentSucceeded
	case StatusFailed:
		eventType = outbox.EventPaymentFailed
	case StatusCanceled:
		eventType = outbox.EventPaymentCanceled
	default:
		return outbox.Event{}, fmt.Errorf("no event for status %q", row.Status)
	}
	return outbox.NewEvent(row.ID, eventType, outbox.TopicPayments, paymentEventPayload{
		PaymentID:     row.ID,
		TransactionID: row.TransactionID,
		UserID:        row.UserID,
		AutomationID:  row.AutomationID,
		Tokens:        row.Tokens,
		AmountIRR:     row.AmountIRR,
		Status:        string(row.Status),
		RefID:         row.RefID,
		Reason:        row.FailureReason,
	})
}
