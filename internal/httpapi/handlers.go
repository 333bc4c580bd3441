package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/botbazaar/tokenledger/internal/catalog"
	"github.com/botbazaar/tokenledger/internal/discount"
	"github.com/botbazaar/tokenledger/internal/monitoring"
	"github.com/botbazaar/tokenledger/internal/payment"
	"github.com/botbazaar/tokenledger/internal/usage"
	"github.com/botbazaar/tokenledger/pkg/ledger"
)

// PaymentService is the slice of the settlement flow the handlers use.
type PaymentService interface {
	Init(ctx context.Context, request payment.InitRequest) (payment.InitResult, error)
	Callback(ctx context.Context, request payment.CallbackRequest) (payment.CallbackResult, error)
	GetPayment(ctx context.Context, paymentID string) (payment.Payment, error)
	ListPayments(ctx context.Context, userID string, limit int) ([]payment.Payment, error)
}

// UsageService settles authenticated consumption callbacks.
type UsageService interface {
	Consume(ctx context.Context, request usage.ConsumeRequest) (usage.ConsumeResponse, error)
}

// LedgerService is the slice of the ledger the handlers use.
type LedgerService interface {
	ApplyAdjustment(ctx context.Context, input ledger.ApplyInput) (ledger.Adjustment, error)
	GetBalance(ctx context.Context, balanceID string) (ledger.Balance, error)
	ListBalances(ctx context.Context, userID string) ([]ledger.Balance, error)
	ListAdjustments(ctx context.Context, balanceID string, beforeUnixUTC int64, limit int) ([]ledger.Adjustment, error)
	SetBalanceStatus(ctx context.Context, actor ledger.Actor, balanceID string, status ledger.BalanceStatus) error
	Reconcile(ctx context.Context, balanceID string) (ledger.ReconcileReport, error)
}

type httpHandler struct {
	payments PaymentService
	usage    UsageService
	ledger   LedgerService
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

type initPaymentRequest struct {
	AutomationID string `json:"automation_id"`
	Tokens       int64  `json:"tokens"`
	ReturnPath   string `json:"return_path"`
	DiscountCode string `json:"discount_code"`
	Email        string `json:"email"`
	Mobile       string `json:"mobile"`
}

func (handler *httpHandler) handleInitPayment(ginContext *gin.Context) {
	actor, ok := actorFrom(ginContext)
	if !ok {
		abortUnauthorized(ginContext, "missing session")
		return
	}
	var request initPaymentRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		ginContext.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	result, err := handler.payments.Init(ginContext.Request.Context(), payment.InitRequest{
		UserID:       actor.ID,
		AutomationID: request.AutomationID,
		Tokens:       request.Tokens,
		DiscountCode: request.DiscountCode,
		ReturnPath:   request.ReturnPath,
		Email:        request.Email,
		Mobile:       request.Mobile,
	})
	if err != nil {
		if errors.Is(err, payment.ErrGatewayUnavailable) && handler.metrics != nil {
			handler.metrics.ObserveGatewayError("request")
		}
		handler.respondError(ginContext, err)
		return
	}
	if result.Settled && handler.metrics != nil {
		handler.metrics.ObservePayment(string(result.Payment.Status))
	}
	ginContext.JSON(http.StatusOK, gin.H{
		"payment":      paymentPayloadFrom(result.Payment),
		"redirect_url": result.RedirectURL,
		"settled":      result.Settled,
	})
}

func (handler *httpHandler) handleGetPayment(ginContext *gin.Context) {
	actor, ok := actorFrom(ginContext)
	if !ok {
		abortUnauthorized(ginContext, "missing session")
		return
	}
	row, err := handler.payments.GetPayment(ginContext.Request.Context(), ginContext.Param("payment_id"))
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	// Buyers only see their own payments; a foreign id reads as absent.
	if actor.Kind != ledger.ActorAdmin && row.UserID != actor.ID {
		ginContext.JSON(http.StatusNotFound, errorResponse("not_found", "payment not found"))
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"payment": paymentPayloadFrom(row)})
}

func (handler *httpHandler) handleListPayments(ginContext *gin.Context) {
	actor, ok := actorFrom(ginContext)
	if !ok {
		abortUnauthorized(ginContext, "missing session")
		return
	}
	limit, _ := strconv.Atoi(ginContext.Query("limit"))
	rows, err := handler.payments.ListPayments(ginContext.Request.Context(), actor.ID, limit)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	payloads := make([]paymentPayload, 0, len(rows))
	for _, row := range rows {
		payloads = append(payloads, paymentPayloadFrom(row))
	}
	ginContext.JSON(http.StatusOK, gin.H{"payments": payloads})
}

// handleCallback settles the buyer's return from the gateway. Replays land on
// a terminal row and get the stored outcome back, so the gateway may call as
// often as it likes.
func (handler *httpHandler) handleCallback(ginContext *gin.Context) {
	result, err := handler.payments.Callback(ginContext.Request.Context(), payment.CallbackRequest{
		PaymentID: ginContext.Query("payment_id"),
		Authority: ginContext.Query("Authority"),
		Status:    ginContext.Query("Status"),
	})
	if err != nil {
		if errors.Is(err, payment.ErrGatewayUnavailable) && handler.metrics != nil {
			handler.metrics.ObserveGatewayError("verify")
		}
		handler.respondError(ginContext, err)
		return
	}
	if !result.AlreadyTerminal && handler.metrics != nil {
		handler.metrics.ObservePayment(string(result.Payment.Status))
	}
	ginContext.JSON(http.StatusOK, gin.H{
		"payment":          paymentPayloadFrom(result.Payment),
		"already_terminal": result.AlreadyTerminal,
	})
}

type consumeRequest struct {
	BalanceID      string          `json:"balance_id"`
	Units          int64           `json:"units"`
	UsageType      string          `json:"usage_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Meta           json.RawMessage `json:"meta"`
}

func (handler *httpHandler) handleConsume(ginContext *gin.Context) {
	var request consumeRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		ginContext.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	meta, err := ledger.NewMetadataJSON(string(request.Meta))
	if err != nil {
		ginContext.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "meta must be valid JSON"))
		return
	}

	response, err := handler.usage.Consume(ginContext.Request.Context(), usage.ConsumeRequest{
		ServiceToken:   ginContext.GetHeader(serviceTokenHeader),
		BalanceID:      request.BalanceID,
		Units:          request.Units,
		UsageType:      request.UsageType,
		IdempotencyKey: request.IdempotencyKey,
		Meta:           meta,
	})
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	// A rejected debit is a business outcome, not an HTTP failure.
	ginContext.JSON(http.StatusOK, gin.H{
		"accepted":       response.Accepted,
		"replayed":       response.Replayed,
		"consumed_demo":  response.ConsumedDemoTokens,
		"consumed_paid":  response.ConsumedPaidTokens,
		"remaining_demo": response.RemainingDemoTokens,
		"remaining_paid": response.RemainingPaidTokens,
		"message":        response.Message,
	})
}

func (handler *httpHandler) handleListBalances(ginContext *gin.Context) {
	actor, ok := actorFrom(ginContext)
	if !ok {
		abortUnauthorized(ginContext, "missing session")
		return
	}
	balances, err := handler.ledger.ListBalances(ginContext.Request.Context(), actor.ID)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	payloads := make([]balancePayload, 0, len(balances))
	for _, balance := range balances {
		payloads = append(payloads, balancePayloadFrom(balance))
	}
	ginContext.JSON(http.StatusOK, gin.H{"balances": payloads})
}

func (handler *httpHandler) handleListAdjustments(ginContext *gin.Context) {
	actor, ok := actorFrom(ginContext)
	if !ok {
		abortUnauthorized(ginContext, "missing session")
		return
	}
	balanceID := ginContext.Param("balance_id")
	balance, err := handler.ledger.GetBalance(ginContext.Request.Context(), balanceID)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	if actor.Kind != ledger.ActorAdmin && balance.UserID != actor.ID {
		ginContext.JSON(http.StatusNotFound, errorResponse("not_found", "balance not found"))
		return
	}

	before, _ := strconv.ParseInt(ginContext.Query("before"), 10, 64)
	limit, _ := strconv.Atoi(ginContext.Query("limit"))
	adjustments, err := handler.ledger.ListAdjustments(ginContext.Request.Context(), balanceID, before, limit)
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	payloads := make([]adjustmentPayload, 0, len(adjustments))
	for _, adjustment := range adjustments {
		payloads = append(payloads, adjustmentPayloadFrom(adjustment))
	}
	ginContext.JSON(http.StatusOK, gin.H{
		"balance":     balancePayloadFrom(balance),
		"adjustments": payloads,
	})
}

type adminAdjustmentRequest struct {
	BalanceID        string          `json:"balance_id"`
	DeltaTokens      int64           `json:"delta_tokens"`
	Reason           string          `json:"reason"`
	Note             string          `json:"note"`
	RelatedPaymentID string          `json:"related_payment_id"`
	IdempotencyKey   string          `json:"idempotency_key"`
	Meta             json.RawMessage `json:"meta"`
}

func (handler *httpHandler) handleAdminAdjustment(ginContext *gin.Context) {
	actor, ok := actorFrom(ginContext)
	if !ok {
		abortUnauthorized(ginContext, "missing session")
		return
	}
	var request adminAdjustmentRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		ginContext.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	meta, err := ledger.NewMetadataJSON(string(request.Meta))
	if err != nil {
		ginContext.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "meta must be valid JSON"))
		return
	}
	reason := ledger.Reason(request.Reason)
	if request.Reason == "" {
		reason = ledger.ReasonAdminAdjust
	}

	adjustment, err := handler.ledger.ApplyAdjustment(ginContext.Request.Context(), ledger.ApplyInput{
		BalanceID:        request.BalanceID,
		Actor:            actor,
		DeltaTokens:      request.DeltaTokens,
		Reason:           reason,
		Note:             request.Note,
		RelatedPaymentID: request.RelatedPaymentID,
		IdempotencyKey:   request.IdempotencyKey,
		Meta:             meta,
	})
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"adjustment": adjustmentPayloadFrom(adjustment)})
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (handler *httpHandler) handleSetBalanceStatus(ginContext *gin.Context) {
	actor, ok := actorFrom(ginContext)
	if !ok {
		abortUnauthorized(ginContext, "missing session")
		return
	}
	var request setStatusRequest
	if err := ginContext.ShouldBindJSON(&request); err != nil {
		ginContext.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	balanceID := ginContext.Param("balance_id")
	if err := handler.ledger.SetBalanceStatus(ginContext.Request.Context(), actor, balanceID, ledger.BalanceStatus(request.Status)); err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"balance_id": balanceID, "status": request.Status})
}

func (handler *httpHandler) handleReconcile(ginContext *gin.Context) {
	report, err := handler.ledger.Reconcile(ginContext.Request.Context(), ginContext.Param("balance_id"))
	if err != nil {
		handler.respondError(ginContext, err)
		return
	}
	ginContext.JSON(http.StatusOK, gin.H{"report": gin.H{
		"balance_id":     report.BalanceID,
		"paid_tokens":    report.PaidTokens,
		"paid_delta_sum": report.PaidDeltaSum,
		"demo_tokens":    report.DemoTokens,
		"demo_delta_sum": report.DemoDeltaSum,
		"consistent":     report.Consistent,
	}})
}

// respondError maps domain errors onto the HTTP taxonomy. Unknown errors are
// logged and surface as an opaque 500.
func (handler *httpHandler) respondError(ginContext *gin.Context, err error) {
	switch {
	case errors.Is(err, usage.ErrUnauthorized):
		ginContext.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid service token"))
	case errors.Is(err, ledger.ErrBalanceNotFound):
		ginContext.JSON(http.StatusNotFound, errorResponse("not_found", "balance not found"))
	case errors.Is(err, payment.ErrPaymentNotFound):
		ginContext.JSON(http.StatusNotFound, errorResponse("not_found", "payment not found"))
	case errors.Is(err, catalog.ErrAutomationNotFound):
		ginContext.JSON(http.StatusNotFound, errorResponse("not_found", "automation not found"))
	case errors.Is(err, ledger.ErrInsufficientBalance):
		ginContext.JSON(http.StatusConflict, errorResponse("insufficient_balance", "balance would go negative"))
	case errors.Is(err, payment.ErrAutomationUnavailable):
		ginContext.JSON(http.StatusConflict, errorResponse("automation_unavailable", "automation is not available for purchase"))
	case errors.Is(err, discount.ErrDiscountInvalid):
		ginContext.JSON(http.StatusUnprocessableEntity, errorResponse("discount_invalid", err.Error()))
	case errors.Is(err, payment.ErrGatewayUnavailable):
		ginContext.JSON(http.StatusBadGateway, errorResponse("gateway_unavailable", "payment gateway unavailable, retry later"))
	case errors.Is(err, payment.ErrCreditFailed):
		// Money collected, tokens missing. The payment service has already
		// alerted; the client sees a server fault, not a declined purchase.
		ginContext.JSON(http.StatusInternalServerError, errorResponse("credit_failed", "payment captured but credit failed, support has been alerted"))
	case isBadRequest(err):
		ginContext.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		handler.logger.Error("unhandled request error",
			zap.String("path", ginContext.FullPath()),
			zap.Error(err))
		ginContext.JSON(http.StatusInternalServerError, errorResponse("internal", "internal error"))
	}
}

func isBadRequest(err error) bool {
	for _, candidate := range []error{
		ledger.ErrInvalidDelta,
		ledger.ErrInvalidReason,
		ledger.ErrInvalidUnits,
		ledger.ErrInvalidActor,
		ledger.ErrInvalidUserID,
		ledger.ErrInvalidAutomationID,
		ledger.ErrInvalidBalanceID,
		ledger.ErrInvalidBalanceStatus,
		ledger.ErrInvalidMetadataJSON,
		payment.ErrTokenQuantityInvalid,
		payment.ErrInvalidUserID,
		payment.ErrInvalidAutomationID,
		payment.ErrInvalidPaymentID,
		discount.ErrInvalidCode,
		discount.ErrInvalidAmount,
	} {
		if errors.Is(err, candidate) {
			return true
		}
	}
	return false
}

type paymentPayload struct {
	PaymentID        string `json:"payment_id"`
	TransactionID    string `json:"transaction_id"`
	AutomationID     string `json:"automation_id"`
	Tokens           int64  `json:"tokens"`
	AmountIRR        int64  `json:"amount_irr"`
	AmountBeforeIRR  int64  `json:"amount_before_irr"`
	DiscountCode     string `json:"discount_code,omitempty"`
	Status           string `json:"status"`
	RefID            string `json:"ref_id,omitempty"`
	FailureReason    string `json:"failure_reason,omitempty"`
	ReturnPath       string `json:"return_path,omitempty"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
	CompletedUnixUTC int64  `json:"completed_unix_utc,omitempty"`
}

func paymentPayloadFrom(row payment.Payment) paymentPayload {
	return paymentPayload{
		PaymentID:        row.ID,
		TransactionID:    row.TransactionID,
		AutomationID:     row.AutomationID,
		Tokens:           row.Tokens,
		AmountIRR:        row.AmountIRR,
		AmountBeforeIRR:  row.AmountBeforeIRR,
		DiscountCode:     row.DiscountCode,
		Status:           string(row.Status),
		RefID:            row.RefID,
		FailureReason:    row.FailureReason,
		ReturnPath:       row.ReturnPath,
		CreatedUnixUTC:   row.CreatedUnixUTC,
		CompletedUnixUTC: row.CompletedUnixUTC,
	}
}

type balancePayload struct {
	BalanceID      string `json:"balance_id"`
	AutomationID   string `json:"automation_id"`
	DemoTokens     int64  `json:"demo_tokens"`
	PaidTokens     int64  `json:"paid_tokens"`
	DemoActive     bool   `json:"demo_active"`
	DemoExpired    bool   `json:"demo_expired"`
	Status         string `json:"status"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
	UpdatedUnixUTC int64  `json:"updated_unix_utc"`
}

func balancePayloadFrom(balance ledger.Balance) balancePayload {
	return balancePayload{
		BalanceID:      balance.ID,
		AutomationID:   balance.AutomationID,
		DemoTokens:     balance.DemoTokens,
		PaidTokens:     balance.PaidTokens,
		DemoActive:     balance.DemoActive,
		DemoExpired:    balance.DemoExpired,
		Status:         string(balance.Status),
		CreatedUnixUTC: balance.CreatedUnixUTC,
		UpdatedUnixUTC: balance.UpdatedUnixUTC,
	}
}

type adjustmentPayload struct {
	AdjustmentID     string          `json:"adjustment_id"`
	BalanceID        string          `json:"balance_id"`
	ActorKind        string          `json:"actor_kind"`
	ActorID          string          `json:"actor_id"`
	DeltaTokens      int64           `json:"delta_tokens"`
	Reason           string          `json:"reason"`
	Note             string          `json:"note,omitempty"`
	RelatedPaymentID string          `json:"related_payment_id,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
	Meta             json.RawMessage `json:"meta"`
	CreatedUnixUTC   int64           `json:"created_unix_utc"`
}

func adjustmentPayloadFrom(adjustment ledger.Adjustment) adjustmentPayload {
	return adjustmentPayload{
		AdjustmentID:     adjustment.ID,
		BalanceID:        adjustment.BalanceID,
		ActorKind:        string(adjustment.Actor.Kind),
		ActorID:          adjustment.Actor.ID,
		DeltaTokens:      adjustment.DeltaTokens,
		Reason:           string(adjustment.Reason),
		Note:             adjustment.Note,
		RelatedPaymentID: adjustment.RelatedPaymentID,
		IdempotencyKey:   adjustment.IdempotencyKey,
		Meta:             json.RawMessage(adjustment.Meta.String()),
		CreatedUnixUTC:   adjustment.CreatedUnixUTC,
	}
}
