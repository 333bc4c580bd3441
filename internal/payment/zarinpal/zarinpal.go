// Package zarinpal implements the payment.Gateway contract over Zarinpal's
// v4 REST API. Transport failures and malformed responses wrap
// payment.ErrGatewayUnavailable; a definite verification refusal is returned
// as a result, not an error.
package zarinpal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/botbazaar/tokenledger/internal/payment"
)

const (
	defaultAPIBaseURL = "https://api.zarinpal.com"
	defaultPayBaseURL = "https://payment.zarinpal.com"

	requestPath  = "/pg/v4/payment/request.json"
	verifyPath   = "/pg/v4/payment/verify.json"
	startPayPath = "/pg/StartPay/"

	codeSuccess         = 100
	codeAlreadyVerified = 101

	currencyIRR = "IRR"
)

// ErrInvalidClientConfig rejects a misconfigured client at construction.
var ErrInvalidClientConfig = errors.New("invalid zarinpal client config")

// Config configures a Client. The zero values of APIBaseURL and PayBaseURL
// select the production hosts; point both at the sandbox host for testing.
type Config struct {
	MerchantID string
	APIBaseURL string
	PayBaseURL string
	HTTPClient *http.Client
}

// Client is a Zarinpal v4 payment gateway client.
type Client struct {
	merchantID string
	apiBaseURL string
	payBaseURL string
	httpClient *http.Client
}

// New validates the config and builds a Client.
func New(config Config) (*Client, error) {
	merchantID := strings.TrimSpace(config.MerchantID)
	if merchantID == "" {
		return nil, fmt.Errorf("%w: empty merchant id", ErrInvalidClientConfig)
	}
	apiBaseURL := strings.TrimRight(strings.TrimSpace(config.APIBaseURL), "/")
	if apiBaseURL == "" {
		apiBaseURL = defaultAPIBaseURL
	}
	payBaseURL := strings.TrimRight(strings.TrimSpace(config.PayBaseURL), "/")
	if payBaseURL == "" {
		payBaseURL = defaultPayBaseURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		merchantID: merchantID,
		apiBaseURL: apiBaseURL,
		payBaseURL: payBaseURL,
		httpClient: httpClient,
	}, nil
}

type requestBody struct {
	MerchantID  string           `json:"merchant_id"`
	Amount      int64            `json:"amount"`
	Currency    string           `json:"currency"`
	Description string           `json:"description"`
	CallbackURL string           `json:"callback_url"`
	Metadata    *requestMetadata `json:"metadata,omitempty"`
}

type requestMetadata struct {
	Email  string `json:"email,omitempty"`
	Mobile string `json:"mobile,omitempty"`
}

type verifyBody struct {
	MerchantID string `json:"merchant_id"`
	Amount     int64  `json:"amount"`
	Authority  string `json:"authority"`
}

// The v4 envelope is irregular: on success data is an object and errors an
// empty array, on refusal data is an empty array and errors an object.
type envelope struct {
	Data   json.RawMessage `json:"data"`
	Errors json.RawMessage `json:"errors"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type requestData struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Authority string `json:"authority"`
}

func (data *requestData) refuse(code int, message string) {
	data.Code = code
	data.Message = message
}

type verifyData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	RefID   int64  `json:"ref_id"`
}

func (data *verifyData) refuse(code int, message string) {
	data.Code = code
	data.Message = message
}

type refusable interface {
	refuse(code int, message string)
}

// RequestPayment opens a gateway session and returns the authority plus the
// StartPay URL the buyer is redirected to.
func (client *Client) RequestPayment(ctx context.Context, request payment.PaymentRequest) (payment.PaymentSession, error) {
	body := requestBody{
		MerchantID:  client.merchantID,
		Amount:      request.AmountIRR,
		Currency:    currencyIRR,
		Description: request.Description,
		CallbackURL: request.CallbackURL,
	}
	if request.Email != "" || request.Mobile != "" {
		body.Metadata = &requestMetadata{Email: request.Email, Mobile: request.Mobile}
	}
	var data requestData
	if err := client.post(ctx, requestPath, body, &data); err != nil {
		return payment.PaymentSession{}, err
	}
	if data.Code != codeSuccess || data.Authority == "" {
		return payment.PaymentSession{}, fmt.Errorf("%w: payment request refused (code %d: %s)",
			payment.ErrGatewayUnavailable, data.Code, data.Message)
	}
	return payment.PaymentSession{
		Authority:   data.Authority,
		RedirectURL: client.payBaseURL + startPayPath + data.Authority,
	}, nil
}

// VerifyPayment asks Zarinpal whether the session was paid. Codes 100 and 101
// both mean paid; 101 is Zarinpal's already-verified answer to a replayed
// verification. Any other code is a definite refusal.
func (client *Client) VerifyPayment(ctx context.Context, request payment.VerifyRequest) (payment.VerifyResult, error) {
	body := verifyBody{
		MerchantID: client.merchantID,
		Amount:     request.AmountIRR,
		Authority:  request.Authority,
	}
	var data verifyData
	if err := client.post(ctx, verifyPath, body, &data); err != nil {
		return payment.VerifyResult{}, err
	}
	result := payment.VerifyResult{Code: data.Code, Message: data.Message}
	if data.Code == codeSuccess || data.Code == codeAlreadyVerified {
		result.OK = true
		result.RefID = strconv.FormatInt(data.RefID, 10)
	}
	return result, nil
}

// post sends one JSON call and normalizes the envelope into out: a data
// object decodes directly, an errors object lands as a refusal code.
func (client *Client) post(ctx context.Context, path string, body any, out refusable) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", payment.ErrGatewayUnavailable, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.apiBaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", payment.ErrGatewayUnavailable, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", payment.ErrGatewayUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("%w: http %d: %s", payment.ErrGatewayUnavailable, response.StatusCode, snippet)
	}

	var wrapped envelope
	if err := json.NewDecoder(response.Body).Decode(&wrapped); err != nil {
		return fmt.Errorf("%w: decode response: %v", payment.ErrGatewayUnavailable, err)
	}
	if isObject(wrapped.Data) {
		if err := json.Unmarshal(wrapped.Data, out); err != nil {
			return fmt.Errorf("%w: decode data: %v", payment.ErrGatewayUnavailable, err)
		}
		return nil
	}
	if isObject(wrapped.Errors) {
		var refusal apiError
		if err := json.Unmarshal(wrapped.Errors, &refusal); err != nil {
			return fmt.Errorf("%w: decode errors: %v", payment.ErrGatewayUnavailable, err)
		}
		out.refuse(refusal.Code, refusal.Message)
		return nil
	}
	return fmt.Errorf("%w: empty response envelope", payment.ErrGatewayUnavailable)
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
