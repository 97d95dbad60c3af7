package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chakulahq/chakula-backend/pkg/config"
)

const (
	stkPushPath  = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath = "/mpesa/stkpushquery/v1/query"

	transactionType = "CustomerPayBillOnline"

	// queryPendingCode is the error code the gateway answers status queries
	// with while the payer has not yet acted on the STK prompt.
	queryPendingCode = "500.001.1001"

	defaultMaxAttempts = 3
	defaultBackoffBase = 500 * time.Millisecond
	maxBackoff         = 5 * time.Second

	responseBodyReadLimit int64 = 1 << 16
)

var errStillProcessing = errors.New("mpesa: transaction still processing")

// Client wraps the Daraja STK push and status-query APIs with bearer token
// injection, bounded retries, and error classification.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	shortcode   string
	passkey     string
	callbackURL string
	countryCode string
	maxAttempts int
	backoffBase time.Duration
	tokens      tokenSource
	now         func() time.Time
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the configured gateway base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		trimmed := strings.TrimSpace(baseURL)
		if trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithTokenSource overrides the credential source.
func WithTokenSource(tokens tokenSource) Option {
	return func(c *Client) {
		if tokens != nil {
			c.tokens = tokens
		}
	}
}

// WithBackoffBase overrides the initial retry backoff.
func WithBackoffBase(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.backoffBase = d
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient builds the gateway client from configuration.
func NewClient(cfg config.MpesaConfig, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Shortcode) == "" {
		return nil, fmt.Errorf("mpesa: shortcode is required")
	}
	if strings.TrimSpace(cfg.Passkey) == "" {
		return nil, fmt.Errorf("mpesa: passkey is required")
	}
	if strings.TrimSpace(cfg.CallbackURL) == "" {
		return nil, fmt.Errorf("mpesa: callback url is required")
	}

	maxAttempts := cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	client := &Client{
		httpClient:  &http.Client{Timeout: cfg.HTTPTimeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		shortcode:   cfg.Shortcode,
		passkey:     cfg.Passkey,
		callbackURL: cfg.CallbackURL,
		countryCode: cfg.CountryCode,
		maxAttempts: maxAttempts,
		backoffBase: defaultBackoffBase,
		now:         time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}

	if client.tokens == nil {
		tokens, err := NewTokenCache(client.httpClient, client.baseURL, cfg.ConsumerKey, cfg.ConsumerSecret, cfg.TokenMargin)
		if err != nil {
			return nil, err
		}
		client.tokens = tokens
	}

	return client, nil
}

// STKPushRequest describes a payment prompt to send to a payer's phone.
type STKPushRequest struct {
	Phone            string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
}

// STKPushResponse carries the correlation ids the gateway issues when it
// accepts an initiate call.
type STKPushResponse struct {
	MerchantRequestID   string
	CheckoutRequestID   string
	ResponseDescription string
	CustomerMessage     string
}

// StatusResponse is the outcome of a status query. Pending means the payer
// has not acted yet and the attempt is not terminal.
type StatusResponse struct {
	Pending           bool
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        string
	ResultDesc        string
}

type stkPushWireRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushWireResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryWireRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryWireResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// STKPush prompts the payer's phone to authorize the payment.
func (c *Client) STKPush(ctx context.Context, req STKPushRequest) (*STKPushResponse, error) {
	phone, err := NormalizePhone(req.Phone, c.countryCode)
	if err != nil {
		return nil, err
	}
	amount := NormalizeAmount(req.Amount)
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount %s is not chargeable", ErrBadRequest, req.Amount)
	}

	timestamp := Timestamp(c.now())
	wireReq := stkPushWireRequest{
		BusinessShortCode: c.shortcode,
		Password:          Password(c.shortcode, c.passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   transactionType,
		Amount:            amount,
		PartyA:            phone,
		PartyB:            c.shortcode,
		PhoneNumber:       phone,
		CallBackURL:       c.callbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.Description,
	}

	var wireResp stkPushWireResponse
	if err := c.doCall(ctx, stkPushPath, wireReq, &wireResp, ""); err != nil {
		return nil, err
	}
	if wireResp.ResponseCode != "0" {
		return nil, fmt.Errorf("%w: initiate rejected: %s (code %s)", ErrBadRequest, wireResp.ResponseDescription, wireResp.ResponseCode)
	}
	if wireResp.MerchantRequestID == "" || wireResp.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: initiate response missing correlation ids", ErrUnavailable)
	}

	return &STKPushResponse{
		MerchantRequestID:   wireResp.MerchantRequestID,
		CheckoutRequestID:   wireResp.CheckoutRequestID,
		ResponseDescription: wireResp.ResponseDescription,
		CustomerMessage:     wireResp.CustomerMessage,
	}, nil
}

// QueryStatus asks the gateway for an attempt's outcome. A Pending response
// means the payer has not acted yet; callers keep polling.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*StatusResponse, error) {
	if strings.TrimSpace(checkoutRequestID) == "" {
		return nil, fmt.Errorf("%w: checkout request id is required", ErrBadRequest)
	}

	timestamp := Timestamp(c.now())
	wireReq := stkQueryWireRequest{
		BusinessShortCode: c.shortcode,
		Password:          Password(c.shortcode, c.passkey, timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	var wireResp stkQueryWireResponse
	err := c.doCall(ctx, stkQueryPath, wireReq, &wireResp, queryPendingCode)
	if errors.Is(err, errStillProcessing) {
		return &StatusResponse{Pending: true, CheckoutRequestID: checkoutRequestID}, nil
	}
	if err != nil {
		return nil, err
	}

	return &StatusResponse{
		MerchantRequestID: wireResp.MerchantRequestID,
		CheckoutRequestID: wireResp.CheckoutRequestID,
		ResultCode:        wireResp.ResultCode,
		ResultDesc:        wireResp.ResultDesc,
	}, nil
}

// httpError keeps the raw gateway error body alongside the classified sentinel.
type httpError struct {
	status int
	api    apiError
	err    error
}

func (e *httpError) Error() string { return e.err.Error() }
func (e *httpError) Unwrap() error { return e.err }

// doCall posts the payload with bounded retries. Transient failures back off
// exponentially up to maxAttempts; 4xx responses surface immediately. A single
// 401 triggers one transparent token refresh and one retry of the call.
func (c *Client) doCall(ctx context.Context, path string, payload any, out any, pendingCode string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrBadRequest, err)
	}

	attempts := 0
	backoff := c.backoffBase
	refreshed := false

	for {
		err := c.once(ctx, path, body, out)
		if err == nil {
			return nil
		}

		var httpErr *httpError
		if pendingCode != "" && errors.As(err, &httpErr) && httpErr.api.ErrorCode == pendingCode {
			return errStillProcessing
		}

		if errors.Is(err, ErrAuth) && !refreshed {
			refreshed = true
			c.tokens.Invalidate()
			continue
		}

		attempts++
		if attempts >= c.maxAttempts || !retryable(err) {
			return err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrNetwork, ctx.Err())
		case <-timer.C:
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) once(ctx context.Context, path string, body []byte, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrBadRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrNetwork, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
		}
		return nil
	}

	var api apiError
	_ = json.Unmarshal(respBody, &api)
	return &httpError{status: resp.StatusCode, api: api, err: classifyStatus(resp.StatusCode, api)}
}
