package mpesa

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chakulahq/chakula-backend/pkg/config"
)

type stubTokens struct {
	token       string
	err         error
	issued      int64
	invalidated int64
}

func (s *stubTokens) Token(ctx context.Context) (string, error) {
	atomic.AddInt64(&s.issued, 1)
	if s.err != nil {
		return "", s.err
	}
	return s.token, nil
}

func (s *stubTokens) Invalidate() {
	atomic.AddInt64(&s.invalidated, 1)
}

func newTestClient(t *testing.T, baseURL string, tokens tokenSource) *Client {
	t.Helper()
	client, err := NewClient(config.MpesaConfig{
		BaseURL:        baseURL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Shortcode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://api.chakula.test/api/v1/webhooks/mpesa",
		CountryCode:    "254",
		HTTPTimeout:    5 * time.Second,
		MaxRetries:     3,
	}, WithTokenSource(tokens), WithBackoffBase(time.Millisecond))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestSTKPushSendsSignedRequest(t *testing.T) {
	var captured stkPushWireRequest
	var authHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != stkPushPath {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		authHeader = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"MerchantRequestID":"m-1","CheckoutRequestID":"c-1","ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing","CustomerMessage":"Success. Request accepted for processing"}`))
	}))
	defer srv.Close()

	tokens := &stubTokens{token: "bearer-token"}
	client := newTestClient(t, srv.URL, tokens)

	resp, err := client.STKPush(context.Background(), STKPushRequest{
		Phone:            "0712345678",
		Amount:           decimal.RequireFromString("330.50"),
		AccountReference: "ORD-20260815-0042",
		Description:      "Chakula order",
	})
	if err != nil {
		t.Fatalf("stk push: %v", err)
	}
	if resp.MerchantRequestID != "m-1" || resp.CheckoutRequestID != "c-1" {
		t.Fatalf("unexpected response %+v", resp)
	}

	if authHeader != "Bearer bearer-token" {
		t.Fatalf("unexpected authorization header %q", authHeader)
	}
	if captured.PhoneNumber != "254712345678" || captured.PartyA != "254712345678" {
		t.Fatalf("phone not normalized: %+v", captured)
	}
	if captured.Amount != 331 {
		t.Fatalf("amount not rounded: %d", captured.Amount)
	}
	if captured.TransactionType != transactionType {
		t.Fatalf("unexpected transaction type %q", captured.TransactionType)
	}
	if captured.Password != Password("174379", "passkey", captured.Timestamp) {
		t.Fatal("password does not match shortcode/passkey/timestamp derivation")
	}
	if captured.CallBackURL != "https://api.chakula.test/api/v1/webhooks/mpesa" {
		t.Fatalf("unexpected callback url %q", captured.CallBackURL)
	}
}

func TestSTKPushRetriesTransientFailures(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"requestId":"r1","errorCode":"500.002.1001","errorMessage":"Service unavailable"}`))
			return
		}
		_, _ = w.Write([]byte(`{"MerchantRequestID":"m-1","CheckoutRequestID":"c-1","ResponseCode":"0","ResponseDescription":"ok"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, &stubTokens{token: "t"})

	resp, err := client.STKPush(context.Background(), STKPushRequest{
		Phone:  "0712345678",
		Amount: decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("stk push: %v", err)
	}
	if resp.CheckoutRequestID != "c-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got := atomic.LoadInt64(&calls); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestSTKPushStopsAfterMaxAttempts(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, &stubTokens{token: "t"})

	_, err := client.STKPush(context.Background(), STKPushRequest{
		Phone:  "0712345678",
		Amount: decimal.NewFromInt(100),
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := atomic.LoadInt64(&calls); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
}

func TestSTKPushDoesNotRetryBadRequest(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"requestId":"r1","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid Amount"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, &stubTokens{token: "t"})

	_, err := client.STKPush(context.Background(), STKPushRequest{
		Phone:  "0712345678",
		Amount: decimal.NewFromInt(100),
	})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("4xx must not retry; got %d calls", got)
	}
}

func TestSTKPushRefreshesTokenOnceOn401(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errorCode":"404.001.04","errorMessage":"Invalid Access Token"}`))
			return
		}
		_, _ = w.Write([]byte(`{"MerchantRequestID":"m-1","CheckoutRequestID":"c-1","ResponseCode":"0","ResponseDescription":"ok"}`))
	}))
	defer srv.Close()

	tokens := &stubTokens{token: "t"}
	client := newTestClient(t, srv.URL, tokens)

	resp, err := client.STKPush(context.Background(), STKPushRequest{
		Phone:  "0712345678",
		Amount: decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("stk push: %v", err)
	}
	if resp.CheckoutRequestID != "c-1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got := atomic.LoadInt64(&tokens.invalidated); got != 1 {
		t.Fatalf("expected 1 invalidation, got %d", got)
	}
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestSTKPushPersistentAuthFailure(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &stubTokens{token: "t"}
	client := newTestClient(t, srv.URL, tokens)

	_, err := client.STKPush(context.Background(), STKPushRequest{
		Phone:  "0712345678",
		Amount: decimal.NewFromInt(100),
	})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if got := atomic.LoadInt64(&tokens.invalidated); got != 1 {
		t.Fatalf("expected exactly 1 refresh attempt, got %d", got)
	}
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestSTKPushRejectsInvalidInputLocally(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("gateway must not be called for invalid input")
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, &stubTokens{token: "t"})

	if _, err := client.STKPush(context.Background(), STKPushRequest{
		Phone:  "not-a-phone",
		Amount: decimal.NewFromInt(100),
	}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for bad phone, got %v", err)
	}

	if _, err := client.STKPush(context.Background(), STKPushRequest{
		Phone:  "0712345678",
		Amount: decimal.NewFromInt(0),
	}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for zero amount, got %v", err)
	}
}

func TestQueryStatusMapsPendingSentinel(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		if r.URL.Path != stkQueryPath {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"requestId":"r1","errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, &stubTokens{token: "t"})

	status, err := client.QueryStatus(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if !status.Pending {
		t.Fatalf("expected pending status, got %+v", status)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("pending sentinel must not retry; got %d calls", got)
	}
}

func TestQueryStatusReturnsOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req stkQueryWireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.CheckoutRequestID != "c-1" {
			t.Errorf("unexpected checkout request id %q", req.CheckoutRequestID)
		}
		_, _ = w.Write([]byte(`{"ResponseCode":"0","ResponseDescription":"The service request has been accepted successsfully","MerchantRequestID":"m-1","CheckoutRequestID":"c-1","ResultCode":"1032","ResultDesc":"Request cancelled by user"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, &stubTokens{token: "t"})

	status, err := client.QueryStatus(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if status.Pending {
		t.Fatal("resolved outcome must not be pending")
	}
	if status.ResultCode != "1032" || status.ResultDesc != "Request cancelled by user" {
		t.Fatalf("unexpected outcome %+v", status)
	}
}

func TestQueryStatusRequiresCheckoutRequestID(t *testing.T) {
	client := newTestClient(t, "http://gateway.test", &stubTokens{token: "t"})
	if _, err := client.QueryStatus(context.Background(), "  "); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}
