package mpesa

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	tokenPath          = "/oauth/v1/generate?grant_type=client_credentials"
	defaultTokenMargin = 5 * time.Minute
)

// tokenSource abstracts credential retrieval for the client.
type tokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// TokenCache exchanges client credentials for a bearer token and caches it
// until shortly before expiry. Concurrent refreshes collapse into a single
// outbound request; every waiter receives that request's result.
type TokenCache struct {
	httpClient     *http.Client
	baseURL        string
	consumerKey    string
	consumerSecret string
	margin         time.Duration
	now            func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time

	group singleflight.Group
}

// NewTokenCache builds a token cache against the given gateway base URL.
func NewTokenCache(httpClient *http.Client, baseURL, consumerKey, consumerSecret string, margin time.Duration) (*TokenCache, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		return nil, fmt.Errorf("mpesa: base url is required")
	}
	if consumerKey == "" || consumerSecret == "" {
		return nil, fmt.Errorf("mpesa: consumer credentials are required")
	}
	if margin <= 0 {
		margin = defaultTokenMargin
	}
	return &TokenCache{
		httpClient:     httpClient,
		baseURL:        baseURL,
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		margin:         margin,
		now:            time.Now,
	}, nil
}

// Token returns the cached bearer token, refreshing it when it is within the
// safety margin of expiry.
func (tc *TokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.Lock()
	if tc.token != "" && tc.now().Before(tc.expiry.Add(-tc.margin)) {
		token := tc.token
		tc.mu.Unlock()
		return token, nil
	}
	tc.mu.Unlock()

	result, err, _ := tc.group.Do("token", func() (any, error) {
		// Another waiter may have refreshed while this one queued.
		tc.mu.Lock()
		if tc.token != "" && tc.now().Before(tc.expiry.Add(-tc.margin)) {
			token := tc.token
			tc.mu.Unlock()
			return token, nil
		}
		tc.mu.Unlock()

		token, expiresIn, err := tc.fetch(ctx)
		if err != nil {
			return "", err
		}

		tc.mu.Lock()
		tc.token = token
		tc.expiry = tc.now().Add(expiresIn)
		tc.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Invalidate drops the cached token so the next caller refreshes it.
func (tc *TokenCache) Invalidate() {
	tc.mu.Lock()
	tc.token = ""
	tc.expiry = time.Time{}
	tc.mu.Unlock()
}

func (tc *TokenCache) fetch(ctx context.Context) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tc.baseURL+tokenPath, nil)
	if err != nil {
		return "", 0, fmt.Errorf("%w: build token request: %v", ErrAuth, err)
	}
	req.SetBasicAuth(tc.consumerKey, tc.consumerSecret)

	resp, err := tc.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: token endpoint unreachable: %v", ErrAuth, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", 0, fmt.Errorf("%w: read token response: %v", ErrAuth, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("%w: token endpoint returned status %d", ErrAuth, resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", 0, fmt.Errorf("%w: decode token response: %v", ErrAuth, err)
	}
	if payload.AccessToken == "" {
		return "", 0, fmt.Errorf("%w: token response missing access_token", ErrAuth)
	}

	expiresIn := time.Hour
	if secs, err := strconv.Atoi(payload.ExpiresIn); err == nil && secs > 0 {
		expiresIn = time.Duration(secs) * time.Second
	}
	return payload.AccessToken, expiresIn, nil
}
