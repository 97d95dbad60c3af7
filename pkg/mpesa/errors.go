package mpesa

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying gateway failures. Callers test with errors.Is
// to decide between user-retryable and operator-facing failures.
var (
	ErrBadRequest  = errors.New("mpesa: bad request")
	ErrAuth        = errors.New("mpesa: authentication failed")
	ErrRateLimited = errors.New("mpesa: rate limited")
	ErrUnavailable = errors.New("mpesa: gateway unavailable")
	ErrNetwork     = errors.New("mpesa: network error")
)

// apiError is the error body Daraja returns on non-2xx responses.
type apiError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func classifyStatus(status int, body apiError) error {
	detail := body.ErrorMessage
	if detail == "" {
		detail = "no error body"
	}
	switch {
	case status == 401 || status == 403:
		return fmt.Errorf("%w: %s (%s)", ErrAuth, detail, body.ErrorCode)
	case status == 429:
		return fmt.Errorf("%w: %s", ErrRateLimited, detail)
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s (%s)", ErrUnavailable, status, detail, body.ErrorCode)
	default:
		return fmt.Errorf("%w: status %d: %s (%s)", ErrBadRequest, status, detail, body.ErrorCode)
	}
}

// retryable reports whether the classified error is transient.
func retryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited)
}
