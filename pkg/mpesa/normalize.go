package mpesa

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const timestampLayout = "20060102150405"

// NormalizePhone rewrites a subscriber number into the gateway's international
// form (2547XXXXXXXX). Local 0-prefixed numbers get the country code; numbers
// already carrying it pass through unchanged.
func NormalizePhone(raw, countryCode string) (string, error) {
	phone := strings.TrimSpace(raw)
	phone = strings.TrimPrefix(phone, "+")
	phone = strings.ReplaceAll(phone, " ", "")
	phone = strings.ReplaceAll(phone, "-", "")

	if phone == "" {
		return "", fmt.Errorf("%w: phone number is empty", ErrBadRequest)
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: phone number %q contains non-digits", ErrBadRequest, raw)
		}
	}

	switch {
	case strings.HasPrefix(phone, countryCode) && len(phone) == len(countryCode)+9:
		return phone, nil
	case strings.HasPrefix(phone, "0") && len(phone) == 10:
		return countryCode + phone[1:], nil
	case len(phone) == 9:
		return countryCode + phone, nil
	default:
		return "", fmt.Errorf("%w: phone number %q is not a recognized subscriber format", ErrBadRequest, raw)
	}
}

// NormalizeAmount converts a decimal amount into the whole-unit integer the
// gateway charges. Fractions round half away from zero, so 330.50 charges 331
// and 330.49 charges 330.
func NormalizeAmount(amount decimal.Decimal) int64 {
	return amount.Round(0).IntPart()
}

// Password derives the per-call STK password: base64(shortcode + passkey + timestamp).
// The gateway validates freshness, so it is regenerated for every call.
func Password(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}

// Timestamp formats t in the gateway's expected layout.
func Timestamp(t time.Time) string {
	return t.Format(timestampLayout)
}
