package mpesa

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// ResultCodeSuccess is the gateway's success sentinel in callbacks and query
// responses.
const ResultCodeSuccess = 0

// Metadata item names the gateway uses on successful callbacks. Items are
// matched by name, never by position.
const (
	MetadataReceipt       = "MpesaReceiptNumber"
	MetadataTransactionID = "TransactionID"
	MetadataAmount        = "Amount"
	MetadataPhoneNumber   = "PhoneNumber"
)

// CallbackEnvelope is the exact wire shape of the gateway's webhook delivery.
type CallbackEnvelope struct {
	Body CallbackBody `json:"Body"`
}

type CallbackBody struct {
	StkCallback STKCallback `json:"stkCallback"`
}

type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []CallbackItem `json:"Item"`
}

type CallbackItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value,omitempty"`
}

// AckResponse is the acknowledgement envelope the gateway expects back from
// the webhook endpoint.
type AckResponse struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// ParseCallback decodes a webhook payload and validates its envelope.
func ParseCallback(payload []byte) (*STKCallback, error) {
	var envelope CallbackEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode callback envelope: %w", err)
	}
	cb := envelope.Body.StkCallback
	if cb.MerchantRequestID == "" || cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("callback envelope missing correlation ids")
	}
	return &cb, nil
}

// String returns the metadata item with the given name as a string.
func (m *CallbackMetadata) String(name string) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, item := range m.Item {
		if item.Name != name || item.Value == nil {
			continue
		}
		switch v := item.Value.(type) {
		case string:
			return v, true
		case float64:
			return decimal.NewFromFloat(v).String(), true
		case json.Number:
			return v.String(), true
		default:
			return fmt.Sprintf("%v", v), true
		}
	}
	return "", false
}

// Decimal returns the metadata item with the given name as a decimal amount.
func (m *CallbackMetadata) Decimal(name string) (decimal.Decimal, bool) {
	raw, ok := m.String(name)
	if !ok {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// Receipt returns the transaction receipt, accepting either of the names the
// gateway has used for it.
func (m *CallbackMetadata) Receipt() (string, bool) {
	if receipt, ok := m.String(MetadataReceipt); ok {
		return receipt, true
	}
	return m.String(MetadataTransactionID)
}
