package payments

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chakulahq/chakula-backend/pkg/enums"
	"github.com/chakulahq/chakula-backend/pkg/mpesa"
)

// FinalizeParams carries the terminal outcome written onto an attempt.
type FinalizeParams struct {
	Status        enums.PaymentStatus
	ResultCode    *string
	ResultDesc    *string
	ReceiptNumber *string
	RawCallback   []byte
}

// Outcome is a resolved gateway result, from either the callback or the
// status query. ResultCode zero means the payer authorized the charge.
type Outcome struct {
	ResultCode int
	ResultDesc string
	Receipt    *string
	Raw        []byte
}

// Status maps the result code onto the terminal attempt status.
func (o Outcome) Status() enums.PaymentStatus {
	if o.ResultCode == mpesa.ResultCodeSuccess {
		return enums.PaymentStatusCompleted
	}
	return enums.PaymentStatusFailed
}

func (o Outcome) finalizeParams() FinalizeParams {
	code := strconv.Itoa(o.ResultCode)
	desc := o.ResultDesc
	return FinalizeParams{
		Status:        o.Status(),
		ResultCode:    &code,
		ResultDesc:    &desc,
		ReceiptNumber: o.Receipt,
		RawCallback:   o.Raw,
	}
}

// InitiateResult is returned when the gateway accepts an STK push.
type InitiateResult struct {
	AttemptID         uuid.UUID       `json:"attempt_id"`
	OrderID           uuid.UUID       `json:"order_id"`
	MerchantRequestID string          `json:"merchant_request_id"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	Amount            decimal.Decimal `json:"amount"`
	CustomerMessage   string          `json:"customer_message,omitempty"`
}

// StatusView is the read-only projection of an order's payment state.
type StatusView struct {
	AttemptID     uuid.UUID           `json:"attempt_id"`
	OrderID       uuid.UUID           `json:"order_id"`
	Status        enums.PaymentStatus `json:"status"`
	Amount        decimal.Decimal     `json:"amount"`
	Receipt       *string             `json:"receipt,omitempty"`
	FailureReason *string             `json:"failure_reason,omitempty"`
	UpdatedAt     time.Time           `json:"updated_at"`
}
