package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chakulahq/chakula-backend/pkg/enums"
)

// PaymentAttempt tracks a single STK push against the gateway. An order has at
// most one active (pending/processing) attempt; retired attempts are never
// deleted or re-armed. The correlation id pair is stamped exactly once, when
// the gateway acknowledges the initiate call.
type PaymentAttempt struct {
	ID                uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	OrderID           uuid.UUID           `gorm:"column:order_id;type:uuid;not null;index"`
	MerchantRequestID *string             `gorm:"column:merchant_request_id;uniqueIndex"`
	CheckoutRequestID *string             `gorm:"column:checkout_request_id;uniqueIndex"`
	Amount            decimal.Decimal     `gorm:"column:amount;type:numeric(12,2);not null"`
	PayerPhone        string              `gorm:"column:payer_phone;not null"`
	Status            enums.PaymentStatus `gorm:"column:status;not null;default:'pending'"`
	ResultCode        *string             `gorm:"column:result_code"`
	ResultDesc        *string             `gorm:"column:result_desc"`
	ReceiptNumber     *string             `gorm:"column:receipt_number"`
	RawCallback       []byte              `gorm:"column:raw_callback;type:jsonb"`
	CreatedAt         time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}
