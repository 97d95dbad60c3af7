package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chakulahq/chakula-backend/pkg/enums"
)

// Order represents one customer purchase intent. Fulfillment status and
// payment status have independent lifecycles.
type Order struct {
	ID            uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	OrderNumber   string               `gorm:"column:order_number;not null;uniqueIndex"`
	Status        enums.OrderStatus    `gorm:"column:status;not null;default:'pending'"`
	PaymentStatus *enums.PaymentStatus `gorm:"column:payment_status"`
	TotalAmount   decimal.Decimal      `gorm:"column:total_amount;type:numeric(12,2);not null"`
	PayerPhone    string               `gorm:"column:payer_phone;not null"`
	Notes         *string              `gorm:"column:notes"`
	Items         []OrderLineItem      `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	CreatedAt     time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}
