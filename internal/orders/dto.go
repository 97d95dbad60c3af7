package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chakulahq/chakula-backend/pkg/enums"
)

// LineItemInput is one catalog item at the price the client saw.
type LineItemInput struct {
	Name      string          `json:"name" validate:"required"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"required"`
	Qty       int             `json:"qty" validate:"required,gt=0"`
}

// CreateOrderInput captures a new order. Total is optional; when present it
// must match the server-computed sum of the line items.
type CreateOrderInput struct {
	Items      []LineItemInput  `json:"items" validate:"required,min=1,dive"`
	PayerPhone string           `json:"payer_phone" validate:"required"`
	Total      *decimal.Decimal `json:"total,omitempty"`
	Notes      *string          `json:"notes,omitempty"`
}

// ListFilters describe the inputs supported by the orders list.
type ListFilters struct {
	Status        *enums.OrderStatus
	PaymentStatus *enums.PaymentStatus
	Limit         int
}

// LineItemView is the line item shape returned to clients.
type LineItemView struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Qty       int             `json:"qty"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// OrderView is the order shape returned to clients.
type OrderView struct {
	ID            uuid.UUID            `json:"id"`
	OrderNumber   string               `json:"order_number"`
	Status        enums.OrderStatus    `json:"status"`
	PaymentStatus *enums.PaymentStatus `json:"payment_status,omitempty"`
	TotalAmount   decimal.Decimal      `json:"total_amount"`
	PayerPhone    string               `json:"payer_phone"`
	Notes         *string              `json:"notes,omitempty"`
	Items         []LineItemView       `json:"items"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}
