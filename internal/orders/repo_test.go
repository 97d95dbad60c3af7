package orders

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/chakulahq/chakula-backend/pkg/db/models"
	"github.com/chakulahq/chakula-backend/pkg/enums"
)

func setupOrdersTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	ordersTable := `
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  order_number TEXT NOT NULL UNIQUE,
  status TEXT NOT NULL DEFAULT 'pending',
  payment_status TEXT,
  total_amount NUMERIC NOT NULL,
  payer_phone TEXT NOT NULL,
  notes TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`
	lineItemsTable := `
CREATE TABLE IF NOT EXISTS order_line_items (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  name TEXT NOT NULL,
  unit_price NUMERIC NOT NULL,
  qty INTEGER NOT NULL,
  line_total NUMERIC NOT NULL,
  created_at DATETIME
);`
	require.NoError(t, db.Exec(ordersTable).Error)
	require.NoError(t, db.Exec(lineItemsTable).Error)
	return db
}

func newTestOrder(number string) *models.Order {
	return &models.Order{
		OrderNumber: number,
		Status:      enums.OrderStatusPending,
		TotalAmount: decimal.RequireFromString("660.00"),
		PayerPhone:  "0712345678",
		Items: []models.OrderLineItem{
			{Name: "Ugali & Sukuma", UnitPrice: decimal.RequireFromString("220.00"), Qty: 2, LineTotal: decimal.RequireFromString("440.00")},
			{Name: "Chai", UnitPrice: decimal.RequireFromString("110.00"), Qty: 2, LineTotal: decimal.RequireFromString("220.00")},
		},
	}
}

func TestCreateAndFindOrder(t *testing.T) {
	db := setupOrdersTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	created, err := repo.CreateOrder(ctx, newTestOrder("ORD-20260815-0001"))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, created.ID)
	for _, item := range created.Items {
		assert.NotEqual(t, uuid.Nil, item.ID)
		assert.Equal(t, created.ID, item.OrderID)
	}

	found, err := repo.FindOrder(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "ORD-20260815-0001", found.OrderNumber)
	assert.Equal(t, enums.OrderStatusPending, found.Status)
	assert.Nil(t, found.PaymentStatus)
	assert.Len(t, found.Items, 2)
	assert.True(t, found.TotalAmount.Equal(decimal.RequireFromString("660.00")))
}

func TestFindOrderNotFound(t *testing.T) {
	db := setupOrdersTestDB(t)
	repo := NewRepository(db)

	_, err := repo.FindOrder(context.Background(), uuid.New())
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestListOrdersFilters(t *testing.T) {
	db := setupOrdersTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	first, err := repo.CreateOrder(ctx, newTestOrder("ORD-20260815-0001"))
	require.NoError(t, err)
	_, err = repo.CreateOrder(ctx, newTestOrder("ORD-20260815-0002"))
	require.NoError(t, err)

	won, err := repo.UpdateOrderStatus(ctx, first.ID, enums.OrderStatusPending, enums.OrderStatusConfirmed)
	require.NoError(t, err)
	require.True(t, won)

	all, err := repo.ListOrders(ctx, ListFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	confirmed := enums.OrderStatusConfirmed
	filtered, err := repo.ListOrders(ctx, ListFilters{Status: &confirmed})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, first.ID, filtered[0].ID)
}

func TestUpdateOrderStatusGuardsPreviousState(t *testing.T) {
	db := setupOrdersTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	order, err := repo.CreateOrder(ctx, newTestOrder("ORD-20260815-0001"))
	require.NoError(t, err)

	won, err := repo.UpdateOrderStatus(ctx, order.ID, enums.OrderStatusPending, enums.OrderStatusConfirmed)
	require.NoError(t, err)
	assert.True(t, won)

	// Stale transition: the order is no longer pending.
	won, err = repo.UpdateOrderStatus(ctx, order.ID, enums.OrderStatusPending, enums.OrderStatusCancelled)
	require.NoError(t, err)
	assert.False(t, won)

	found, err := repo.FindOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusConfirmed, found.Status)
}

func TestCountOrdersCreatedSince(t *testing.T) {
	db := setupOrdersTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	_, err := repo.CreateOrder(ctx, newTestOrder("ORD-20260815-0001"))
	require.NoError(t, err)
	_, err = repo.CreateOrder(ctx, newTestOrder("ORD-20260815-0002"))
	require.NoError(t, err)

	count, err := repo.CountOrdersCreatedSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = repo.CountOrdersCreatedSince(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}
