package orders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/chakulahq/chakula-backend/pkg/db/models"
	"github.com/chakulahq/chakula-backend/pkg/enums"
	pkgerrors "github.com/chakulahq/chakula-backend/pkg/errors"
	"github.com/chakulahq/chakula-backend/pkg/logger"
)

type stubOrdersRepo struct {
	order       *models.Order
	orders      []models.Order
	created     *models.Order
	updateFrom  enums.OrderStatus
	updateTo    enums.OrderStatus
	updateWon   bool
	dayCount    int64
	countCalled bool
	createErr   error
	findErr     error
	countErr    error
	updateErr   error
}

func (s *stubOrdersRepo) WithTx(tx *gorm.DB) Repository { return s }

func (s *stubOrdersRepo) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	s.created = order
	return order, nil
}

func (s *stubOrdersRepo) FindOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.order == nil || s.order.ID != orderID {
		return nil, gorm.ErrRecordNotFound
	}
	return s.order, nil
}

func (s *stubOrdersRepo) ListOrders(ctx context.Context, filters ListFilters) ([]models.Order, error) {
	return s.orders, nil
}

func (s *stubOrdersRepo) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, from, to enums.OrderStatus) (bool, error) {
	if s.updateErr != nil {
		return false, s.updateErr
	}
	s.updateFrom = from
	s.updateTo = to
	return s.updateWon, nil
}

func (s *stubOrdersRepo) CountOrdersCreatedSince(ctx context.Context, since time.Time) (int64, error) {
	s.countCalled = true
	if s.countErr != nil {
		return 0, s.countErr
	}
	return s.dayCount, nil
}

type stubSequencer struct {
	next int64
	err  error
}

func (s *stubSequencer) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.next++
	return s.next, nil
}

func (s *stubSequencer) CounterKey(name string) string {
	return "ck:counter:" + name
}

type stubTxRunner struct{}

func (stubTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func newTestService(t *testing.T, repo Repository, seq *stubSequencer) Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Repo:        repo,
		Tx:          stubTxRunner{},
		Sequencer:   seq,
		Logger:      logger.New(logger.Options{ServiceName: "orders-test", Output: io.Discard}),
		CountryCode: "254",
	})
	require.NoError(t, err)
	return svc
}

func validCreateInput() CreateOrderInput {
	return CreateOrderInput{
		Items: []LineItemInput{
			{Name: "Pilau", UnitPrice: decimal.RequireFromString("350.00"), Qty: 2},
			{Name: "Soda", UnitPrice: decimal.RequireFromString("80.00"), Qty: 1},
		},
		PayerPhone: "0712345678",
	}
}

func TestCreateOrderSnapshotsTotals(t *testing.T) {
	repo := &stubOrdersRepo{}
	svc := newTestService(t, repo, &stubSequencer{})

	view, err := svc.Create(context.Background(), validCreateInput())
	require.NoError(t, err)

	assert.True(t, view.TotalAmount.Equal(decimal.RequireFromString("780.00")))
	require.Len(t, view.Items, 2)
	assert.True(t, view.Items[0].LineTotal.Equal(decimal.RequireFromString("700.00")))
	assert.True(t, view.Items[1].LineTotal.Equal(decimal.RequireFromString("80.00")))
	assert.Equal(t, enums.OrderStatusPending, view.Status)
	assert.Nil(t, view.PaymentStatus)
	require.NotNil(t, repo.created)
}

func TestCreateOrderNumberFromSequence(t *testing.T) {
	repo := &stubOrdersRepo{}
	svc := newTestService(t, repo, &stubSequencer{})

	day := time.Now().UTC().Format("20060102")
	for i := 1; i <= 2; i++ {
		view, err := svc.Create(context.Background(), validCreateInput())
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("ORD-%s-%04d", day, i), view.OrderNumber)
	}
}

func TestCreateOrderNumberFallsBackToDBCount(t *testing.T) {
	repo := &stubOrdersRepo{dayCount: 7}
	svc := newTestService(t, repo, &stubSequencer{err: errors.New("redis down")})

	view, err := svc.Create(context.Background(), validCreateInput())
	require.NoError(t, err)
	assert.True(t, repo.countCalled)

	day := time.Now().UTC().Format("20060102")
	assert.Equal(t, fmt.Sprintf("ORD-%s-0008", day), view.OrderNumber)
}

func TestCreateOrderRejectsTotalMismatch(t *testing.T) {
	repo := &stubOrdersRepo{}
	svc := newTestService(t, repo, &stubSequencer{})

	input := validCreateInput()
	wrong := decimal.RequireFromString("100.00")
	input.Total = &wrong

	_, err := svc.Create(context.Background(), input)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())
	assert.Nil(t, repo.created)
}

func TestCreateOrderAcceptsMatchingTotal(t *testing.T) {
	repo := &stubOrdersRepo{}
	svc := newTestService(t, repo, &stubSequencer{})

	input := validCreateInput()
	total := decimal.RequireFromString("780.00")
	input.Total = &total

	_, err := svc.Create(context.Background(), input)
	require.NoError(t, err)
}

func TestCreateOrderValidation(t *testing.T) {
	repo := &stubOrdersRepo{}
	svc := newTestService(t, repo, &stubSequencer{})

	cases := []struct {
		name   string
		mutate func(*CreateOrderInput)
	}{
		{name: "no items", mutate: func(in *CreateOrderInput) { in.Items = nil }},
		{name: "bad phone", mutate: func(in *CreateOrderInput) { in.PayerPhone = "12345" }},
		{name: "zero qty", mutate: func(in *CreateOrderInput) { in.Items[0].Qty = 0 }},
		{name: "negative price", mutate: func(in *CreateOrderInput) { in.Items[0].UnitPrice = decimal.RequireFromString("-1") }},
		{name: "empty name", mutate: func(in *CreateOrderInput) { in.Items[0].Name = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := validCreateInput()
			tc.mutate(&input)
			_, err := svc.Create(context.Background(), input)
			require.Error(t, err)
			assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.As(err).Code())
		})
	}
}

func TestTransitionFollowsTable(t *testing.T) {
	orderID := uuid.New()
	repo := &stubOrdersRepo{
		order:     &models.Order{ID: orderID, Status: enums.OrderStatusPending},
		updateWon: true,
	}
	svc := newTestService(t, repo, &stubSequencer{})

	view, err := svc.Transition(context.Background(), orderID, enums.OrderStatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusConfirmed, view.Status)
	assert.Equal(t, enums.OrderStatusPending, repo.updateFrom)
	assert.Equal(t, enums.OrderStatusConfirmed, repo.updateTo)
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	orderID := uuid.New()
	repo := &stubOrdersRepo{
		order: &models.Order{ID: orderID, Status: enums.OrderStatusPending},
	}
	svc := newTestService(t, repo, &stubSequencer{})

	_, err := svc.Transition(context.Background(), orderID, enums.OrderStatusReady)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.As(err).Code())
}

func TestTransitionIdempotentOnSameStatus(t *testing.T) {
	orderID := uuid.New()
	repo := &stubOrdersRepo{
		order: &models.Order{ID: orderID, Status: enums.OrderStatusConfirmed},
	}
	svc := newTestService(t, repo, &stubSequencer{})

	view, err := svc.Transition(context.Background(), orderID, enums.OrderStatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusConfirmed, view.Status)
	assert.Zero(t, repo.updateTo)
}

func TestTransitionLostRaceIsStateConflict(t *testing.T) {
	orderID := uuid.New()
	repo := &stubOrdersRepo{
		order:     &models.Order{ID: orderID, Status: enums.OrderStatusPending},
		updateWon: false,
	}
	svc := newTestService(t, repo, &stubSequencer{})

	_, err := svc.Transition(context.Background(), orderID, enums.OrderStatusConfirmed)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeStateConflict, pkgerrors.As(err).Code())
}

func TestTransitionCancelledFromAnyNonTerminal(t *testing.T) {
	for _, status := range []enums.OrderStatus{
		enums.OrderStatusPending,
		enums.OrderStatusConfirmed,
		enums.OrderStatusPreparing,
		enums.OrderStatusReady,
	} {
		orderID := uuid.New()
		repo := &stubOrdersRepo{
			order:     &models.Order{ID: orderID, Status: status},
			updateWon: true,
		}
		svc := newTestService(t, repo, &stubSequencer{})

		view, err := svc.Transition(context.Background(), orderID, enums.OrderStatusCancelled)
		require.NoError(t, err, "cancel from %s", status)
		assert.Equal(t, enums.OrderStatusCancelled, view.Status)
	}
}

func TestGetNotFound(t *testing.T) {
	svc := newTestService(t, &stubOrdersRepo{}, &stubSequencer{})
	_, err := svc.Get(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.As(err).Code())
}
