package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/chakulahq/chakula-backend/pkg/db/models"
	"github.com/chakulahq/chakula-backend/pkg/enums"
	pkgerrors "github.com/chakulahq/chakula-backend/pkg/errors"
	"github.com/chakulahq/chakula-backend/pkg/logger"
	"github.com/chakulahq/chakula-backend/pkg/mpesa"
	"github.com/chakulahq/chakula-backend/pkg/redis"
)

const (
	orderNumberPrefix = "ORD"
	sequenceTTL       = 48 * time.Hour
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service defines order-level operations beyond repository reads.
type Service interface {
	Create(ctx context.Context, input CreateOrderInput) (*OrderView, error)
	Get(ctx context.Context, orderID uuid.UUID) (*OrderView, error)
	List(ctx context.Context, filters ListFilters) ([]OrderView, error)
	Transition(ctx context.Context, orderID uuid.UUID, target enums.OrderStatus) (*OrderView, error)
}

// ServiceParams carries the dependencies for the orders service.
type ServiceParams struct {
	Repo        Repository
	Tx          txRunner
	Sequencer   redis.Sequencer
	Logger      *logger.Logger
	CountryCode string
}

type service struct {
	repo        Repository
	tx          txRunner
	sequencer   redis.Sequencer
	logg        *logger.Logger
	countryCode string
	now         func() time.Time
}

// NewService builds the orders service with the required dependencies.
// Sequencer may be nil; order numbers then fall back to a DB count.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	countryCode := params.CountryCode
	if countryCode == "" {
		countryCode = "254"
	}
	return &service{
		repo:        params.Repo,
		tx:          params.Tx,
		sequencer:   params.Sequencer,
		logg:        params.Logger,
		countryCode: countryCode,
		now:         time.Now,
	}, nil
}

func (s *service) Create(ctx context.Context, input CreateOrderInput) (*OrderView, error) {
	if len(input.Items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one line item required")
	}
	if _, err := mpesa.NormalizePhone(input.PayerPhone, s.countryCode); err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payer phone is not a valid subscriber number")
	}

	items := make([]models.OrderLineItem, 0, len(input.Items))
	total := decimal.Zero
	for _, item := range input.Items {
		if item.Name == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "line item name required")
		}
		if item.Qty <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "line item qty must be positive")
		}
		if item.UnitPrice.IsNegative() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "line item unit price cannot be negative")
		}
		lineTotal := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Qty)))
		items = append(items, models.OrderLineItem{
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Qty:       item.Qty,
			LineTotal: lineTotal,
		})
		total = total.Add(lineTotal)
	}
	if total.LessThanOrEqual(decimal.Zero) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order total must be positive")
	}
	if input.Total != nil && !input.Total.Equal(total) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "supplied total does not match line items").
			WithDetails(map[string]string{"computed_total": total.String()})
	}

	orderNumber, err := s.nextOrderNumber(ctx)
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		OrderNumber: orderNumber,
		Status:      enums.OrderStatusPending,
		TotalAmount: total,
		PayerPhone:  input.PayerPhone,
		Notes:       input.Notes,
		Items:       items,
	}

	if err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		_, createErr := s.repo.WithTx(tx).CreateOrder(ctx, order)
		return createErr
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
	}

	view := toOrderView(order)
	return &view, nil
}

func (s *service) Get(ctx context.Context, orderID uuid.UUID) (*OrderView, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := s.repo.FindOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	view := toOrderView(order)
	return &view, nil
}

func (s *service) List(ctx context.Context, filters ListFilters) ([]OrderView, error) {
	orders, err := s.repo.ListOrders(ctx, filters)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders")
	}
	views := make([]OrderView, 0, len(orders))
	for i := range orders {
		views = append(views, toOrderView(&orders[i]))
	}
	return views, nil
}

func (s *service) Transition(ctx context.Context, orderID uuid.UUID, target enums.OrderStatus) (*OrderView, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if !target.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid order status")
	}

	order, err := s.repo.FindOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}

	if order.Status == target {
		view := toOrderView(order)
		return &view, nil
	}
	if !order.Status.CanTransitionTo(target) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict,
			fmt.Sprintf("cannot move order from %s to %s", order.Status, target))
	}

	won, err := s.repo.UpdateOrderStatus(ctx, order.ID, order.Status, target)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
	}
	if !won {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order status changed concurrently")
	}

	order.Status = target
	view := toOrderView(order)
	return &view, nil
}

// nextOrderNumber issues ORD-YYYYMMDD-NNNN from the Redis daily sequence. The
// counter key expires after 48h so abandoned days clean themselves up. When
// Redis is unavailable the number falls back to a DB count for the day.
func (s *service) nextOrderNumber(ctx context.Context) (string, error) {
	now := s.now().UTC()
	day := now.Format("20060102")

	if s.sequencer != nil {
		key := s.sequencer.CounterKey("orders:" + day)
		seq, err := s.sequencer.IncrWithTTL(ctx, key, sequenceTTL)
		if err == nil {
			return fmt.Sprintf("%s-%s-%04d", orderNumberPrefix, day, seq), nil
		}
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "order sequence unavailable, falling back to db count")
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	count, err := s.repo.CountOrdersCreatedSince(ctx, midnight)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count orders for sequence fallback")
	}
	return fmt.Sprintf("%s-%s-%04d", orderNumberPrefix, day, count+1), nil
}

func toOrderView(order *models.Order) OrderView {
	items := make([]LineItemView, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, LineItemView{
			ID:        item.ID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Qty:       item.Qty,
			LineTotal: item.LineTotal,
		})
	}
	return OrderView{
		ID:            order.ID,
		OrderNumber:   order.OrderNumber,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		TotalAmount:   order.TotalAmount,
		PayerPhone:    order.PayerPhone,
		Notes:         order.Notes,
		Items:         items,
		CreatedAt:     order.CreatedAt,
		UpdatedAt:     order.UpdatedAt,
	}
}
