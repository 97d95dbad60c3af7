package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chakulahq/chakula-backend/internal/orders"
	"github.com/chakulahq/chakula-backend/pkg/db"
	"github.com/chakulahq/chakula-backend/pkg/db/models"
	"github.com/chakulahq/chakula-backend/pkg/enums"
	pkgerrors "github.com/chakulahq/chakula-backend/pkg/errors"
	"github.com/chakulahq/chakula-backend/pkg/logger"
	"github.com/chakulahq/chakula-backend/pkg/metrics"
	"github.com/chakulahq/chakula-backend/pkg/mpesa"
)

const cancelledByOperatorDesc = "cancelled before completion"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service drives the payment attempt lifecycle: initiation against the
// gateway, cancellation, outcome application, and the status projection.
type Service interface {
	Initiate(ctx context.Context, orderID uuid.UUID, payerPhone string) (*InitiateResult, error)
	Cancel(ctx context.Context, orderID uuid.UUID) (*StatusView, error)
	Status(ctx context.Context, orderID uuid.UUID) (*StatusView, error)
	ApplyOutcome(ctx context.Context, attempt *models.PaymentAttempt, outcome Outcome) (bool, error)
	ApplyTimeout(ctx context.Context, attempt *models.PaymentAttempt, reason string) (bool, error)
}

// ServiceParams carries the dependencies for the payments service.
type ServiceParams struct {
	Repo        Repository
	OrdersRepo  orders.Repository
	Tx          txRunner
	Gateway     gatewayClient
	Logger      *logger.Logger
	Metrics     *metrics.PaymentMetrics
	CountryCode string
}

type service struct {
	repo        Repository
	ordersRepo  orders.Repository
	tx          txRunner
	gateway     gatewayClient
	logg        *logger.Logger
	metrics     *metrics.PaymentMetrics
	countryCode string
}

// NewService builds the payments service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("payments repository required")
	}
	if params.OrdersRepo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("gateway client required")
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
		ordersRepo:  params.OrdersRepo,
		tx:          params.Tx,
		gateway:     params.Gateway,
		logg:        params.Logger,
		metrics:     params.Metrics,
		countryCode: countryCode,
	}, nil
}

// Initiate creates a pending attempt for the order and sends the STK push.
// An empty payerPhone charges the phone captured on the order; a non-empty
// one overrides it for this attempt. The correlation ids are stamped in one
// conditional write once the gateway acknowledges; a gateway rejection
// retires the attempt as failed so the caller can retry.
func (s *service) Initiate(ctx context.Context, orderID uuid.UUID, payerPhone string) (*InitiateResult, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	if payerPhone != "" {
		if _, err := mpesa.NormalizePhone(payerPhone, s.countryCode); err != nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "payer phone is not a valid subscriber number")
		}
	}

	order, err := s.ordersRepo.FindOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if order.Status == enums.OrderStatusCancelled {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order is cancelled")
	}
	if order.PaymentStatus != nil && *order.PaymentStatus == enums.PaymentStatusCompleted {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order is already paid")
	}

	chargePhone := order.PayerPhone
	if payerPhone != "" {
		chargePhone = payerPhone
	}

	attempt := &models.PaymentAttempt{
		OrderID:    order.ID,
		Amount:     order.TotalAmount,
		PayerPhone: chargePhone,
		Status:     enums.PaymentStatusPending,
	}

	if err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if _, findErr := repo.FindActiveAttemptByOrder(ctx, order.ID); findErr == nil {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "a payment attempt is already in flight for this order")
		} else if !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, findErr, "check active attempts")
		}
		if _, createErr := repo.CreateAttempt(ctx, attempt); createErr != nil {
			if db.IsUniqueViolation(createErr, "") {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "a payment attempt is already in flight for this order")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, createErr, "create payment attempt")
		}
		return repo.SetOrderPaymentStatus(ctx, order.ID, enums.PaymentStatusPending)
	}); err != nil {
		return nil, err
	}

	ctx = s.logg.WithAttemptID(s.logg.WithOrderID(ctx, order.ID.String()), attempt.ID.String())

	push, pushErr := s.gateway.STKPush(ctx, mpesa.STKPushRequest{
		Phone:            chargePhone,
		Amount:           order.TotalAmount,
		AccountReference: order.OrderNumber,
		Description:      "Chakula order " + order.OrderNumber,
	})
	if pushErr != nil {
		s.retireRejectedAttempt(ctx, attempt, pushErr)
		s.metrics.IncAttempt("rejected")
		if errors.Is(pushErr, mpesa.ErrBadRequest) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, pushErr, "gateway rejected the payment request")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, pushErr, "payment gateway unavailable")
	}

	if err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		won, markErr := repo.MarkProcessing(ctx, attempt.ID, push.MerchantRequestID, push.CheckoutRequestID)
		if markErr != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, markErr, "stamp correlation ids")
		}
		if !won {
			s.logg.Warn(ctx, "attempt left pending state before correlation ids were stamped")
			return nil
		}
		return repo.SetOrderPaymentStatus(ctx, order.ID, enums.PaymentStatusProcessing)
	}); err != nil {
		return nil, err
	}

	s.metrics.IncAttempt("initiated")
	s.logg.Info(s.logg.WithCheckoutRequestID(ctx, push.CheckoutRequestID), "stk push accepted by gateway")

	return &InitiateResult{
		AttemptID:         attempt.ID,
		OrderID:           order.ID,
		MerchantRequestID: push.MerchantRequestID,
		CheckoutRequestID: push.CheckoutRequestID,
		Amount:            order.TotalAmount,
		CustomerMessage:   push.CustomerMessage,
	}, nil
}

// retireRejectedAttempt finalizes an attempt whose initiate call failed, so
// the order can be retried. Best effort: a failure here leaves the attempt
// pending and is only logged.
func (s *service) retireRejectedAttempt(ctx context.Context, attempt *models.PaymentAttempt, cause error) {
	desc := cause.Error()
	if err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		won, finErr := repo.FinalizeFromPending(ctx, attempt.ID, FinalizeParams{
			Status:     enums.PaymentStatusFailed,
			ResultDesc: &desc,
		})
		if finErr != nil {
			return finErr
		}
		if !won {
			return nil
		}
		return repo.SetOrderPaymentStatus(ctx, attempt.OrderID, enums.PaymentStatusFailed)
	}); err != nil {
		s.logg.Error(ctx, "retire rejected attempt", err)
	}
}

// Cancel moves the order's processing attempt to cancelled. The conditional
// write gives cancellation precedence: a success callback landing afterwards
// loses the race and is recorded as an anomaly by the webhook handler.
func (s *service) Cancel(ctx context.Context, orderID uuid.UUID) (*StatusView, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}

	attempt, err := s.repo.FindActiveAttemptByOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "no active payment attempt to cancel")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load active attempt")
	}
	if attempt.Status == enums.PaymentStatusPending {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payment initiation still in progress")
	}

	desc := cancelledByOperatorDesc
	var won bool
	if err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		var finErr error
		won, finErr = repo.Finalize(ctx, attempt.ID, FinalizeParams{
			Status:     enums.PaymentStatusCancelled,
			ResultDesc: &desc,
		})
		if finErr != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, finErr, "cancel attempt")
		}
		if !won {
			return nil
		}
		return repo.SetOrderPaymentStatus(ctx, orderID, enums.PaymentStatusCancelled)
	}); err != nil {
		return nil, err
	}
	if !won {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payment attempt already resolved")
	}

	s.metrics.IncAttempt("cancelled")
	s.logg.Info(s.logg.WithAttemptID(s.logg.WithOrderID(ctx, orderID.String()), attempt.ID.String()), "payment attempt cancelled")

	attempt.Status = enums.PaymentStatusCancelled
	attempt.ResultDesc = &desc
	view := toStatusView(attempt)
	return &view, nil
}

// Status is the read-only projection of the order's most recent attempt.
func (s *service) Status(ctx context.Context, orderID uuid.UUID) (*StatusView, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}

	attempt, err := s.repo.FindLatestAttemptByOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no payment attempt for order")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load latest attempt")
	}

	view := toStatusView(attempt)
	return &view, nil
}

// ApplyOutcome finalizes a processing attempt with a resolved gateway result.
// Returns whether this caller won the conditional write; losers must treat
// the outcome as already applied and change nothing.
func (s *service) ApplyOutcome(ctx context.Context, attempt *models.PaymentAttempt, outcome Outcome) (bool, error) {
	if attempt == nil {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "attempt required")
	}

	var won bool
	if err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		var finErr error
		won, finErr = repo.Finalize(ctx, attempt.ID, outcome.finalizeParams())
		if finErr != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, finErr, "finalize attempt")
		}
		if !won {
			return nil
		}
		return repo.SetOrderPaymentStatus(ctx, attempt.OrderID, outcome.Status())
	}); err != nil {
		return false, err
	}

	if won {
		s.metrics.IncAttempt(string(outcome.Status()))
	}
	return won, nil
}

// ApplyTimeout retires a processing attempt whose polling window closed
// without a resolved outcome. No result code is recorded; the gateway never
// answered for it.
func (s *service) ApplyTimeout(ctx context.Context, attempt *models.PaymentAttempt, reason string) (bool, error) {
	if attempt == nil {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "attempt required")
	}

	var won bool
	if err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		var finErr error
		won, finErr = repo.Finalize(ctx, attempt.ID, FinalizeParams{
			Status:     enums.PaymentStatusFailed,
			ResultDesc: &reason,
		})
		if finErr != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, finErr, "finalize timed out attempt")
		}
		if !won {
			return nil
		}
		return repo.SetOrderPaymentStatus(ctx, attempt.OrderID, enums.PaymentStatusFailed)
	}); err != nil {
		return false, err
	}

	if won {
		s.metrics.IncAttempt("timeout")
	}
	return won, nil
}

func toStatusView(attempt *models.PaymentAttempt) StatusView {
	view := StatusView{
		AttemptID: attempt.ID,
		OrderID:   attempt.OrderID,
		Status:    attempt.Status,
		Amount:    attempt.Amount,
		UpdatedAt: attempt.UpdatedAt,
	}
	switch attempt.Status {
	case enums.PaymentStatusCompleted:
		view.Receipt = attempt.ReceiptNumber
	case enums.PaymentStatusFailed, enums.PaymentStatusCancelled:
		view.FailureReason = attempt.ResultDesc
	}
	return view
}
