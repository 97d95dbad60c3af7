package mpesawebhook

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/chakulahq/chakula-backend/internal/payments"
	"github.com/chakulahq/chakula-backend/pkg/db/models"
	"github.com/chakulahq/chakula-backend/pkg/enums"
	pkgerrors "github.com/chakulahq/chakula-backend/pkg/errors"
	"github.com/chakulahq/chakula-backend/pkg/logger"
	"github.com/chakulahq/chakula-backend/pkg/metrics"
	"github.com/chakulahq/chakula-backend/pkg/mpesa"
	"github.com/chakulahq/chakula-backend/pkg/redis"
)

// burstGuardTTL bounds the Redis dedupe window. The DB conditional write is
// the real idempotency barrier; this only absorbs same-second redeliveries.
const burstGuardTTL = time.Minute

type attemptFinder interface {
	FindAttemptByMerchantRequestID(ctx context.Context, merchantRequestID string) (*models.PaymentAttempt, error)
}

type outcomeApplier interface {
	ApplyOutcome(ctx context.Context, attempt *models.PaymentAttempt, outcome payments.Outcome) (bool, error)
}

// ServiceParams carries the dependencies for the callback processor.
type ServiceParams struct {
	Payments outcomeApplier
	Repo     attemptFinder
	Dedupe   redis.IdempotencyStore
	Logger   *logger.Logger
	Metrics  *metrics.PaymentMetrics
}

// Service applies Daraja STK callbacks to payment attempts. Processing is
// idempotent: duplicates, unmatched deliveries, and late arrivals all no-op
// while still being acknowledged to the gateway.
type Service struct {
	payments outcomeApplier
	repo     attemptFinder
	dedupe   redis.IdempotencyStore
	logg     *logger.Logger
	metrics  *metrics.PaymentMetrics
}

// NewService builds the callback processor. Dedupe may be nil; idempotency
// then rests entirely on the DB conditional write.
func NewService(params ServiceParams) (*Service, error) {
	if params.Payments == nil {
		return nil, fmt.Errorf("payments service required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("payments repository required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Service{
		payments: params.Payments,
		repo:     params.Repo,
		dedupe:   params.Dedupe,
		logg:     params.Logger,
		metrics:  params.Metrics,
	}, nil
}

// HandleCallback decodes and applies one webhook delivery. A returned
// validation error means the payload was structurally invalid and must be
// nacked; every other path, including anomalies and duplicates, acks.
func (s *Service) HandleCallback(ctx context.Context, payload []byte) error {
	cb, err := mpesa.ParseCallback(payload)
	if err != nil {
		s.metrics.IncCallback("malformed")
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed callback payload")
	}

	ctx = s.logg.WithCheckoutRequestID(
		s.logg.WithField(ctx, "merchant_request_id", cb.MerchantRequestID),
		cb.CheckoutRequestID,
	)

	guardKey, duplicate := s.burstDuplicate(ctx, cb)
	if duplicate {
		s.metrics.IncCallback("duplicate")
		s.logg.Info(ctx, "callback redelivery absorbed by burst guard")
		return nil
	}

	attempt, err := s.repo.FindAttemptByMerchantRequestID(ctx, cb.MerchantRequestID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.recordAnomaly(ctx, enums.AnomalyUnmatchedCallback, "callback does not match any payment attempt")
			s.metrics.IncCallback("unmatched")
			return nil
		}
		s.releaseBurstGuard(ctx, guardKey)
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "look up attempt")
	}

	ctx = s.logg.WithAttemptID(s.logg.WithOrderID(ctx, attempt.OrderID.String()), attempt.ID.String())

	if attempt.Status.IsTerminal() {
		if attempt.Status == enums.PaymentStatusCancelled && cb.ResultCode == mpesa.ResultCodeSuccess {
			s.recordAnomaly(ctx, enums.AnomalySuccessAfterCancel, "success callback for cancelled attempt")
		}
		s.metrics.IncCallback("duplicate")
		s.logg.Info(ctx, "callback for already resolved attempt ignored")
		return nil
	}

	outcome := payments.Outcome{
		ResultCode: cb.ResultCode,
		ResultDesc: cb.ResultDesc,
		Raw:        payload,
	}
	if cb.ResultCode == mpesa.ResultCodeSuccess {
		if receipt, ok := cb.CallbackMetadata.Receipt(); ok {
			outcome.Receipt = &receipt
		}
		s.checkConfirmedAmount(ctx, attempt, cb)
	}

	won, err := s.payments.ApplyOutcome(ctx, attempt, outcome)
	if err != nil {
		s.releaseBurstGuard(ctx, guardKey)
		return err
	}
	if !won {
		s.metrics.IncCallback("duplicate")
		s.logg.Info(ctx, "callback outcome already applied by another finalizer")
		return nil
	}

	s.metrics.IncCallback(resultLabel(cb.ResultCode))
	s.logg.Info(s.logg.WithField(ctx, "result_code", cb.ResultCode), "callback applied")
	return nil
}

// burstDuplicate collapses same-second redeliveries via Redis. Redis being
// unreachable degrades to DB-only idempotency, never an error. The returned
// key lets a failed processing pass release its claim so a retry within the
// TTL still lands.
func (s *Service) burstDuplicate(ctx context.Context, cb *mpesa.STKCallback) (string, bool) {
	if s.dedupe == nil {
		return "", false
	}
	key := s.dedupe.IdempotencyKey("mpesa-callback", cb.MerchantRequestID+":"+strconv.Itoa(cb.ResultCode))
	won, err := s.dedupe.SetNX(ctx, key, 1, burstGuardTTL)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "callback burst guard unavailable")
		return "", false
	}
	if !won {
		return key, true
	}
	return key, false
}

// releaseBurstGuard drops the claim taken for this delivery. Best effort: a
// failed delete only prolongs the window until the TTL expires.
func (s *Service) releaseBurstGuard(ctx context.Context, key string) {
	if s.dedupe == nil || key == "" {
		return
	}
	if err := s.dedupe.Del(ctx, key); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "failed to release callback burst guard")
	}
}

// checkConfirmedAmount flags a mismatch between the charged amount the
// gateway confirms and the attempt's amount. The outcome is still applied;
// the anomaly exists for reconciliation.
func (s *Service) checkConfirmedAmount(ctx context.Context, attempt *models.PaymentAttempt, cb *mpesa.STKCallback) {
	confirmed, ok := cb.CallbackMetadata.Decimal(mpesa.MetadataAmount)
	if !ok {
		return
	}
	if confirmed.Round(0).Equal(attempt.Amount.Round(0)) {
		return
	}
	s.recordAnomaly(
		s.logg.WithField(ctx, "confirmed_amount", confirmed.String()),
		enums.AnomalyAmountMismatch,
		"confirmed amount differs from attempt amount",
	)
}

func (s *Service) recordAnomaly(ctx context.Context, kind enums.AnomalyKind, msg string) {
	s.metrics.IncAnomaly(string(kind))
	s.logg.Warn(s.logg.WithField(ctx, "anomaly", string(kind)), msg)
}

func resultLabel(resultCode int) string {
	if resultCode == mpesa.ResultCodeSuccess {
		return "success"
	}
	return "failure"
}
