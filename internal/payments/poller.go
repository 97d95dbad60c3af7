package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chakulahq/chakula-backend/pkg/enums"
	pkgerrors "github.com/chakulahq/chakula-backend/pkg/errors"
	"github.com/chakulahq/chakula-backend/pkg/logger"
	"github.com/chakulahq/chakula-backend/pkg/metrics"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultPollWindow   = 2 * time.Minute

	timeoutDesc = "timeout"
)

// PollerParams carries the dependencies for the status poller.
type PollerParams struct {
	Payments Service
	Repo     Repository
	Gateway  gatewayClient
	Logger   *logger.Logger
	Metrics  *metrics.PaymentMetrics
	Interval time.Duration
	Window   time.Duration
}

// Poller reconciles processing attempts whose callback never arrived by
// querying the gateway on a fixed cadence inside a bounded window.
type Poller struct {
	payments Service
	repo     Repository
	gateway  gatewayClient
	logg     *logger.Logger
	metrics  *metrics.PaymentMetrics
	interval time.Duration
	window   time.Duration
	now      func() time.Time
}

// NewPoller builds a poller with the required dependencies.
func NewPoller(params PollerParams) (*Poller, error) {
	if params.Payments == nil {
		return nil, fmt.Errorf("payments service required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("payments repository required")
	}
	if params.Gateway == nil {
		return nil, fmt.Errorf("gateway client required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	window := params.Window
	if window <= 0 {
		window = defaultPollWindow
	}
	return &Poller{
		payments: params.Payments,
		repo:     params.Repo,
		gateway:  params.Gateway,
		logg:     params.Logger,
		metrics:  params.Metrics,
		interval: interval,
		window:   window,
		now:      time.Now,
	}, nil
}

// PollUntilResolved blocks until the attempt reaches a terminal state or the
// polling window closes. A window that closes on a still-processing attempt
// finalizes it as failed with a timeout reason. Gateway errors are
// inconclusive and never finalize anything. The returned status is whatever
// terminal state the attempt holds, including one applied concurrently by
// the webhook.
func (p *Poller) PollUntilResolved(ctx context.Context, attemptID uuid.UUID) (enums.PaymentStatus, error) {
	started := p.now()

	attempt, err := p.repo.FindAttempt(ctx, attemptID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", pkgerrors.New(pkgerrors.CodeNotFound, "payment attempt not found")
		}
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load attempt")
	}
	if attempt.Status.IsTerminal() {
		return attempt.Status, nil
	}
	if attempt.CheckoutRequestID == nil {
		return "", pkgerrors.New(pkgerrors.CodeStateConflict, "attempt has no correlation ids to poll with")
	}

	ctx = p.logg.WithCheckoutRequestID(p.logg.WithAttemptID(ctx, attempt.ID.String()), *attempt.CheckoutRequestID)
	deadline := started.Add(p.window)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.observe(started, "context_cancelled")
			return attempt.Status, pkgerrors.Wrap(pkgerrors.CodeInternal, ctx.Err(), "polling interrupted")
		case <-ticker.C:
		}

		if p.now().After(deadline) {
			return p.expire(ctx, attemptID, started)
		}

		status, queryErr := p.gateway.QueryStatus(ctx, *attempt.CheckoutRequestID)
		if queryErr != nil {
			// Inconclusive: the attempt may still resolve via callback.
			p.logg.Warn(p.logg.WithField(ctx, "error", queryErr.Error()), "status query failed, will retry")
			continue
		}
		if status.Pending {
			continue
		}

		code, convErr := strconv.Atoi(status.ResultCode)
		if convErr != nil {
			p.logg.Warn(p.logg.WithField(ctx, "result_code", status.ResultCode), "unparseable result code in query response")
			continue
		}

		won, applyErr := p.payments.ApplyOutcome(ctx, attempt, Outcome{
			ResultCode: code,
			ResultDesc: status.ResultDesc,
		})
		if applyErr != nil {
			p.logg.Error(ctx, "apply polled outcome", applyErr)
			continue
		}
		if !won {
			p.logg.Info(ctx, "polled outcome already applied by another finalizer")
		}
		return p.finalStatus(ctx, attemptID, started)
	}
}

// expire finalizes a still-processing attempt as failed once the window is
// exhausted. Losing the conditional write means a callback beat the timeout.
func (p *Poller) expire(ctx context.Context, attemptID uuid.UUID, started time.Time) (enums.PaymentStatus, error) {
	desc := timeoutDesc
	if err := p.txFinalizeTimeout(ctx, attemptID, desc); err != nil {
		p.observe(started, "error")
		return "", err
	}
	p.logg.Warn(ctx, "polling window exhausted, attempt finalized as timeout")
	return p.finalStatus(ctx, attemptID, started)
}

func (p *Poller) txFinalizeTimeout(ctx context.Context, attemptID uuid.UUID, desc string) error {
	attempt, err := p.repo.FindAttempt(ctx, attemptID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load attempt for timeout")
	}
	won, err := p.payments.ApplyTimeout(ctx, attempt, desc)
	if err != nil {
		return err
	}
	if !won {
		p.logg.Info(ctx, "attempt resolved before timeout finalization")
	}
	return nil
}

func (p *Poller) finalStatus(ctx context.Context, attemptID uuid.UUID, started time.Time) (enums.PaymentStatus, error) {
	attempt, err := p.repo.FindAttempt(ctx, attemptID)
	if err != nil {
		p.observe(started, "error")
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload attempt")
	}
	p.observe(started, string(attempt.Status))
	return attempt.Status, nil
}

func (p *Poller) observe(started time.Time, outcome string) {
	p.metrics.ObservePollDuration(outcome, p.now().Sub(started))
}
