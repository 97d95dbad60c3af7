package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chakulahq/chakula-backend/pkg/logger"
)

// watchMargin pads the poll window so the poller itself decides the timeout
// rather than the watchdog context.
const watchMargin = 30 * time.Second

// WatchedService decorates Service so every accepted initiation is followed
// by a background poll until the attempt resolves. The webhook usually wins;
// the poller covers lost callbacks.
type WatchedService struct {
	Service
	poller *Poller
	logg   *logger.Logger
	window time.Duration
}

func NewWatchedService(svc Service, poller *Poller, logg *logger.Logger) (*WatchedService, error) {
	if svc == nil {
		return nil, fmt.Errorf("payments service required")
	}
	if poller == nil {
		return nil, fmt.Errorf("poller required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &WatchedService{
		Service: svc,
		poller:  poller,
		logg:    logg,
		window:  poller.window + watchMargin,
	}, nil
}

func (w *WatchedService) Initiate(ctx context.Context, orderID uuid.UUID, payerPhone string) (*InitiateResult, error) {
	result, err := w.Service.Initiate(ctx, orderID, payerPhone)
	if err != nil {
		return nil, err
	}

	go w.watch(result.AttemptID)

	return result, nil
}

func (w *WatchedService) watch(attemptID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), w.window)
	defer cancel()

	ctx = w.logg.WithAttemptID(ctx, attemptID.String())
	status, err := w.poller.PollUntilResolved(ctx, attemptID)
	if err != nil {
		w.logg.Error(ctx, "payment attempt watch ended with error", err)
		return
	}
	w.logg.Info(w.logg.WithField(ctx, "status", status.String()), "payment attempt resolved")
}
