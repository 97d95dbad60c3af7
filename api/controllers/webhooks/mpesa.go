package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/chakulahq/chakula-backend/api/responses"
	pkgerrors "github.com/chakulahq/chakula-backend/pkg/errors"
	"github.com/chakulahq/chakula-backend/pkg/logger"
	"github.com/chakulahq/chakula-backend/pkg/mpesa"
)

const maxCallbackBody = 1 << 20

type MpesaWebhookService interface {
	HandleCallback(ctx context.Context, payload []byte) error
}

// MpesaWebhook receives STK push result callbacks from Daraja. The gateway
// retries on non-zero acks, so every structurally valid delivery is
// acknowledged even when processing fails; the status poller reconciles
// anything the webhook could not land.
func MpesaWebhook(svc MpesaWebhookService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
		if err != nil {
			if logg != nil {
				logg.Error(ctx, "mpesa callback body read failed", err)
			}
			writeAck(w, mpesa.AckResponse{ResultCode: 1, ResultDesc: "failed to read request body"})
			return
		}

		if err := svc.HandleCallback(ctx, payload); err != nil {
			typed := pkgerrors.As(err)
			if typed != nil && typed.Code() == pkgerrors.CodeValidation {
				writeAck(w, mpesa.AckResponse{ResultCode: 1, ResultDesc: typed.Message()})
				return
			}
			if logg != nil {
				logg.Error(ctx, "mpesa callback processing failed", err)
			}
		}

		writeAck(w, mpesa.AckResponse{ResultCode: 0, ResultDesc: "Accepted"})
	}
}

func writeAck(w http.ResponseWriter, ack mpesa.AckResponse) {
	responses.WriteJSON(w, http.StatusOK, ack)
}
