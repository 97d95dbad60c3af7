package payments

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chakulahq/chakula-backend/pkg/db/models"
	"github.com/chakulahq/chakula-backend/pkg/enums"
	"github.com/chakulahq/chakula-backend/pkg/mpesa"
)

// Repository defines persistence operations for payment attempts. The
// conditional writes return whether the guarded UPDATE touched a row; a false
// result means the precondition no longer held and the caller must no-op.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateAttempt(ctx context.Context, attempt *models.PaymentAttempt) (*models.PaymentAttempt, error)
	FindAttempt(ctx context.Context, attemptID uuid.UUID) (*models.PaymentAttempt, error)
	FindAttemptByMerchantRequestID(ctx context.Context, merchantRequestID string) (*models.PaymentAttempt, error)
	FindActiveAttemptByOrder(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error)
	FindLatestAttemptByOrder(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error)
	MarkProcessing(ctx context.Context, attemptID uuid.UUID, merchantRequestID, checkoutRequestID string) (bool, error)
	Finalize(ctx context.Context, attemptID uuid.UUID, params FinalizeParams) (bool, error)
	FinalizeFromPending(ctx context.Context, attemptID uuid.UUID, params FinalizeParams) (bool, error)
	SetOrderPaymentStatus(ctx context.Context, orderID uuid.UUID, status enums.PaymentStatus) error
}

type gatewayClient interface {
	STKPush(ctx context.Context, req mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.StatusResponse, error)
}
