package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chakulahq/chakula-backend/pkg/db/models"
	"github.com/chakulahq/chakula-backend/pkg/enums"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds a payments repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateAttempt(ctx context.Context, attempt *models.PaymentAttempt) (*models.PaymentAttempt, error) {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.Status == "" {
		attempt.Status = enums.PaymentStatusPending
	}
	if err := r.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return nil, err
	}
	return attempt, nil
}

func (r *repository) FindAttempt(ctx context.Context, attemptID uuid.UUID) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("id = ?", attemptID).
		First(&attempt).Error
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (r *repository) FindAttemptByMerchantRequestID(ctx context.Context, merchantRequestID string) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("merchant_request_id = ?", merchantRequestID).
		First(&attempt).Error
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (r *repository) FindActiveAttemptByOrder(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND status IN ?", orderID, []enums.PaymentStatus{
			enums.PaymentStatusPending,
			enums.PaymentStatusProcessing,
		}).
		First(&attempt).Error
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (r *repository) FindLatestAttemptByOrder(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at DESC").
		First(&attempt).Error
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// MarkProcessing stamps the gateway correlation ids and moves the attempt out
// of pending. The status guard makes the stamp atomic: a concurrently
// finalized attempt is left untouched.
func (r *repository) MarkProcessing(ctx context.Context, attemptID uuid.UUID, merchantRequestID, checkoutRequestID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.PaymentAttempt{}).
		Where("id = ? AND status = ?", attemptID, enums.PaymentStatusPending).
		Updates(map[string]any{
			"merchant_request_id": merchantRequestID,
			"checkout_request_id": checkoutRequestID,
			"status":              enums.PaymentStatusProcessing,
			"updated_at":          time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Finalize writes a terminal outcome onto a processing attempt. The first
// finalizer wins; the guard keeps terminal states and receipts immutable.
func (r *repository) Finalize(ctx context.Context, attemptID uuid.UUID, params FinalizeParams) (bool, error) {
	return r.finalizeFrom(ctx, attemptID, enums.PaymentStatusProcessing, params)
}

// FinalizeFromPending retires an attempt whose initiate call never reached the
// gateway, so it never held correlation ids.
func (r *repository) FinalizeFromPending(ctx context.Context, attemptID uuid.UUID, params FinalizeParams) (bool, error) {
	return r.finalizeFrom(ctx, attemptID, enums.PaymentStatusPending, params)
}

func (r *repository) finalizeFrom(ctx context.Context, attemptID uuid.UUID, from enums.PaymentStatus, params FinalizeParams) (bool, error) {
	updates := map[string]any{
		"status":     params.Status,
		"updated_at": time.Now().UTC(),
	}
	if params.ResultCode != nil {
		updates["result_code"] = *params.ResultCode
	}
	if params.ResultDesc != nil {
		updates["result_desc"] = *params.ResultDesc
	}
	if params.ReceiptNumber != nil {
		updates["receipt_number"] = *params.ReceiptNumber
	}
	if len(params.RawCallback) > 0 {
		updates["raw_callback"] = params.RawCallback
	}

	res := r.db.WithContext(ctx).
		Model(&models.PaymentAttempt{}).
		Where("id = ? AND status = ?", attemptID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) SetOrderPaymentStatus(ctx context.Context, orderID uuid.UUID, status enums.PaymentStatus) error {
	return r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]any{
			"payment_status": status,
			"updated_at":     time.Now().UTC(),
		}).Error
}
