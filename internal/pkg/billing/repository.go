package billing

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/qwork/app/models"
	"github.com/ManuelReschke/qwork/internal/pkg/entitlements"
)

// Repository provides DB operations used by the reconciliation engine.
// Repositories handed to a Transaction callback are bound to that transaction.
type Repository interface {
	Transaction(ctx context.Context, fn func(tx Repository) error) error

	HasProcessed(ctx context.Context, paymentID, event string) (bool, error)
	// MarkProcessed inserts a ledger entry and reports whether it was created.
	// An existing (payment_id, event) entry yields false without error.
	MarkProcessed(ctx context.Context, entry *models.WebhookLog) (bool, error)

	FindPaymentForUpdate(ctx context.Context, providerPaymentID string) (*models.Payment, error)
	SavePayment(ctx context.Context, payment *models.Payment) error

	FindBatchForUpdate(ctx context.Context, id uint) (*models.EvaluationBatch, error)
	ListAwaitingBatches(ctx context.Context, subscriberID, clinicID *uint) ([]models.EvaluationBatch, error)
	// MarkBatchPaid settles a batch that is still awaiting payment and reports
	// whether it changed.
	MarkBatchPaid(ctx context.Context, id uint, paidAt time.Time, method string, installments int) (bool, error)

	FlagSubscriberForReview(ctx context.Context, id uint, reason string, at time.Time) error

	// Entitlements returns the activation repository sharing this repository's
	// transaction.
	Entitlements() entitlements.Repository
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) HasProcessed(ctx context.Context, paymentID, event string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.WebhookLog{}).
		Where("payment_id = ? AND event = ?", paymentID, event).
		Limit(1).
		Count(&count).Error
	return count > 0, err
}

func (r *gormRepository) MarkProcessed(ctx context.Context, entry *models.WebhookLog) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "payment_id"},
			{Name: "event"},
		},
		DoNothing: true,
	}).Create(entry)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) FindPaymentForUpdate(ctx context.Context, providerPaymentID string) (*models.Payment, error) {
	var p models.Payment
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("provider_payment_id = ?", providerPaymentID).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *gormRepository) SavePayment(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ?", payment.ID).
		Updates(map[string]interface{}{
			"status":   payment.Status,
			"metadata": payment.Metadata,
			"paid_at":  payment.PaidAt,
		}).Error
}

func (r *gormRepository) FindBatchForUpdate(ctx context.Context, id uint) (*models.EvaluationBatch, error) {
	var b models.EvaluationBatch
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&b, id).Error
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *gormRepository) ListAwaitingBatches(ctx context.Context, subscriberID, clinicID *uint) ([]models.EvaluationBatch, error) {
	var batches []models.EvaluationBatch
	if subscriberID == nil && clinicID == nil {
		return batches, nil
	}

	q := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("payment_status = ?", models.BatchPaymentAwaiting)
	switch {
	case subscriberID != nil && clinicID != nil:
		q = q.Where("(subscriber_id = ? OR clinic_id = ?)", *subscriberID, *clinicID)
	case subscriberID != nil:
		q = q.Where("subscriber_id = ?", *subscriberID)
	default:
		q = q.Where("clinic_id = ?", *clinicID)
	}

	err := q.
		Order("id ASC").
		Find(&batches).Error
	return batches, err
}

func (r *gormRepository) MarkBatchPaid(ctx context.Context, id uint, paidAt time.Time, method string, installments int) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.EvaluationBatch{}).
		Where("id = ? AND payment_status = ?", id, models.BatchPaymentAwaiting).
		Updates(map[string]interface{}{
			"payment_status":       models.BatchPaymentPaid,
			"paid_at":              paidAt,
			"payment_method":       method,
			"payment_installments": installments,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) FlagSubscriberForReview(ctx context.Context, id uint, reason string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Subscriber{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"needs_review":      true,
			"review_reason":     reason,
			"review_flagged_at": at,
		}).Error
}

func (r *gormRepository) Entitlements() entitlements.Repository {
	return entitlements.NewRepository(r.db)
}
