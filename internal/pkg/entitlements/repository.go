package entitlements

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/qwork/app/models"
	"github.com/ManuelReschke/qwork/internal/pkg/audit"
)

// Repository provides the subscriber state operations used by the Activator.
// Implementations returned by Transaction are bound to that transaction; a
// Transaction call on a transaction-bound repository opens a savepoint.
type Repository interface {
	Transaction(ctx context.Context, fn func(tx Repository) error) error
	GetSubscriberForUpdate(ctx context.Context, id uint) (*models.Subscriber, error)
	SaveActivation(ctx context.Context, id uint, activatedAt time.Time) error
	SaveDeactivation(ctx context.Context, id uint) error
	MarkPaymentConfirmed(ctx context.Context, id uint, paidAt time.Time) error
	UpsertClinic(ctx context.Context, clinic *models.Clinic) error
	WriteAudit(ctx context.Context, entry audit.Entry) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates an entitlements repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) GetSubscriberForUpdate(ctx context.Context, id uint) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&sub, id).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) SaveActivation(ctx context.Context, id uint, activatedAt time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Subscriber{}).Where("id = ?", id).Updates(map[string]any{
		"active":       true,
		"status":       models.SubscriberStatusApproved,
		"activated_at": gorm.Expr("COALESCE(activated_at, ?)", activatedAt),
	}).Error
}

func (r *gormRepository) SaveDeactivation(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&models.Subscriber{}).Where("id = ?", id).Updates(map[string]any{
		"active": false,
		"status": models.SubscriberStatusSuspended,
	}).Error
}

func (r *gormRepository) MarkPaymentConfirmed(ctx context.Context, id uint, paidAt time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Subscriber{}).Where("id = ?", id).Updates(map[string]any{
		"payment_confirmed": true,
		"first_payment_at":  gorm.Expr("COALESCE(first_payment_at, ?)", paidAt),
	}).Error
}

func (r *gormRepository) UpsertClinic(ctx context.Context, clinic *models.Clinic) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "cnpj"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"subscriber_id",
			"name",
			"email",
			"phone",
			"address",
			"active",
			"updated_at",
		}),
	}).Create(clinic).Error; err != nil {
		return err
	}

	var stored models.Clinic
	if err := r.db.WithContext(ctx).Where("cnpj = ?", clinic.CNPJ).First(&stored).Error; err != nil {
		return err
	}
	*clinic = stored
	return nil
}

func (r *gormRepository) WriteAudit(ctx context.Context, entry audit.Entry) error {
	return audit.NewGormSink(r.db).Write(ctx, entry)
}
