package models

import "time"

const (
	BatchPaymentAwaiting = "awaiting_payment"
	BatchPaymentPaid     = "paid"
)

// EvaluationBatch is a purchasable set of evaluations waiting for payment.
type EvaluationBatch struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	SubscriberID        *uint      `gorm:"index:idx_evaluation_batches_subscriber_status,priority:1" json:"subscriber_id,omitempty"`
	ClinicID            *uint      `gorm:"index:idx_evaluation_batches_clinic_status,priority:1" json:"clinic_id,omitempty"`
	Description         string     `gorm:"type:varchar(255);default:''" json:"description"`
	PaymentStatus       string     `gorm:"type:varchar(32);not null;default:'awaiting_payment';index:idx_evaluation_batches_subscriber_status,priority:2;index:idx_evaluation_batches_clinic_status,priority:2" json:"payment_status"`
	PaidAt              *time.Time `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	PaymentMethod       string     `gorm:"type:varchar(20);default:''" json:"payment_method"`
	PaymentInstallments int        `gorm:"not null;default:1" json:"payment_installments"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (EvaluationBatch) TableName() string {
	return "evaluation_batches"
}

// IsAwaitingPayment reports whether the batch can still be settled.
func (b *EvaluationBatch) IsAwaitingPayment() bool {
	return b.PaymentStatus == BatchPaymentAwaiting
}
