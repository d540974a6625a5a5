package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Local payment status vocabulary. Never set from user input; derived from the
// provider status on every processed notification.
const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusPaid       = "paid"
	PaymentStatusCanceled   = "canceled"
	PaymentStatusRefunded   = "refunded"
)

// Payment is the local record of one charge issued to the billing provider.
type Payment struct {
	ID                uint                                `gorm:"primaryKey" json:"id"`
	ProviderPaymentID string                              `gorm:"type:varchar(64);not null;uniqueIndex:ux_payments_provider_payment_id" json:"provider_payment_id"`
	SubscriberID      *uint                               `gorm:"index" json:"subscriber_id,omitempty"`
	ClinicID          *uint                               `gorm:"index" json:"clinic_id,omitempty"`
	Value             decimal.Decimal                     `gorm:"type:decimal(12,2);not null;default:0" json:"value"`
	Status            string                              `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Metadata          datatypes.JSONType[ProviderMetadata] `gorm:"type:json" json:"metadata"`
	PaidAt            *time.Time                          `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	CreatedAt         time.Time                           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time                           `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsPaid reports whether the payment is confirmed.
func (p *Payment) IsPaid() bool {
	return p.Status == PaymentStatusPaid
}
