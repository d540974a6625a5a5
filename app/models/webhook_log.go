package models

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookLog is one idempotency ledger entry. The (payment_id, event) unique
// index is what prevents a notification from being applied twice.
type WebhookLog struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	PaymentID   string         `gorm:"type:varchar(64);not null;uniqueIndex:ux_webhook_logs_payment_event,priority:1;index" json:"payment_id"`
	Event       string         `gorm:"type:varchar(100);not null;uniqueIndex:ux_webhook_logs_payment_event,priority:2" json:"event"`
	Payload     datatypes.JSON `gorm:"type:json" json:"payload"`
	ProcessedAt time.Time      `gorm:"not null;index" json:"processed_at"`
}
