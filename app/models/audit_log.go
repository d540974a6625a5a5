package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	AuditActionActivate   = "ACTIVATE"
	AuditActionDeactivate = "DEACTIVATE"
)

const AuditResourceSubscribers = "subscribers"

// AuditLog is an immutable record of a state-changing administrative action.
type AuditLog struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	CorrelationID string         `gorm:"type:varchar(36);not null;index" json:"correlation_id"`
	Action        string         `gorm:"type:varchar(50);not null;index" json:"action"`
	Resource      string         `gorm:"type:varchar(50);not null;index:idx_audit_logs_resource,priority:1" json:"resource"`
	ResourceID    string         `gorm:"type:varchar(64);not null;index:idx_audit_logs_resource,priority:2" json:"resource_id"`
	OldData       datatypes.JSON `gorm:"type:json" json:"old_data"`
	NewData       datatypes.JSON `gorm:"type:json" json:"new_data"`
	ActorID       string         `gorm:"type:varchar(64);default:''" json:"actor_id"`
	ActorRole     string         `gorm:"type:varchar(30);default:''" json:"actor_role"`
	Details       datatypes.JSON `gorm:"type:json" json:"details"`
	CreatedAt     time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}
