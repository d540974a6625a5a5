package models

import "time"

// Clinic is materialized from a clinic-type Subscriber on activation so clinic
// managers can register companies and employees under it.
type Clinic struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SubscriberID uint      `gorm:"not null;index" json:"subscriber_id"`
	Name         string    `gorm:"type:varchar(200);not null" json:"name"`
	CNPJ         string    `gorm:"type:varchar(18);not null;uniqueIndex:ux_clinics_cnpj" json:"cnpj"`
	Email        string    `gorm:"type:varchar(200);default:''" json:"email"`
	Phone        string    `gorm:"type:varchar(30);default:''" json:"phone"`
	Address      string    `gorm:"type:varchar(255);default:''" json:"address"`
	Active       bool      `gorm:"default:true" json:"active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
