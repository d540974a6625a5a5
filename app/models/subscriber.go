package models

import "time"

const (
	SubscriberTypeCompany = "company"
	SubscriberTypeClinic  = "clinic"
)

const (
	SubscriberStatusPending   = "pending"
	SubscriberStatusApproved  = "approved"
	SubscriberStatusSuspended = "suspended"
	SubscriberStatusCanceled  = "canceled"
)

// Subscriber is a tenant account (company or clinic). Active gates access to
// the system and is only changed through the entitlements package.
type Subscriber struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	Type             string     `gorm:"type:varchar(20);not null;default:'company';index" json:"type"`
	Name             string     `gorm:"type:varchar(200);not null" json:"name"`
	CNPJ             string     `gorm:"type:varchar(18);index" json:"cnpj"`
	Email            string     `gorm:"type:varchar(200);default:''" json:"email"`
	Phone            string     `gorm:"type:varchar(30);default:''" json:"phone"`
	Address          string     `gorm:"type:varchar(255);default:''" json:"address"`
	ResponsibleName  string     `gorm:"type:varchar(150);default:''" json:"responsible_name"`
	ResponsibleCPF   string     `gorm:"type:varchar(14);default:''" json:"responsible_cpf"`
	Active           bool       `gorm:"default:false;index" json:"active"`
	PaymentConfirmed bool       `gorm:"default:false" json:"payment_confirmed"`
	Status           string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	ActivatedAt      *time.Time `gorm:"type:timestamp;default:null" json:"activated_at,omitempty"`
	FirstPaymentAt   *time.Time `gorm:"type:timestamp;default:null" json:"first_payment_at,omitempty"`
	NeedsReview      bool       `gorm:"default:false;index" json:"needs_review"`
	ReviewReason     string     `gorm:"type:varchar(255);default:''" json:"review_reason"`
	ReviewFlaggedAt  *time.Time `gorm:"type:timestamp;default:null" json:"review_flagged_at,omitempty"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (s *Subscriber) IsClinic() bool {
	return s.Type == SubscriberTypeClinic
}

func (s *Subscriber) IsCanceled() bool {
	return s.Status == SubscriberStatusCanceled
}
