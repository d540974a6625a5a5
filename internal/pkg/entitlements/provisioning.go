package entitlements

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/qwork/app/models"
)

type gormAccountProvisioner struct {
	db *gorm.DB
}

// NewAccountProvisioner creates or refreshes responsible accounts with GORM.
func NewAccountProvisioner(db *gorm.DB) AccountProvisioner {
	return &gormAccountProvisioner{db: db}
}

// ProvisionResponsibleAccount upserts the login of the subscriber's responsible
// person. The login is the responsible CPF, or the CNPJ digits when no CPF is
// on file. The initial password is the last six CNPJ digits; an existing
// account keeps its password.
func (p *gormAccountProvisioner) ProvisionResponsibleAccount(ctx context.Context, subscriberID uint) error {
	db := p.db.WithContext(ctx)

	var sub models.Subscriber
	if err := db.First(&sub, subscriberID).Error; err != nil {
		return fmt.Errorf("load subscriber %d: %w", subscriberID, err)
	}

	user, err := ResponsibleAccount(&sub)
	if err != nil {
		return err
	}

	if sub.IsClinic() {
		var clinic models.Clinic
		err := db.Where("subscriber_id = ?", sub.ID).First(&clinic).Error
		switch {
		case err == nil:
			user.ClinicID = &clinic.ID
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("load clinic of subscriber %d: %w", sub.ID, err)
		}
	}

	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "cpf"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name",
			"email",
			"role",
			"status",
			"subscriber_id",
			"clinic_id",
			"updated_at",
		}),
	}).Create(user).Error
}

// ResponsibleAccount builds the validated, password-hashed responsible account
// for sub without persisting it.
func ResponsibleAccount(sub *models.Subscriber) (*models.User, error) {
	cnpj := digitsOnly(sub.CNPJ)
	if len(cnpj) < 6 {
		return nil, fmt.Errorf("subscriber %d has no usable CNPJ", sub.ID)
	}

	login := digitsOnly(sub.ResponsibleCPF)
	if login == "" {
		login = cnpj
	}

	name := strings.TrimSpace(sub.ResponsibleName)
	if name == "" {
		name = strings.TrimSpace(sub.Name)
	}

	role := models.ROLE_COMPANY_MANAGER
	if sub.IsClinic() {
		role = models.ROLE_CLINIC_MANAGER
	}

	subscriberID := sub.ID
	user := &models.User{
		Name:         name,
		Email:        strings.TrimSpace(sub.Email),
		CPF:          login,
		Role:         role,
		Status:       models.STATUS_ACTIVE,
		SubscriberID: &subscriberID,
	}
	if err := user.SetPassword(cnpj[len(cnpj)-6:]); err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	if err := user.Validate(); err != nil {
		return nil, fmt.Errorf("responsible account of subscriber %d is invalid: %w", sub.ID, err)
	}
	return user, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
