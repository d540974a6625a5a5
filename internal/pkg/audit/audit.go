package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/qwork/app/models"
)

const (
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

// Actor identifies who performed an audited action.
type Actor struct {
	ID   string
	Role string
}

// SystemActor is used for actions triggered by payment confirmation.
var SystemActor = Actor{ID: "system_automatic", Role: RoleSystem}

// Entry is the value object handed to a Sink.
type Entry struct {
	Action     string
	Resource   string
	ResourceID string
	OldData    any
	NewData    any
	Actor      Actor
	Details    map[string]any
}

// Sink accepts audit entries. Writes are synchronous: callers must not report
// success for an audited action before Write returned nil.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

type gormSink struct {
	db *gorm.DB
}

// NewGormSink writes entries to the audit_logs table using db, which may be a
// transaction handle.
func NewGormSink(db *gorm.DB) Sink {
	return &gormSink{db: db}
}

func (s *gormSink) Write(ctx context.Context, entry Entry) error {
	row, err := ToModel(entry)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(row).Error
}

// ToModel validates an entry and converts it into its persisted form.
func ToModel(entry Entry) (*models.AuditLog, error) {
	if strings.TrimSpace(entry.Action) == "" || strings.TrimSpace(entry.Resource) == "" {
		return nil, errors.New("audit action and resource are required")
	}
	if strings.TrimSpace(entry.ResourceID) == "" {
		return nil, errors.New("audit resource id is required")
	}

	oldData, err := marshal(entry.OldData)
	if err != nil {
		return nil, fmt.Errorf("audit old data: %w", err)
	}
	newData, err := marshal(entry.NewData)
	if err != nil {
		return nil, fmt.Errorf("audit new data: %w", err)
	}
	details, err := marshal(entry.Details)
	if err != nil {
		return nil, fmt.Errorf("audit details: %w", err)
	}

	return &models.AuditLog{
		CorrelationID: uuid.New().String(),
		Action:        entry.Action,
		Resource:      entry.Resource,
		ResourceID:    entry.ResourceID,
		OldData:       oldData,
		NewData:       newData,
		ActorID:       entry.Actor.ID,
		ActorRole:     entry.Actor.Role,
		Details:       details,
	}, nil
}

func marshal(v any) (datatypes.JSON, error) {
	if v == nil {
		return datatypes.JSON("null"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
