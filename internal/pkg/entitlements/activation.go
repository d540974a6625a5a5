package entitlements

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/qwork/app/models"
	"github.com/ManuelReschke/qwork/internal/pkg/audit"
	"github.com/ManuelReschke/qwork/internal/pkg/metrics"
)

// MinReasonLength is the minimum number of characters an activation reason
// must carry after trimming.
const MinReasonLength = 10

const (
	WarningExemption          = "manual activation without confirmed payment; action audited"
	WarningAccountNotCreated  = "responsible account was not created automatically; create it manually"
	WarningAccountRetryQueued = "responsible account creation was scheduled for retry"
)

// AccountProvisioner creates the login account of a subscriber's responsible
// person. It runs after the activation commit and its failure never reverts
// the activation.
type AccountProvisioner interface {
	ProvisionResponsibleAccount(ctx context.Context, subscriberID uint) error
}

// FollowUpScheduler queues a retry of a failed post-commit step.
type FollowUpScheduler interface {
	ScheduleAccountProvisioning(ctx context.Context, subscriberID uint) error
}

type ActivateRequest struct {
	SubscriberID uint
	Reason       string
	AdminID      string
	Exemption    bool
}

type DeactivateRequest struct {
	SubscriberID uint
	Reason       string
	AdminID      string
}

// Result describes the outcome of a successful activation or deactivation.
// Changed is false for no-op calls (already active / already inactive).
type Result struct {
	SubscriberID  uint     `json:"subscriber_id"`
	Changed       bool     `json:"changed"`
	Message       string   `json:"message"`
	ExemptionUsed bool     `json:"exemption_used"`
	Warnings      []string `json:"warnings,omitempty"`

	provisionPending bool
}

func (r *Result) addWarning(w string) {
	r.Warnings = append(r.Warnings, w)
}

// Warning returns the warnings joined into a single message.
func (r *Result) Warning() string {
	return strings.Join(r.Warnings, "; ")
}

// ProvisionPending reports whether CompleteActivation still has work to do.
func (r *Result) ProvisionPending() bool {
	return r != nil && r.provisionPending
}

type Option func(*Activator)

func WithFollowUpScheduler(s FollowUpScheduler) Option {
	return func(a *Activator) {
		a.scheduler = s
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Activator) {
		a.now = now
	}
}

// Activator is the single owner of subscriber activation state.
type Activator struct {
	repo        Repository
	provisioner AccountProvisioner
	scheduler   FollowUpScheduler
	now         func() time.Time
}

func NewActivator(repo Repository, provisioner AccountProvisioner, opts ...Option) *Activator {
	a := &Activator{
		repo:        repo,
		provisioner: provisioner,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewActivatorFromDB wires the GORM repository and account provisioner.
func NewActivatorFromDB(db *gorm.DB, opts ...Option) *Activator {
	return NewActivator(NewRepository(db), NewAccountProvisioner(db), opts...)
}

// Activate grants access to a subscriber on behalf of an administrator.
// Preconditions are checked in order: reason, existence, already active,
// canceled, payment confirmation or exemption.
func (a *Activator) Activate(ctx context.Context, req ActivateRequest) (*Result, error) {
	if err := validateActivateRequest(req); err != nil {
		metrics.ActivationsTotal.WithLabelValues("activate", "rejected").Inc()
		return nil, err
	}

	actor := audit.Actor{ID: strings.TrimSpace(req.AdminID), Role: audit.RoleAdmin}
	if actor.ID == "" {
		actor = audit.SystemActor
	}

	var res *Result
	err := a.repo.Transaction(ctx, func(tx Repository) error {
		r, err := a.activate(ctx, tx, req, actor)
		res = r
		return err
	})
	if err != nil {
		a.countFailure("activate", err)
		return nil, err
	}

	a.CompleteActivation(ctx, res)
	a.countSuccess("activate", res)
	return res, nil
}

// ActivateForPayment activates the payment's subscriber inside the caller's
// transaction. It records the payment confirmation first, then runs the
// activation in a nested transaction so a failed activation does not discard
// the caller's other writes. CompleteActivation must be called on the result
// once the caller committed. It records no metrics.
func (a *Activator) ActivateForPayment(ctx context.Context, tx Repository, payment *models.Payment) (*Result, error) {
	if payment == nil || !payment.IsPaid() {
		return nil, precondition(ErrPaymentNotPaid, 0, "payment is not confirmed")
	}
	if payment.SubscriberID == nil {
		return nil, nil
	}
	subscriberID := *payment.SubscriberID

	paidAt := a.now()
	if payment.PaidAt != nil {
		paidAt = *payment.PaidAt
	}
	if err := tx.MarkPaymentConfirmed(ctx, subscriberID, paidAt); err != nil {
		return nil, fmt.Errorf("mark payment confirmed for subscriber %d: %w", subscriberID, err)
	}

	req := ActivateRequest{
		SubscriberID: subscriberID,
		Reason:       fmt.Sprintf("payment %s confirmed by billing provider", payment.ProviderPaymentID),
	}

	var res *Result
	err := tx.Transaction(ctx, func(sp Repository) error {
		r, err := a.activate(ctx, sp, req, audit.SystemActor)
		res = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (a *Activator) activate(ctx context.Context, tx Repository, req ActivateRequest, actor audit.Actor) (*Result, error) {
	sub, err := tx.GetSubscriberForUpdate(ctx, req.SubscriberID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, precondition(ErrSubscriberNotFound, req.SubscriberID, "subscriber %d not found", req.SubscriberID)
	}
	if err != nil {
		return nil, fmt.Errorf("load subscriber %d: %w", req.SubscriberID, err)
	}

	if sub.Active {
		return &Result{
			SubscriberID: sub.ID,
			Message:      fmt.Sprintf("subscriber %s is already active", sub.Name),
		}, nil
	}
	if sub.IsCanceled() {
		return nil, precondition(ErrSubscriberCanceled, sub.ID, "subscriber %s is canceled and cannot be activated", sub.Name)
	}
	if req.Exemption && strings.TrimSpace(req.AdminID) == "" {
		return nil, precondition(ErrExemptionRequiresAdmin, sub.ID, "payment exemption requires an administrator")
	}
	if !sub.PaymentConfirmed && !req.Exemption {
		return nil, precondition(ErrPaymentNotConfirmed, sub.ID, "payment for subscriber %s is not confirmed; use the exemption flag to activate anyway", sub.Name)
	}

	before := snapshot(sub)
	now := a.now()
	if err := tx.SaveActivation(ctx, sub.ID, now); err != nil {
		return nil, fmt.Errorf("save activation for subscriber %d: %w", sub.ID, err)
	}

	after := before
	after.Active = true
	after.Status = models.SubscriberStatusApproved
	if sub.ActivatedAt == nil {
		after.ActivatedAt = &now
	}

	if sub.IsClinic() {
		a.materializeClinic(ctx, tx, sub)
	}

	activatedBy := actor.ID
	if actor.Role == audit.RoleSystem {
		activatedBy = audit.SystemActor.ID
	}
	exemptionUsed := req.Exemption && !sub.PaymentConfirmed
	if err := tx.WriteAudit(ctx, audit.Entry{
		Action:     models.AuditActionActivate,
		Resource:   models.AuditResourceSubscribers,
		ResourceID: strconv.FormatUint(uint64(sub.ID), 10),
		OldData:    before,
		NewData:    after,
		Actor:      actor,
		Details: map[string]any{
			"reason":            strings.TrimSpace(req.Reason),
			"exemption":         req.Exemption,
			"payment_confirmed": sub.PaymentConfirmed,
			"activated_by":      activatedBy,
		},
	}); err != nil {
		return nil, fmt.Errorf("write activation audit for subscriber %d: %w", sub.ID, err)
	}

	log.Infof("[Activation] Subscriber %d activated by %s (exemption=%t)", sub.ID, activatedBy, exemptionUsed)

	return &Result{
		SubscriberID:     sub.ID,
		Changed:          true,
		Message:          fmt.Sprintf("subscriber %s activated", sub.Name),
		ExemptionUsed:    exemptionUsed,
		provisionPending: true,
	}, nil
}

// materializeClinic upserts the clinic row inside a savepoint. A failure is
// logged and rolled back to the savepoint; the activation continues.
func (a *Activator) materializeClinic(ctx context.Context, tx Repository, sub *models.Subscriber) {
	if strings.TrimSpace(sub.CNPJ) == "" {
		log.Warnf("[Activation] Subscriber %d is a clinic without CNPJ, skipping clinic record", sub.ID)
		return
	}
	err := tx.Transaction(ctx, func(sp Repository) error {
		return sp.UpsertClinic(ctx, &models.Clinic{
			SubscriberID: sub.ID,
			Name:         sub.Name,
			CNPJ:         sub.CNPJ,
			Email:        sub.Email,
			Phone:        sub.Phone,
			Address:      sub.Address,
			Active:       true,
		})
	})
	if err != nil {
		log.Warnf("[Activation] Failed to materialize clinic for subscriber %d: %v", sub.ID, err)
	}
}

// CompleteActivation runs the post-commit steps of an activation: creating
// the responsible account and attaching warnings. It is safe to call more
// than once and on nil or no-op results.
func (a *Activator) CompleteActivation(ctx context.Context, res *Result) {
	if !res.ProvisionPending() {
		return
	}
	res.provisionPending = false

	if a.provisioner != nil {
		if err := a.provisioner.ProvisionResponsibleAccount(ctx, res.SubscriberID); err != nil {
			log.Warnf("[Activation] Responsible account for subscriber %d not created: %v", res.SubscriberID, err)
			res.addWarning(WarningAccountNotCreated)
			if a.scheduler != nil {
				if serr := a.scheduler.ScheduleAccountProvisioning(ctx, res.SubscriberID); serr != nil {
					log.Errorf("[Activation] Failed to schedule account provisioning for subscriber %d: %v", res.SubscriberID, serr)
				} else {
					res.addWarning(WarningAccountRetryQueued)
				}
			}
		}
	}

	if res.ExemptionUsed {
		log.Warnf("[Activation] Subscriber %d activated without confirmed payment", res.SubscriberID)
		res.addWarning(WarningExemption)
	}
}

// Deactivate suspends a subscriber. An administrator is always required and
// every state change is audited.
func (a *Activator) Deactivate(ctx context.Context, req DeactivateRequest) (*Result, error) {
	if err := validateDeactivateRequest(req); err != nil {
		metrics.ActivationsTotal.WithLabelValues("deactivate", "rejected").Inc()
		return nil, err
	}
	actor := audit.Actor{ID: strings.TrimSpace(req.AdminID), Role: audit.RoleAdmin}

	var res *Result
	err := a.repo.Transaction(ctx, func(tx Repository) error {
		sub, err := tx.GetSubscriberForUpdate(ctx, req.SubscriberID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return precondition(ErrSubscriberNotFound, req.SubscriberID, "subscriber %d not found", req.SubscriberID)
		}
		if err != nil {
			return fmt.Errorf("load subscriber %d: %w", req.SubscriberID, err)
		}

		if !sub.Active {
			res = &Result{
				SubscriberID: sub.ID,
				Message:      fmt.Sprintf("subscriber %s is already inactive", sub.Name),
			}
			return nil
		}

		before := snapshot(sub)
		if err := tx.SaveDeactivation(ctx, sub.ID); err != nil {
			return fmt.Errorf("save deactivation for subscriber %d: %w", sub.ID, err)
		}
		after := before
		after.Active = false
		after.Status = models.SubscriberStatusSuspended

		if err := tx.WriteAudit(ctx, audit.Entry{
			Action:     models.AuditActionDeactivate,
			Resource:   models.AuditResourceSubscribers,
			ResourceID: strconv.FormatUint(uint64(sub.ID), 10),
			OldData:    before,
			NewData:    after,
			Actor:      actor,
			Details: map[string]any{
				"reason":         strings.TrimSpace(req.Reason),
				"deactivated_by": actor.ID,
				"severity":       "medium",
			},
		}); err != nil {
			return fmt.Errorf("write deactivation audit for subscriber %d: %w", sub.ID, err)
		}

		log.Infof("[Activation] Subscriber %d deactivated by %s", sub.ID, actor.ID)
		res = &Result{
			SubscriberID: sub.ID,
			Changed:      true,
			Message:      fmt.Sprintf("subscriber %s deactivated", sub.Name),
		}
		return nil
	})
	if err != nil {
		a.countFailure("deactivate", err)
		return nil, err
	}
	a.countSuccess("deactivate", res)
	return res, nil
}

func (a *Activator) countSuccess(action string, res *Result) {
	outcome := "noop"
	if res != nil && res.Changed {
		outcome = "changed"
	}
	metrics.ActivationsTotal.WithLabelValues(action, outcome).Inc()
}

func (a *Activator) countFailure(action string, err error) {
	outcome := "error"
	if IsPrecondition(err) {
		outcome = "rejected"
	}
	metrics.ActivationsTotal.WithLabelValues(action, outcome).Inc()
}

func validateActivateRequest(req ActivateRequest) error {
	if req.SubscriberID == 0 {
		return precondition(ErrSubscriberIDRequired, 0, "subscriber id is required")
	}
	if utf8.RuneCountInString(strings.TrimSpace(req.Reason)) < MinReasonLength {
		return precondition(ErrReasonTooShort, req.SubscriberID, "reason must have at least %d characters", MinReasonLength)
	}
	return nil
}

func validateDeactivateRequest(req DeactivateRequest) error {
	if req.SubscriberID == 0 {
		return precondition(ErrSubscriberIDRequired, 0, "subscriber id is required")
	}
	if strings.TrimSpace(req.AdminID) == "" {
		return precondition(ErrAdminRequired, req.SubscriberID, "deactivation requires an administrator")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return precondition(ErrReasonTooShort, req.SubscriberID, "reason is required")
	}
	return nil
}

// subscriberState is the audited subset of a subscriber.
type subscriberState struct {
	Active           bool       `json:"active"`
	Status           string     `json:"status"`
	PaymentConfirmed bool       `json:"payment_confirmed"`
	ActivatedAt      *time.Time `json:"activated_at"`
}

func snapshot(sub *models.Subscriber) subscriberState {
	return subscriberState{
		Active:           sub.Active,
		Status:           sub.Status,
		PaymentConfirmed: sub.PaymentConfirmed,
		ActivatedAt:      sub.ActivatedAt,
	}
}
