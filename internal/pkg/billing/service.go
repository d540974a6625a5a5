package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/qwork/app/models"
	"github.com/ManuelReschke/qwork/internal/pkg/entitlements"
	"github.com/ManuelReschke/qwork/internal/pkg/metrics"
)

// errAlreadyProcessed aborts the reconciliation transaction when a concurrent
// delivery wrote the ledger entry first.
var errAlreadyProcessed = errors.New("billing: notification already processed")

// PaymentActivator activates the payer of a confirmed payment. It is
// implemented by *entitlements.Activator.
type PaymentActivator interface {
	ActivateForPayment(ctx context.Context, tx entitlements.Repository, payment *models.Payment) (*entitlements.Result, error)
	CompleteActivation(ctx context.Context, res *entitlements.Result)
}

type Option func(*Service)

func WithActivator(a PaymentActivator) Option {
	return func(s *Service) {
		s.activator = a
	}
}

func WithProcessedCache(c ProcessedCache) Option {
	return func(s *Service) {
		s.ledger = NewLedger(s.repo, c)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// Service reconciles provider payment notifications with local payments,
// evaluation batches and subscriber access.
type Service struct {
	repo      Repository
	ledger    *Ledger
	activator PaymentActivator
	cfg       Config
	now       func() time.Time
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, cfg Config, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		ledger: NewLedger(repo, nil),
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, cfg Config, opts ...Option) *Service {
	return NewService(NewRepository(db), cfg, opts...)
}

// HandleNotification authenticates, deduplicates and applies one provider
// notification. ErrUnauthorized and ErrInvalidPayload are terminal; any other
// error means nothing was committed and the provider should redeliver.
// Missing payments and batches are reported as warnings on a successful
// Outcome.
func (s *Service) HandleNotification(ctx context.Context, sig SignatureContext, payload []byte) (*Outcome, error) {
	if err := s.authenticate(sig); err != nil {
		return nil, err
	}

	n, err := ParseNotification(payload)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		Event:     n.Event,
		PaymentID: n.Payment.ID,
		Class:     ClassifyEvent(n.Event).String(),
	}

	done, err := s.ledger.HasProcessed(ctx, n.Payment.ID, n.Event)
	if err != nil {
		return nil, fmt.Errorf("check ledger for %s/%s: %w", n.Payment.ID, n.Event, err)
	}
	if done {
		log.Infof("[Billing] Event %s for payment %s already processed, skipping", n.Event, n.Payment.ID)
		out.Duplicate = true
		return out, nil
	}

	out.LocalStatus = MapProviderStatus(n.Payment.Status)

	err = s.repo.Transaction(ctx, func(tx Repository) error {
		return s.reconcile(ctx, tx, n, out)
	})
	if errors.Is(err, errAlreadyProcessed) {
		log.Infof("[Billing] Event %s for payment %s was processed concurrently, rolled back", n.Event, n.Payment.ID)
		s.ledger.Remember(ctx, n.Payment.ID, n.Event)
		return &Outcome{
			Event:     out.Event,
			PaymentID: out.PaymentID,
			Class:     out.Class,
			Duplicate: true,
		}, nil
	}
	if err != nil {
		log.Errorf("[Billing] Failed to process %s for payment %s: %v", n.Event, n.Payment.ID, err)
		return nil, err
	}

	s.ledger.Remember(ctx, n.Payment.ID, n.Event)
	recordCommitted(out)
	if out.Activation != nil && s.activator != nil {
		s.activator.CompleteActivation(ctx, out.Activation)
		out.Warnings = append(out.Warnings, out.Activation.Warnings...)
	}

	log.Infof("[Billing] Processed %s for payment %s: status=%s batches=%d", n.Event, n.Payment.ID, out.LocalStatus, len(out.BatchesPaid))
	return out, nil
}

func (s *Service) authenticate(sig SignatureContext) error {
	if s.cfg.InsecureSkipVerify {
		return nil
	}
	if !VerifyWebhookToken(sig.Token, s.cfg.WebhookToken) {
		log.Warn("[Billing] Rejected webhook with missing or invalid token")
		return ErrUnauthorized
	}
	return nil
}

func (s *Service) reconcile(ctx context.Context, tx Repository, n *Notification, out *Outcome) error {
	now := s.now()
	class := ClassifyEvent(n.Event)

	payment, err := tx.FindPaymentForUpdate(ctx, n.Payment.ID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		payment = nil
		log.Warnf("[Billing] Payment %s not found locally (event %s)", n.Payment.ID, n.Event)
		out.warn("payment %s not found", n.Payment.ID)
	case err != nil:
		return fmt.Errorf("load payment %s: %w", n.Payment.ID, err)
	default:
		out.PaymentFound = true
		applyNotification(payment, n, out.LocalStatus, now)
		if err := tx.SavePayment(ctx, payment); err != nil {
			return fmt.Errorf("update payment %s: %w", n.Payment.ID, err)
		}
	}

	switch class {
	case ClassConfirmation:
		if err := s.settleBatches(ctx, tx, n, payment, now, out); err != nil {
			return err
		}
		if err := s.activatePayer(ctx, tx, payment, out); err != nil {
			return err
		}
	case ClassDispute:
		if payment != nil && payment.SubscriberID != nil {
			reason := fmt.Sprintf("%s on payment %s", n.Event, n.Payment.ID)
			if err := tx.FlagSubscriberForReview(ctx, *payment.SubscriberID, reason, now); err != nil {
				return fmt.Errorf("flag subscriber %d for review: %w", *payment.SubscriberID, err)
			}
			out.FlaggedForReview = true
			log.Warnf("[Billing] Subscriber %d flagged for review: %s", *payment.SubscriberID, reason)
		}
	}

	created, err := s.ledger.WithRepository(tx).MarkProcessed(ctx, n.Payment.ID, n.Event, n.Raw)
	if err != nil {
		return fmt.Errorf("write ledger entry %s/%s: %w", n.Payment.ID, n.Event, err)
	}
	if !created {
		return errAlreadyProcessed
	}
	return nil
}

// settleBatches resolves the batches a confirmation pays for and flips those
// still awaiting payment. The reference token is tried first; the payer's
// awaiting batches are the fallback.
func (s *Service) settleBatches(ctx context.Context, tx Repository, n *Notification, payment *models.Payment, now time.Time, out *Outcome) error {
	var candidates []uint
	usedReference := false

	if ref, ok := DecodeReference(n.Payment.ExternalReference); ok {
		if referenceMatches(ref, n, payment) {
			batch, err := tx.FindBatchForUpdate(ctx, ref.BatchID)
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				log.Warnf("[Billing] Batch %d referenced by payment %s not found, using owner lookup", ref.BatchID, n.Payment.ID)
			case err != nil:
				return fmt.Errorf("load batch %d: %w", ref.BatchID, err)
			default:
				usedReference = true
				if batch.IsAwaitingPayment() {
					candidates = append(candidates, batch.ID)
				} else {
					log.Warnf("[Billing] Batch %d referenced by payment %s is already %s", batch.ID, n.Payment.ID, batch.PaymentStatus)
				}
			}
		} else {
			log.Warnf("[Billing] Reference %q does not belong to payment %s, using owner lookup", n.Payment.ExternalReference, n.Payment.ID)
		}
	} else if n.Payment.ExternalReference != "" {
		log.Infof("[Billing] External reference %q of payment %s is not a batch reference", n.Payment.ExternalReference, n.Payment.ID)
	}

	if !usedReference && payment != nil {
		batches, err := tx.ListAwaitingBatches(ctx, payment.SubscriberID, payment.ClinicID)
		if err != nil {
			return fmt.Errorf("list awaiting batches for payment %s: %w", n.Payment.ID, err)
		}
		if len(batches) > 1 {
			log.Warnf("[Billing] Owner lookup for payment %s matched %d awaiting batches, settling all", n.Payment.ID, len(batches))
		}
		for _, b := range batches {
			candidates = append(candidates, b.ID)
		}
	}

	if len(candidates) == 0 {
		log.Warnf("[Billing] No batch awaiting payment for %s (event %s)", n.Payment.ID, n.Event)
		out.warn("no batch awaiting payment")
		return nil
	}

	method := MapBillingTypeToMethod(n.Payment.BillingType)
	installments := n.Installments()
	for _, id := range candidates {
		changed, err := tx.MarkBatchPaid(ctx, id, now, method, installments)
		if err != nil {
			return fmt.Errorf("mark batch %d paid: %w", id, err)
		}
		if changed {
			out.BatchesPaid = append(out.BatchesPaid, id)
		}
	}
	return nil
}

// activatePayer runs the activation module for a confirmed payment. Named
// activation preconditions are terminal and only produce a warning.
func (s *Service) activatePayer(ctx context.Context, tx Repository, payment *models.Payment, out *Outcome) error {
	if payment == nil || !payment.IsPaid() || !s.cfg.AutoActivate || s.activator == nil {
		return nil
	}

	res, err := s.activator.ActivateForPayment(ctx, tx.Entitlements(), payment)
	if entitlements.IsPrecondition(err) {
		log.Warnf("[Billing] Payer of %s not activated: %v", payment.ProviderPaymentID, err)
		out.warn("activation skipped: %v", err)
		out.activationOutcome = "rejected"
		return nil
	}
	if err != nil {
		return fmt.Errorf("activate payer of %s: %w", payment.ProviderPaymentID, err)
	}
	out.Activation = res
	out.activationOutcome = "noop"
	if res != nil && res.Changed {
		out.activationOutcome = "changed"
	}
	return nil
}

// recordCommitted updates the reconciliation counters for a committed
// notification.
func recordCommitted(out *Outcome) {
	metrics.BatchesSettledTotal.Add(float64(len(out.BatchesPaid)))
	if out.activationOutcome != "" {
		metrics.ActivationsTotal.WithLabelValues("activate_payment", out.activationOutcome).Inc()
	}
}

// referenceMatches reports whether the payment part of a reference token
// names this payment, by provider id or local id. Without a local payment the
// token cannot be checked and is trusted.
func referenceMatches(ref Reference, n *Notification, payment *models.Payment) bool {
	if ref.PaymentID == n.Payment.ID {
		return true
	}
	if payment == nil {
		return true
	}
	return ref.PaymentID == strconv.FormatUint(uint64(payment.ID), 10)
}

func applyNotification(payment *models.Payment, n *Notification, localStatus string, now time.Time) {
	meta := payment.Metadata.Data()
	meta.ProviderStatus = n.Payment.Status
	if n.Payment.BillingType != "" {
		meta.BillingType = n.Payment.BillingType
	}
	if n.Payment.NetValue != nil {
		meta.NetValue = n.Payment.NetValue
	}
	if n.Payment.ConfirmedDate != "" {
		meta.ConfirmedDate = n.Payment.ConfirmedDate
	}
	if n.Payment.PaymentDate != "" {
		meta.PaymentDate = n.Payment.PaymentDate
	}
	if n.Payment.InvoiceURL != "" {
		meta.InvoiceURL = n.Payment.InvoiceURL
	}
	if n.Payment.BankSlipURL != "" {
		meta.BankSlipURL = n.Payment.BankSlipURL
	}
	meta.LastWebhookEvent = n.Event
	stamp := now
	meta.LastWebhookAt = &stamp
	payment.Metadata = datatypes.NewJSONType(meta)

	payment.Status = localStatus
	if localStatus == models.PaymentStatusPaid && payment.PaidAt == nil {
		paidAt := providerPaidAt(n, now)
		payment.PaidAt = &paidAt
	}
}

// providerPaidAt returns the settlement date reported by the provider, or now.
func providerPaidAt(n *Notification, now time.Time) time.Time {
	for _, raw := range []string{n.Payment.PaymentDate, n.Payment.ClientPaymentDate, n.Payment.ConfirmedDate} {
		if raw == "" {
			continue
		}
		for _, layout := range []string{time.DateOnly, time.DateTime, time.RFC3339} {
			if t, err := time.ParseInLocation(layout, raw, now.Location()); err == nil {
				return t
			}
		}
	}
	return now
}
