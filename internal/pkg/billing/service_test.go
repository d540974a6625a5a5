package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/qwork/app/models"
	"github.com/ManuelReschke/qwork/internal/pkg/billing"
	"github.com/ManuelReschke/qwork/internal/pkg/entitlements"
	"github.com/ManuelReschke/qwork/internal/pkg/memstore"
	"github.com/ManuelReschke/qwork/internal/pkg/metrics"
)

const testToken = "whsec_test"

type clock struct {
	t time.Time
}

func (c *clock) Now() time.Time { return c.t }

func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeProvisioner struct {
	mu    sync.Mutex
	calls []uint
	err   error
}

func (p *fakeProvisioner) ProvisionResponsibleAccount(ctx context.Context, subscriberID uint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, subscriberID)
	return p.err
}

func (p *fakeProvisioner) Calls() []uint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint(nil), p.calls...)
}

type harness struct {
	store       *memstore.Store
	clock       *clock
	provisioner *fakeProvisioner
	svc         *billing.Service
}

func newHarness(t *testing.T, mutate func(cfg *billing.Config)) *harness {
	t.Helper()
	h := &harness{
		store:       memstore.New(),
		clock:       &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		provisioner: &fakeProvisioner{},
	}
	cfg := billing.Config{WebhookToken: testToken, AutoActivate: true}
	if mutate != nil {
		mutate(&cfg)
	}
	activator := entitlements.NewActivator(h.store.Entitlements(), h.provisioner, entitlements.WithClock(h.clock.Now))
	h.svc = billing.NewService(h.store.Billing(), cfg,
		billing.WithActivator(activator),
		billing.WithClock(h.clock.Now),
	)
	return h
}

func (h *harness) deliver(t *testing.T, body []byte) (*billing.Outcome, error) {
	t.Helper()
	return h.svc.HandleNotification(context.Background(), billing.SignatureContext{Token: testToken}, body)
}

type payload struct {
	Event   string         `json:"event"`
	Payment map[string]any `json:"payment"`
}

func notification(event, paymentID, status, reference string, extra ...map[string]any) []byte {
	p := payload{
		Event: event,
		Payment: map[string]any{
			"object":      "payment",
			"id":          paymentID,
			"status":      status,
			"value":       300.00,
			"netValue":    294.51,
			"billingType": "PIX",
		},
	}
	if reference != "" {
		p.Payment["externalReference"] = reference
	}
	for _, e := range extra {
		for k, v := range e {
			p.Payment[k] = v
		}
	}
	b, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	return b
}

func uintPtr(v uint) *uint { return &v }

// seedPayerWithBatch creates subscriber 7 with an unpaid payment P1 and batch 42.
func seedPayerWithBatch(h *harness) {
	h.store.AddSubscriber(models.Subscriber{
		ID:              7,
		Type:            models.SubscriberTypeCompany,
		Name:            "ACME Ltda",
		CNPJ:            "12.345.678/0001-90",
		ResponsibleName: "Maria Souza",
		ResponsibleCPF:  "123.456.789-09",
	})
	h.store.AddBatch(models.EvaluationBatch{ID: 42, SubscriberID: uintPtr(7)})
	h.store.AddPayment(models.Payment{ProviderPaymentID: "P1", SubscriberID: uintPtr(7)})
}

func TestHandleNotification_ConfirmationSettlesReferencedBatch(t *testing.T) {
	h := newHarness(t, nil)
	seedPayerWithBatch(h)

	out, err := h.deliver(t, notification(billing.EventPaymentConfirmed, "P1", "CONFIRMED", "batch_42_payment_P1"))
	require.NoError(t, err)

	assert.False(t, out.Duplicate)
	assert.True(t, out.PaymentFound)
	assert.Equal(t, models.PaymentStatusPaid, out.LocalStatus)
	assert.Equal(t, []uint{42}, out.BatchesPaid)

	batch := h.store.Batch(42)
	assert.Equal(t, models.BatchPaymentPaid, batch.PaymentStatus)
	require.NotNil(t, batch.PaidAt)
	assert.True(t, batch.PaidAt.Equal(h.clock.Now()))
	assert.Equal(t, billing.MethodPix, batch.PaymentMethod)
	assert.Equal(t, 1, batch.PaymentInstallments)

	payment := h.store.Payment("P1")
	assert.Equal(t, models.PaymentStatusPaid, payment.Status)
	require.NotNil(t, payment.PaidAt)
	meta := payment.Metadata.Data()
	assert.Equal(t, "CONFIRMED", meta.ProviderStatus)
	assert.Equal(t, billing.EventPaymentConfirmed, meta.LastWebhookEvent)
	require.NotNil(t, meta.NetValue)
	assert.Equal(t, "294.51", meta.NetValue.String())

	entries := h.store.LedgerEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "P1", entries[0].PaymentID)
	assert.Equal(t, billing.EventPaymentConfirmed, entries[0].Event)
}

func TestHandleNotification_ConfirmationActivatesPayer(t *testing.T) {
	h := newHarness(t, nil)
	seedPayerWithBatch(h)

	out, err := h.deliver(t, notification(billing.EventPaymentConfirmed, "P1", "CONFIRMED", "batch_42_payment_P1"))
	require.NoError(t, err)

	require.NotNil(t, out.Activation)
	assert.True(t, out.Activation.Changed)
	assert.Empty(t, out.Warnings)

	sub := h.store.Subscriber(7)
	assert.True(t, sub.Active)
	assert.True(t, sub.PaymentConfirmed)
	assert.Equal(t, models.SubscriberStatusApproved, sub.Status)
	require.NotNil(t, sub.ActivatedAt)
	require.NotNil(t, sub.FirstPaymentAt)

	audits := h.store.AuditEntries()
	require.Len(t, audits, 1)
	assert.Equal(t, models.AuditActionActivate, audits[0].Action)
	assert.Equal(t, "7", audits[0].ResourceID)
	assert.Equal(t, "system", audits[0].ActorRole)

	var details map[string]any
	require.NoError(t, json.Unmarshal(audits[0].Details, &details))
	assert.Equal(t, false, details["exemption"])
	assert.Equal(t, true, details["payment_confirmed"])
	assert.Equal(t, "system_automatic", details["activated_by"])

	assert.Equal(t, []uint{7}, h.provisioner.Calls())
}

func TestHandleNotification_RedeliveryIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	seedPayerWithBatch(h)
	body := notification(billing.EventPaymentConfirmed, "P1", "CONFIRMED", "batch_42_payment_P1")

	_, err := h.deliver(t, body)
	require.NoError(t, err)
	firstBatch := h.store.Batch(42)
	firstPayment := h.store.Payment("P1")
	firstSub := h.store.Subscriber(7)

	h.clock.Advance(time.Hour)
	out, err := h.deliver(t, body)
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Empty(t, out.BatchesPaid)

	assert.Len(t, h.store.LedgerEntries(), 1)
	assert.Equal(t, firstBatch, h.store.Batch(42))
	assert.Equal(t, firstPayment, h.store.Payment("P1"))
	assert.Equal(t, firstSub, h.store.Subscriber(7))
	assert.Len(t, h.store.AuditEntries(), 1)
	assert.Len(t, h.provisioner.Calls(), 1)
}

func TestHandleNotification_AlreadyPaidBatchIsNotTouched(t *testing.T) {
	h := newHarness(t, nil)
	seedPayerWithBatch(h)
	earlier := h.clock.Now().Add(-48 * time.Hour)
	h.store.AddBatch(models.EvaluationBatch{
		ID:            42,
		SubscriberID:  uintPtr(7),
		PaymentStatus: models.BatchPaymentPaid,
		PaidAt:        &earlier,
		PaymentMethod: billing.MethodBoleto,
	})
	h.store.AddBatch(models.EvaluationBatch{ID: 43, SubscriberID: uintPtr(7)})

	out, err := h.deliver(t, notification(billing.EventPaymentReceived, "P1", "RECEIVED", "batch_42_payment_P1"))
	require.NoError(t, err)

	assert.Empty(t, out.BatchesPaid)
	assert.Contains(t, out.Warnings, "no batch awaiting payment")

	batch := h.store.Batch(42)
	require.NotNil(t, batch.PaidAt)
	assert.True(t, batch.PaidAt.Equal(earlier))
	assert.Equal(t, billing.MethodBoleto, batch.PaymentMethod)
	assert.Equal(t, models.BatchPaymentAwaiting, h.store.Batch(43).PaymentStatus)
	assert.Len(t, h.store.LedgerEntries(), 1)
}

func TestHandleNotification_RefundFlagsForReviewOnly(t *testing.T) {
	h := newHarness(t, nil)
	seedPayerWithBatch(h)

	_, err := h.deliver(t, notification(billing.EventPaymentConfirmed, "P1", "CONFIRMED", "batch_42_payment_P1"))
	require.NoError(t, err)
	batchBefore := h.store.Batch(42)
	auditsBefore := len(h.store.AuditEntries())

	h.clock.Advance(24 * time.Hour)
	out, err := h.deliver(t, notification(billing.EventPaymentRefunded, "P1", "REFUNDED", "batch_42_payment_P1"))
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusRefunded, out.LocalStatus)
	assert.True(t, out.FlaggedForReview)
	assert.Nil(t, out.Activation)
	assert.Empty(t, out.BatchesPaid)

	assert.Equal(t, models.PaymentStatusRefunded, h.store.Payment("P1").Status)
	assert.Equal(t, batchBefore, h.store.Batch(42))

	sub := h.store.Subscriber(7)
	assert.True(t, sub.Active, "refund must not deactivate")
	assert.Equal(t, models.SubscriberStatusApproved, sub.Status)
	assert.True(t, sub.NeedsReview)
	assert.Contains(t, sub.ReviewReason, billing.EventPaymentRefunded)
	assert.Len(t, h.store.AuditEntries(), auditsBefore)
	assert.Len(t, h.store.LedgerEntries(), 2)
}

func TestHandleNotification_RejectsBadToken(t *testing.T) {
	h := newHarness(t, nil)
	seedPayerWithBatch(h)
	body := notification(billing.EventPaymentConfirmed, "P1", "CONFIRMED", "batch_42_payment_P1")

	for _, token := range []string{"", "wrong"} {
		_, err := h.svc.HandleNotification(context.Background(), billing.SignatureContext{Token: token}, body)
		assert.ErrorIs(t, err, billing.ErrUnauthorized)
	}
	assert.Empty(t, h.store.LedgerEntries())
	assert.Equal(t, models.BatchPaymentAwaiting, h.store.Batch(42).PaymentStatus)
}

func TestHandleNotification_InsecureSkipVerify(t *testing.T) {
	h := newHarness(t, func(cfg *billing.Config) {
		cfg.WebhookToken = ""
		cfg.InsecureSkipVerify = true
	})
	seedPayerWithBatch(h)

	_, err := h.svc.HandleNotification(context.Background(), billing.SignatureContext{},
		notification(billing.EventPaymentConfirmed, "P1", "CONFIRMED", "batch_42_payment_P1"))
	require.NoError(t, err)
	assert.Equal(t, models.BatchPaymentPaid, h.store.Batch(42).PaymentStatus)
}

func TestHandleNotification_InvalidPayload(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.deliver(t, []byte(`{"event":"PAYMENT_CONFIRMED"}`))
	assert.ErrorIs(t, err, billing.ErrInvalidPayload)
	_, err = h.deliver(t, []byte(`not json`))
	assert.ErrorIs(t, err, billing.ErrInvalidPayload)
	assert.Empty(t, h.store.LedgerEntries())
}

func TestHandleNotification_UnknownPaymentIsAccepted(t *testing.T) {
	h := newHarness(t, nil)
	seedPayerWithBatch(h)

	out, err := h.deliver(t, notification(billing.EventPaymentReceived, "P404", "RECEIVED", ""))
	require.NoError(t, err)

	assert.False(t, out.PaymentFound)
	assert.Contains(t, out.Warnings, "payment P404 not found")
	assert.Contains(t, out.Warnings, "no batch awaiting payment")
	assert.Equal(t, models.BatchPaymentAwaiting, h.store.Batch(42).PaymentStatus)
	assert.False(t, h.store.Subscriber(7).Active)
	assert.Len(t, h.store.LedgerEntries(), 1)

	out, err = h.deliver(t, notification(billing.EventPaymentReceived, "P404", "RECEIVED", ""))
	require.NoError(t, err)
	assert.True(t, out.Duplicate)
}

func TestHandleNotification_FallbackSettlesOwnerBatches(t *testing.T) {
	h := newHarness(t, nil)
	seedPayerWithBatch(h)
	h.store.AddSubscriber(models.Subscriber{ID: 8, Name: "Other Co", CNPJ: "98765432000110"})
	h.store.AddBatch(models.EvaluationBatch{ID: 43, SubscriberID: uintPtr(7)})
	h.store.AddBatch(models.EvaluationBatch{ID: 44, SubscriberID: uintPtr(8)})
	paidAt := h.clock.Now().Add(-time.Hour)
	h.store.AddBatch(models.EvaluationBatch{ID: 45, SubscriberID: uintPtr(7), PaymentStatus: models.BatchPaymentPaid, PaidAt: &paidAt})

	out, err := h.deliver(t, notification(billing.EventPaymentReceived, "P1", "RECEIVED", "", map[string]any{
		"billingType":      "CREDIT_CARD",
		"installmentCount": 3,
	}))
	require.NoError(t, err)

	assert.Equal(t, []uint{42, 43}, out.BatchesPaid)
	for _, id := range []uint{42, 43} {
		b := h.store.Batch(id)
		assert.Equal(t, models.BatchPaymentPaid, b.PaymentStatus)
		assert.Equal(t, billing.MethodCard, b.PaymentMethod)
		assert.Equal(t, 3, b.PaymentInstallments)
	}
	assert.Equal(t, models.BatchPaymentAwaiting, h.store.Batch(44).PaymentStatus)
	assert.True(t, h.store.Batch(45).PaidAt.Equal(paidAt))
}

func TestHandleNotification_FallbackMatchesClinicOwner(t *testing.T) {
	h := newHarness(t, nil)
	h.store.AddBatch(models.EvaluationBatch{ID: 50, ClinicID: uintPtr(3)})
	h.store.AddPayment(models.Payment{ProviderPaymentID: "P9", ClinicID: uintPtr(3)})

	out, err := h.deliver(t, notification(billing.EventPaymentConfirmed, "P9", "CONFIRMED", "free text from checkout"))
	require.NoError(t, err)
	assert.Equal(t, []uint{50}, out.BatchesPaid)
	assert.Nil(t, out.Activation)
}

func TestHandleNotification_ReferenceForOtherPaymentFallsBack(t *testing.T) {
	h := newHarness(t, nil)
	seedPayerWithBatch(h)
	h.store.AddSubscriber(models.Subscriber{ID: 8, Name: "Other Co"})
	h.store.AddBatch(models.EvaluationBatch{ID: 60, SubscriberID: uintPtr(8)})

	out, err := h.deliver(t, notification(billing.EventPaymentConfirmed, "P1", "CONFIRMED", "batch_60_payment_P77"))
	require.NoError(t, err)

	assert.Equal(t, []uint{42}, out.BatchesPaid)
	assert.Equal(t, models.BatchPaymentAwaiting, h.store.Batch(60).PaymentStatus)
}

func TestHandleNotification_ReferenceByLocalPaymentID(t *testing.T) {
	h := newHarness(t, nil)
	h.store.AddSubscriber(models.Subscriber{ID: 7, Name: "ACME Ltda", CNPJ: "12345678000190"})
	h.store.AddBatch(models.EvaluationBatch{ID: 42, SubscriberID: uintPtr(7)})
	h.store.AddBatch(models.EvaluationBatch{ID: 43, SubscriberID: uintPtr(7)})
	p := h.store.AddPayment(models.Payment{ID: 900, ProviderPaymentID: "pay_abc", SubscriberID: uintPtr(7)})

	out, err := h.deliver(t, notification(billing.EventPaymentConfirmed, "pay_abc", "CONFIRMED", billing.EncodeReference(43, fmt.Sprint(p.ID))))
	require.NoError(t, err)

	assert.Equal(t, []uint{43}, out.BatchesPaid)
	assert.Equal(t, models.BatchPaymentAwaiting, h.store.Batch(42).PaymentStatus)
}

func TestHandleNotification_MissingReferencedBatchFallsBack(t *testing.T) {
	h := newHarness(t, nil)
	seedPayerWithBatch(h)

	out, err := h.deliver(t, notification(billing.EventPaymentConfirmed, "P1", "CONFIRMED", "batch_999_payment_P1"))
	require.NoError(t, err)
	assert.Equal(t, []uint{42}, out.BatchesPaid)
}

func TestHandleNotification_NonConfirmingEventsSkipBatches(t *testing.T) {
	tests := []struct {
		event      string
		status     string
		wantStatus string
	}{
		{billing.EventPaymentOverdue, "OVERDUE", models.PaymentStatusCanceled},
		{billing.EventPaymentCreated, "PENDING", models.PaymentStatusPending},
		{billing.EventPaymentBankSlipViewed, "PENDING", models.PaymentStatusPending},
		{billing.EventPaymentCheckoutViewed, "AWAITING_RISK_ANALYSIS", models.PaymentStatusProcessing},
		{billing.EventPaymentChargebackDispute, "CHARGEBACK_DISPUTE", models.PaymentStatusProcessing},
		{"PAYMENT_BRAND_NEW_EVENT", "BRAND_NEW_STATUS", models.PaymentStatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			h := newHarness(t, nil)
			seedPayerWithBatch(h)

			out, err := h.deliver(t, notification(tt.event, "P1", tt.status, "batch_42_payment_P1"))
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, h.store.Payment("P1").Status)
			assert.Empty(t, out.BatchesPaid)
			assert.Equal(t, models.BatchPaymentAwaiting, h.store.Batch(42).PaymentStatus)
			assert.False(t, h.store.Subscriber(7).Active)
			assert.False(t, h.store.Subscriber(7).PaymentConfirmed)
			assert.Len(t, h.store.LedgerEntries(), 1)
		})
	}
}

func TestHandleNotification_TransactionFailureRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	seedPayerWithBatch(h)
	body := notification(billing.EventPaymentConfirmed, "P1", "CONFIRMED", "batch_42_payment_P1")

	boom := errors.New("connection reset")
	for _, op := range []string{memstore.OpMarkBatchPaid, memstore.OpMarkProcessed, memstore.OpSavePayment, memstore.OpWriteAudit} {
		h.store.FailOn(op, boom)
		_, err := h.deliver(t, body)
		require.Error(t, err, op)
		assert.ErrorIs(t, err, boom, op)
		h.store.FailOn(op, nil)

		assert.Equal(t, models.PaymentStatusPending, h.store.Payment("P1").Status, op)
		assert.Equal(t, models.BatchPaymentAwaiting, h.store.Batch(42).PaymentStatus, op)
		assert.False(t, h.store.Subscriber(7).Active, op)
		assert.False(t, h.store.Subscriber(7).PaymentConfirmed, op)
		assert.Empty(t, h.store.LedgerEntries(), op)
		assert.Empty(t, h.store.AuditEntries(), op)
	}

	out, err := h.deliver(t, body)
	require.NoError(t, err)
	assert.Equal(t, []uint{42}, out.BatchesPaid)
	assert.True(t, h.store.Subscriber(7).Active)
}

func TestHandleNotification_LedgerRaceRollsBackCascade(t *testing.T) {
	for _, asError := range []bool{false, true} {
		t.Run(fmt.Sprintf("duplicate_as_error=%t", asError), func(t *testing.T) {
			h := newHarness(t, nil)
			seedPayerWithBatch(h)
			h.store.HideLedger = true
			h.store.DuplicateAsError = asError
			body := notification(billing.EventPaymentConfirmed, "P1", "CONFIRMED", "batch_42_payment_P1")

			_, err := h.deliver(t, body)
			require.NoError(t, err)
			payment := h.store.Payment("P1")
			batch := h.store.Batch(42)

			h.clock.Advance(time.Minute)
			out, err := h.deliver(t, body)
			require.NoError(t, err)
			assert.True(t, out.Duplicate)
			assert.Empty(t, out.BatchesPaid)

			assert.Equal(t, payment, h.store.Payment("P1"))
			assert.Equal(t, batch, h.store.Batch(42))
			assert.Len(t, h.store.LedgerEntries(), 1)
			assert.Len(t, h.store.AuditEntries(), 1)
		})
	}
}

type reconcileCounters struct {
	settled, changed, noop float64
}

func readReconcileCounters() reconcileCounters {
	return reconcileCounters{
		settled: testutil.ToFloat64(metrics.BatchesSettledTotal),
		changed: testutil.ToFloat64(metrics.ActivationsTotal.WithLabelValues("activate_payment", "changed")),
		noop:    testutil.ToFloat64(metrics.ActivationsTotal.WithLabelValues("activate_payment", "noop")),
	}
}

func TestHandleNotification_CountersOnlyMoveOnCommit(t *testing.T) {
	h := newHarness(t, nil)
	seedPayerWithBatch(h)
	h.store.HideLedger = true
	body := notification(billing.EventPaymentConfirmed, "P1", "CONFIRMED", "batch_42_payment_P1")

	before := readReconcileCounters()
	h.store.FailOn(memstore.OpMarkProcessed, errors.New("connection reset"))
	_, err := h.deliver(t, body)
	require.Error(t, err)
	h.store.FailOn(memstore.OpMarkProcessed, nil)
	assert.Equal(t, before, readReconcileCounters())

	_, err = h.deliver(t, body)
	require.NoError(t, err)
	committed := readReconcileCounters()
	assert.Equal(t, before.settled+1, committed.settled)
	assert.Equal(t, before.changed+1, committed.changed)
	assert.Equal(t, before.noop, committed.noop)

	h.clock.Advance(time.Minute)
	out, err := h.deliver(t, body)
	require.NoError(t, err)
	require.True(t, out.Duplicate)
	assert.Equal(t, committed, readReconcileCounters())
}

func TestHandleNotification_ConcurrentDuplicates(t *testing.T) {
	h := newHarness(t, nil)
	seedPayerWithBatch(h)
	h.store.HideLedger = true
	body := notification(billing.EventPaymentConfirmed, "P1", "CONFIRMED", "batch_42_payment_P1")

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		applied  int
		failures []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.deliver(t, body)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			if !out.Duplicate {
				applied++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, failures)
	assert.Equal(t, 1, applied)
	assert.Len(t, h.store.LedgerEntries(), 1)
	assert.Len(t, h.store.AuditEntries(), 1)
	assert.Equal(t, models.BatchPaymentPaid, h.store.Batch(42).PaymentStatus)
	assert.Len(t, h.provisioner.Calls(), 1)
}

func TestHandleNotification_PaidAtFirstWriteWins(t *testing.T) {
	h := newHarness(t, nil)
	seedPayerWithBatch(h)

	_, err := h.deliver(t, notification(billing.EventPaymentConfirmed, "P1", "CONFIRMED", "batch_42_payment_P1", map[string]any{
		"paymentDate": "2025-02-27",
	}))
	require.NoError(t, err)
	first := h.store.Payment("P1")
	require.NotNil(t, first.PaidAt)
	assert.Equal(t, "2025-02-27", first.PaidAt.Format(time.DateOnly))
	batchPaidAt := *h.store.Batch(42).PaidAt

	h.clock.Advance(72 * time.Hour)
	_, err = h.deliver(t, notification(billing.EventPaymentReceived, "P1", "RECEIVED", "batch_42_payment_P1", map[string]any{
		"paymentDate": "2025-03-03",
	}))
	require.NoError(t, err)

	second := h.store.Payment("P1")
	assert.True(t, second.PaidAt.Equal(*first.PaidAt))
	assert.Equal(t, billing.EventPaymentReceived, second.Metadata.Data().LastWebhookEvent)
	assert.True(t, h.store.Batch(42).PaidAt.Equal(batchPaidAt))
	assert.Len(t, h.store.LedgerEntries(), 2)
}

func TestHandleNotification_PreservesUnknownMetadata(t *testing.T) {
	h := newHarness(t, nil)
	seedPayerWithBatch(h)
	var meta models.ProviderMetadata
	require.NoError(t, json.Unmarshal([]byte(`{"contractId":9,"origin":"checkout","providerStatus":"PENDING"}`), &meta))
	h.store.AddPayment(models.Payment{
		ID:                500,
		ProviderPaymentID: "P5",
		SubscriberID:      uintPtr(7),
		Metadata:          datatypes.NewJSONType(meta),
	})

	_, err := h.deliver(t, notification(billing.EventPaymentUpdated, "P5", "PENDING", ""))
	require.NoError(t, err)

	raw, err := json.Marshal(h.store.Payment("P5").Metadata.Data())
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, float64(9), got["contractId"])
	assert.Equal(t, "checkout", got["origin"])
	assert.Equal(t, billing.EventPaymentUpdated, got["lastWebhookEvent"])
}

func TestHandleNotification_ActivationPreconditionIsAbsorbed(t *testing.T) {
	h := newHarness(t, nil)
	seedPayerWithBatch(h)
	h.store.AddSubscriber(models.Subscriber{ID: 7, Name: "ACME Ltda", Status: models.SubscriberStatusCanceled})

	out, err := h.deliver(t, notification(billing.EventPaymentConfirmed, "P1", "CONFIRMED", "batch_42_payment_P1"))
	require.NoError(t, err)

	assert.Nil(t, out.Activation)
	require.NotEmpty(t, out.Warnings)
	assert.Contains(t, out.Warnings[0], "subscriber_canceled")
	assert.Equal(t, models.BatchPaymentPaid, h.store.Batch(42).PaymentStatus)

	sub := h.store.Subscriber(7)
	assert.False(t, sub.Active)
	assert.True(t, sub.PaymentConfirmed)
	assert.Empty(t, h.store.AuditEntries())
}

func TestHandleNotification_AutoActivateDisabled(t *testing.T) {
	h := newHarness(t, func(cfg *billing.Config) { cfg.AutoActivate = false })
	seedPayerWithBatch(h)

	out, err := h.deliver(t, notification(billing.EventPaymentConfirmed, "P1", "CONFIRMED", "batch_42_payment_P1"))
	require.NoError(t, err)
	assert.Nil(t, out.Activation)
	assert.False(t, h.store.Subscriber(7).Active)
	assert.Equal(t, models.BatchPaymentPaid, h.store.Batch(42).PaymentStatus)
}

func TestHandleNotification_ProvisioningFailureIsWarning(t *testing.T) {
	h := newHarness(t, nil)
	seedPayerWithBatch(h)
	h.provisioner.err = errors.New("duplicate cpf")

	out, err := h.deliver(t, notification(billing.EventPaymentConfirmed, "P1", "CONFIRMED", "batch_42_payment_P1"))
	require.NoError(t, err)

	assert.Contains(t, out.Warnings, entitlements.WarningAccountNotCreated)
	assert.True(t, h.store.Subscriber(7).Active)
}

// TestHandleNotification_RandomDeliveries replays random event sequences with
// duplicates and checks the state invariants after every delivery.
func TestHandleNotification_RandomDeliveries(t *testing.T) {
	events := []struct{ event, status string }{
		{billing.EventPaymentCreated, "PENDING"},
		{billing.EventPaymentConfirmed, "CONFIRMED"},
		{billing.EventPaymentReceived, "RECEIVED"},
		{billing.EventPaymentOverdue, "OVERDUE"},
		{billing.EventPaymentRefunded, "REFUNDED"},
		{billing.EventPaymentBankSlipViewed, "PENDING"},
		{billing.EventPaymentChargebackRequested, "CHARGEBACK_REQUESTED"},
	}
	refs := []string{"", "batch_42_payment_P1", "batch_43_payment_P1", "garbage_ref"}

	rng := rand.New(rand.NewSource(20250301))
	for round := 0; round < 25; round++ {
		h := newHarness(t, nil)
		seedPayerWithBatch(h)
		h.store.AddBatch(models.EvaluationBatch{ID: 43, SubscriberID: uintPtr(7)})

		stamps := map[uint]time.Time{}
		for step := 0; step < 12; step++ {
			e := events[rng.Intn(len(events))]
			body := notification(e.event, "P1", e.status, refs[rng.Intn(len(refs))])

			_, err := h.deliver(t, body)
			require.NoError(t, err)
			ledgerAfterFirst := len(h.store.LedgerEntries())
			snapshot := h.store.Payment("P1")

			h.clock.Advance(time.Minute)
			out, err := h.deliver(t, body)
			require.NoError(t, err)
			require.True(t, out.Duplicate, "round %d step %d", round, step)
			require.Len(t, h.store.LedgerEntries(), ledgerAfterFirst)
			require.Equal(t, snapshot, h.store.Payment("P1"))

			for _, id := range []uint{42, 43} {
				b := h.store.Batch(id)
				if b.PaidAt == nil {
					continue
				}
				if prev, ok := stamps[id]; ok {
					require.True(t, prev.Equal(*b.PaidAt), "batch %d paid_at re-stamped", id)
				}
				stamps[id] = *b.PaidAt
			}

			sub := h.store.Subscriber(7)
			if sub.Active {
				require.True(t, sub.PaymentConfirmed, "active without confirmed payment")
			}
		}

		seen := map[string]bool{}
		for _, e := range h.store.LedgerEntries() {
			key := e.PaymentID + "/" + e.Event
			require.False(t, seen[key], "duplicate ledger key %s", key)
			seen[key] = true
		}
	}
}
