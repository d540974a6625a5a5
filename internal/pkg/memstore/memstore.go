// Package memstore is an in-memory implementation of the billing and
// entitlements repositories for tests. Transactions are serialized by a single
// lock, work on a copy of the data and are discarded on error; nested
// transactions behave like savepoints. The ledger enforces the
// (payment_id, event) unique key like the SQL schema does.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/qwork/app/models"
	"github.com/ManuelReschke/qwork/internal/pkg/audit"
	"github.com/ManuelReschke/qwork/internal/pkg/billing"
	"github.com/ManuelReschke/qwork/internal/pkg/entitlements"
)

// Operation names accepted by FailOn.
const (
	OpFindPayment      = "FindPaymentForUpdate"
	OpSavePayment      = "SavePayment"
	OpMarkBatchPaid    = "MarkBatchPaid"
	OpMarkProcessed    = "MarkProcessed"
	OpHasProcessed     = "HasProcessed"
	OpFlagReview       = "FlagSubscriberForReview"
	OpSaveActivation   = "SaveActivation"
	OpSaveDeactivation = "SaveDeactivation"
	OpUpsertClinic     = "UpsertClinic"
	OpWriteAudit       = "WriteAudit"
)

type state struct {
	seq         uint
	payments    map[uint]models.Payment
	batches     map[uint]models.EvaluationBatch
	subscribers map[uint]models.Subscriber
	clinics     map[uint]models.Clinic
	ledger      []models.WebhookLog
	audits      []models.AuditLog
}

func newState() *state {
	return &state{
		payments:    make(map[uint]models.Payment),
		batches:     make(map[uint]models.EvaluationBatch),
		subscribers: make(map[uint]models.Subscriber),
		clinics:     make(map[uint]models.Clinic),
	}
}

func (s *state) clone() *state {
	c := &state{
		seq:         s.seq,
		payments:    make(map[uint]models.Payment, len(s.payments)),
		batches:     make(map[uint]models.EvaluationBatch, len(s.batches)),
		subscribers: make(map[uint]models.Subscriber, len(s.subscribers)),
		clinics:     make(map[uint]models.Clinic, len(s.clinics)),
		ledger:      append([]models.WebhookLog(nil), s.ledger...),
		audits:      append([]models.AuditLog(nil), s.audits...),
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.batches {
		c.batches[k] = v
	}
	for k, v := range s.subscribers {
		c.subscribers[k] = v
	}
	for k, v := range s.clinics {
		c.clinics[k] = v
	}
	return c
}

func (s *state) nextID() uint {
	s.seq++
	return s.seq
}

// Store holds the committed data.
type Store struct {
	mu        sync.Mutex
	committed *state

	failMu sync.Mutex
	fail   map[string]error

	// HideLedger makes HasProcessed report false, simulating a delivery that
	// raced past the ledger check.
	HideLedger bool
	// DuplicateAsError makes MarkProcessed return gorm.ErrDuplicatedKey on a
	// duplicate key instead of created=false.
	DuplicateAsError bool
}

func New() *Store {
	return &Store{committed: newState(), fail: make(map[string]error)}
}

// FailOn makes every call of op return err until cleared with a nil err.
func (s *Store) FailOn(op string, err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

func (s *Store) failure(op string) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.fail[op]
}

// Billing returns the billing repository view.
func (s *Store) Billing() billing.Repository {
	return &billingRepo{view: &view{store: s}}
}

// Entitlements returns the entitlements repository view.
func (s *Store) Entitlements() entitlements.Repository {
	return &entitlementsRepo{view: &view{store: s}}
}

// view is either the root (auto-commit) handle or a transaction handle.
type view struct {
	store *Store
	tx    *state
}

// do runs fn against the working state, locking the store for root views.
func (v *view) do(fn func(st *state) error) error {
	if v.tx != nil {
		return fn(v.tx)
	}
	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	work := v.store.committed.clone()
	if err := fn(work); err != nil {
		return err
	}
	v.store.committed = work
	return nil
}

// transaction opens a transaction on a root view or a savepoint on a
// transaction view.
func (v *view) transaction(fn func(child *view) error) error {
	if v.tx != nil {
		child := &view{store: v.store, tx: v.tx.clone()}
		if err := fn(child); err != nil {
			return err
		}
		*v.tx = *child.tx
		return nil
	}

	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	child := &view{store: v.store, tx: v.store.committed.clone()}
	if err := fn(child); err != nil {
		return err
	}
	v.store.committed = child.tx
	return nil
}

type billingRepo struct {
	view *view
}

func (r *billingRepo) Transaction(ctx context.Context, fn func(tx billing.Repository) error) error {
	return r.view.transaction(func(child *view) error {
		return fn(&billingRepo{view: child})
	})
}

func (r *billingRepo) HasProcessed(ctx context.Context, paymentID, event string) (bool, error) {
	if err := r.view.store.failure(OpHasProcessed); err != nil {
		return false, err
	}
	if r.view.store.HideLedger {
		return false, nil
	}
	found := false
	err := r.view.do(func(st *state) error {
		for _, e := range st.ledger {
			if e.PaymentID == paymentID && e.Event == event {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}

func (r *billingRepo) MarkProcessed(ctx context.Context, entry *models.WebhookLog) (bool, error) {
	if err := r.view.store.failure(OpMarkProcessed); err != nil {
		return false, err
	}
	created := false
	err := r.view.do(func(st *state) error {
		for _, e := range st.ledger {
			if e.PaymentID == entry.PaymentID && e.Event == entry.Event {
				if r.view.store.DuplicateAsError {
					return gorm.ErrDuplicatedKey
				}
				return nil
			}
		}
		entry.ID = st.nextID()
		st.ledger = append(st.ledger, *entry)
		created = true
		return nil
	})
	return created, err
}

func (r *billingRepo) FindPaymentForUpdate(ctx context.Context, providerPaymentID string) (*models.Payment, error) {
	if err := r.view.store.failure(OpFindPayment); err != nil {
		return nil, err
	}
	var out *models.Payment
	err := r.view.do(func(st *state) error {
		for _, p := range st.payments {
			if p.ProviderPaymentID == providerPaymentID {
				cp := p
				out = &cp
				return nil
			}
		}
		return gorm.ErrRecordNotFound
	})
	return out, err
}

func (r *billingRepo) SavePayment(ctx context.Context, payment *models.Payment) error {
	if err := r.view.store.failure(OpSavePayment); err != nil {
		return err
	}
	return r.view.do(func(st *state) error {
		p, ok := st.payments[payment.ID]
		if !ok {
			return gorm.ErrRecordNotFound
		}
		p.Status = payment.Status
		p.Metadata = payment.Metadata
		p.PaidAt = payment.PaidAt
		p.UpdatedAt = time.Now()
		st.payments[p.ID] = p
		return nil
	})
}

func (r *billingRepo) FindBatchForUpdate(ctx context.Context, id uint) (*models.EvaluationBatch, error) {
	var out *models.EvaluationBatch
	err := r.view.do(func(st *state) error {
		b, ok := st.batches[id]
		if !ok {
			return gorm.ErrRecordNotFound
		}
		out = &b
		return nil
	})
	return out, err
}

func (r *billingRepo) ListAwaitingBatches(ctx context.Context, subscriberID, clinicID *uint) ([]models.EvaluationBatch, error) {
	var out []models.EvaluationBatch
	err := r.view.do(func(st *state) error {
		for _, b := range st.batches {
			if !b.IsAwaitingPayment() {
				continue
			}
			if (subscriberID != nil && b.SubscriberID != nil && *b.SubscriberID == *subscriberID) ||
				(clinicID != nil && b.ClinicID != nil && *b.ClinicID == *clinicID) {
				out = append(out, b)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (r *billingRepo) MarkBatchPaid(ctx context.Context, id uint, paidAt time.Time, method string, installments int) (bool, error) {
	if err := r.view.store.failure(OpMarkBatchPaid); err != nil {
		return false, err
	}
	changed := false
	err := r.view.do(func(st *state) error {
		b, ok := st.batches[id]
		if !ok || !b.IsAwaitingPayment() {
			return nil
		}
		at := paidAt
		b.PaymentStatus = models.BatchPaymentPaid
		b.PaidAt = &at
		b.PaymentMethod = method
		b.PaymentInstallments = installments
		st.batches[id] = b
		changed = true
		return nil
	})
	return changed, err
}

func (r *billingRepo) FlagSubscriberForReview(ctx context.Context, id uint, reason string, at time.Time) error {
	if err := r.view.store.failure(OpFlagReview); err != nil {
		return err
	}
	return r.view.do(func(st *state) error {
		sub, ok := st.subscribers[id]
		if !ok {
			return nil
		}
		flagged := at
		sub.NeedsReview = true
		sub.ReviewReason = reason
		sub.ReviewFlaggedAt = &flagged
		st.subscribers[id] = sub
		return nil
	})
}

func (r *billingRepo) Entitlements() entitlements.Repository {
	return &entitlementsRepo{view: r.view}
}

type entitlementsRepo struct {
	view *view
}

func (r *entitlementsRepo) Transaction(ctx context.Context, fn func(tx entitlements.Repository) error) error {
	return r.view.transaction(func(child *view) error {
		return fn(&entitlementsRepo{view: child})
	})
}

func (r *entitlementsRepo) GetSubscriberForUpdate(ctx context.Context, id uint) (*models.Subscriber, error) {
	var out *models.Subscriber
	err := r.view.do(func(st *state) error {
		sub, ok := st.subscribers[id]
		if !ok {
			return gorm.ErrRecordNotFound
		}
		out = &sub
		return nil
	})
	return out, err
}

func (r *entitlementsRepo) SaveActivation(ctx context.Context, id uint, activatedAt time.Time) error {
	if err := r.view.store.failure(OpSaveActivation); err != nil {
		return err
	}
	return r.updateSubscriber(id, func(sub *models.Subscriber) {
		sub.Active = true
		sub.Status = models.SubscriberStatusApproved
		if sub.ActivatedAt == nil {
			at := activatedAt
			sub.ActivatedAt = &at
		}
	})
}

func (r *entitlementsRepo) SaveDeactivation(ctx context.Context, id uint) error {
	if err := r.view.store.failure(OpSaveDeactivation); err != nil {
		return err
	}
	return r.updateSubscriber(id, func(sub *models.Subscriber) {
		sub.Active = false
		sub.Status = models.SubscriberStatusSuspended
	})
}

func (r *entitlementsRepo) MarkPaymentConfirmed(ctx context.Context, id uint, paidAt time.Time) error {
	return r.updateSubscriber(id, func(sub *models.Subscriber) {
		sub.PaymentConfirmed = true
		if sub.FirstPaymentAt == nil {
			at := paidAt
			sub.FirstPaymentAt = &at
		}
	})
}

func (r *entitlementsRepo) updateSubscriber(id uint, mutate func(sub *models.Subscriber)) error {
	return r.view.do(func(st *state) error {
		sub, ok := st.subscribers[id]
		if !ok {
			return nil
		}
		mutate(&sub)
		st.subscribers[id] = sub
		return nil
	})
}

func (r *entitlementsRepo) UpsertClinic(ctx context.Context, clinic *models.Clinic) error {
	if err := r.view.store.failure(OpUpsertClinic); err != nil {
		return err
	}
	return r.view.do(func(st *state) error {
		for id, c := range st.clinics {
			if c.CNPJ == clinic.CNPJ {
				clinic.ID = id
				st.clinics[id] = *clinic
				return nil
			}
		}
		clinic.ID = st.nextID()
		st.clinics[clinic.ID] = *clinic
		return nil
	})
}

func (r *entitlementsRepo) WriteAudit(ctx context.Context, entry audit.Entry) error {
	if err := r.view.store.failure(OpWriteAudit); err != nil {
		return err
	}
	row, err := audit.ToModel(entry)
	if err != nil {
		return err
	}
	return r.view.do(func(st *state) error {
		row.ID = st.nextID()
		row.CreatedAt = time.Now()
		st.audits = append(st.audits, *row)
		return nil
	})
}

// Seeding and inspection helpers. They operate on committed data.

func (s *Store) AddPayment(p models.Payment) models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.committed.nextID()
	} else if p.ID > s.committed.seq {
		s.committed.seq = p.ID
	}
	if p.Status == "" {
		p.Status = models.PaymentStatusPending
	}
	s.committed.payments[p.ID] = p
	return p
}

func (s *Store) AddBatch(b models.EvaluationBatch) models.EvaluationBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == 0 {
		b.ID = s.committed.nextID()
	} else if b.ID > s.committed.seq {
		s.committed.seq = b.ID
	}
	if b.PaymentStatus == "" {
		b.PaymentStatus = models.BatchPaymentAwaiting
	}
	if b.PaymentInstallments == 0 {
		b.PaymentInstallments = 1
	}
	s.committed.batches[b.ID] = b
	return b
}

func (s *Store) AddSubscriber(sub models.Subscriber) models.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == 0 {
		sub.ID = s.committed.nextID()
	} else if sub.ID > s.committed.seq {
		s.committed.seq = sub.ID
	}
	if sub.Status == "" {
		sub.Status = models.SubscriberStatusPending
	}
	if sub.Type == "" {
		sub.Type = models.SubscriberTypeCompany
	}
	s.committed.subscribers[sub.ID] = sub
	return sub
}

func (s *Store) Payment(providerPaymentID string) models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.committed.payments {
		if p.ProviderPaymentID == providerPaymentID {
			return p
		}
	}
	panic(fmt.Sprintf("memstore: payment %s not found", providerPaymentID))
}

func (s *Store) Batch(id uint) models.EvaluationBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.committed.batches[id]
	if !ok {
		panic(fmt.Sprintf("memstore: batch %d not found", id))
	}
	return b
}

func (s *Store) Subscriber(id uint) models.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.committed.subscribers[id]
	if !ok {
		panic(fmt.Sprintf("memstore: subscriber %d not found", id))
	}
	return sub
}

func (s *Store) Clinics() []models.Clinic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Clinic, 0, len(s.committed.clinics))
	for _, c := range s.committed.clinics {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) LedgerEntries() []models.WebhookLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.WebhookLog(nil), s.committed.ledger...)
}

func (s *Store) AuditEntries() []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditLog(nil), s.committed.audits...)
}
