package billing

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ManuelReschke/qwork/app/models"
)

// ProcessedCache is an optional read-through fast path in front of the
// ledger table. It is never consulted for writes.
type ProcessedCache interface {
	IsProcessed(ctx context.Context, paymentID, event string) (bool, error)
	MarkProcessed(ctx context.Context, paymentID, event string) error
}

// Ledger records which (payment, event) pairs were applied. Uniqueness is
// enforced by the storage layer; the cache only short-circuits lookups.
type Ledger struct {
	repo  Repository
	cache ProcessedCache
}

func NewLedger(repo Repository, cache ProcessedCache) *Ledger {
	return &Ledger{repo: repo, cache: cache}
}

// WithRepository returns a ledger writing through tx.
func (l *Ledger) WithRepository(tx Repository) *Ledger {
	return &Ledger{repo: tx, cache: l.cache}
}

func (l *Ledger) HasProcessed(ctx context.Context, paymentID, event string) (bool, error) {
	if l.cache != nil {
		ok, err := l.cache.IsProcessed(ctx, paymentID, event)
		if err != nil {
			log.Warnf("[Billing] Processed cache lookup failed for %s/%s: %v", paymentID, event, err)
		} else if ok {
			return true, nil
		}
	}
	return l.repo.HasProcessed(ctx, paymentID, event)
}

// MarkProcessed appends a ledger entry. A duplicate key is reported as
// created=false, not as an error.
func (l *Ledger) MarkProcessed(ctx context.Context, paymentID, event string, raw []byte) (bool, error) {
	payload := datatypes.JSON("null")
	if len(raw) > 0 {
		payload = datatypes.JSON(raw)
	}
	created, err := l.repo.MarkProcessed(ctx, &models.WebhookLog{
		PaymentID:   paymentID,
		Event:       event,
		Payload:     payload,
		ProcessedAt: time.Now(),
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	return created, err
}

// Remember stores a committed entry in the cache. Failures are logged only.
func (l *Ledger) Remember(ctx context.Context, paymentID, event string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.MarkProcessed(ctx, paymentID, event); err != nil {
		log.Warnf("[Billing] Failed to cache processed notification %s/%s: %v", paymentID, event, err)
	}
}
