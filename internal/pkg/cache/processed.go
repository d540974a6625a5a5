package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ProcessedKeyPrefix = "webhook:processed:"
	ProcessedTTL       = 72 * time.Hour
)

// ProcessedNotifications remembers committed (payment, event) pairs so repeat
// deliveries can be answered without touching the database. Entries expire;
// the ledger table stays authoritative.
type ProcessedNotifications struct {
	client *redis.Client
	ttl    time.Duration
}

func NewProcessedNotifications(client *redis.Client, ttl time.Duration) *ProcessedNotifications {
	if ttl <= 0 {
		ttl = ProcessedTTL
	}
	return &ProcessedNotifications{client: client, ttl: ttl}
}

// ProcessedKey length-prefixes the payment id so ids containing ':' cannot
// collide with another (payment, event) pair.
func ProcessedKey(paymentID, event string) string {
	return ProcessedKeyPrefix + strconv.Itoa(len(paymentID)) + ":" + paymentID + ":" + event
}

func (p *ProcessedNotifications) IsProcessed(ctx context.Context, paymentID, event string) (bool, error) {
	err := p.client.Get(ctx, ProcessedKey(paymentID, event)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *ProcessedNotifications) MarkProcessed(ctx context.Context, paymentID, event string) error {
	return p.client.Set(ctx, ProcessedKey(paymentID, event), "1", p.ttl).Err()
}
