package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/qwork/internal/pkg/env"
)

const isolatedCacheTestRedisDB = 13

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	c := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PORT", "6379")),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       isolatedCacheTestRedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		t.Skipf("Skipping Redis-dependent test: %v", err)
	}
	require.NoError(t, c.FlushDB(context.Background()).Err())
	t.Cleanup(func() {
		_ = c.FlushDB(context.Background()).Err()
		_ = c.Close()
	})
	return c
}

func TestProcessedKey(t *testing.T) {
	assert.Equal(t, "webhook:processed:5:pay_1:PAYMENT_RECEIVED", ProcessedKey("pay_1", "PAYMENT_RECEIVED"))
}

func TestProcessedKey_ColonInIDDoesNotCollide(t *testing.T) {
	assert.NotEqual(t, ProcessedKey("a:b", "c"), ProcessedKey("a", "b:c"))
	assert.NotEqual(t, ProcessedKey("pay:PAYMENT_RECEIVED", "X"), ProcessedKey("pay", "PAYMENT_RECEIVED:X"))
}

func TestNewProcessedNotifications_DefaultTTL(t *testing.T) {
	p := NewProcessedNotifications(nil, 0)
	assert.Equal(t, ProcessedTTL, p.ttl)

	p = NewProcessedNotifications(nil, time.Minute)
	assert.Equal(t, time.Minute, p.ttl)
}

func TestProcessedNotifications_Redis(t *testing.T) {
	c := newTestRedis(t)
	ctx := context.Background()
	p := NewProcessedNotifications(c, time.Minute)

	ok, err := p.IsProcessed(ctx, "pay_1", "PAYMENT_RECEIVED")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p.MarkProcessed(ctx, "pay_1", "PAYMENT_RECEIVED"))

	ok, err = p.IsProcessed(ctx, "pay_1", "PAYMENT_RECEIVED")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.IsProcessed(ctx, "pay_1", "PAYMENT_CONFIRMED")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p.MarkProcessed(ctx, "a:b", "c"))
	ok, err = p.IsProcessed(ctx, "a", "b:c")
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err := c.TTL(ctx, ProcessedKey("pay_1", "PAYMENT_RECEIVED")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}
