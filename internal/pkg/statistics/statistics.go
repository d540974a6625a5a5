package statistics

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/qwork/app/models"
	"github.com/ManuelReschke/qwork/internal/pkg/jobqueue"
)

const (
	CacheKeyOverview = "statistics:reconciliation:overview"
	CacheExpiration  = 5 * time.Minute
)

// Overview is the reconciliation dashboard for the admin console.
type Overview struct {
	SubscribersActive      int64     `json:"subscribers_active"`
	SubscribersPending     int64     `json:"subscribers_pending"`
	SubscribersNeedsReview int64     `json:"subscribers_needs_review"`
	BatchesAwaitingPayment int64     `json:"batches_awaiting_payment"`
	PaymentsPaidToday      int64     `json:"payments_paid_today"`
	NotificationsToday     int64     `json:"notifications_today"`
	FollowUpsPending       int64     `json:"follow_ups_pending"`
	FollowUpsProcessing    int64     `json:"follow_ups_processing"`
	FollowUpsFailed        int64     `json:"follow_ups_failed"`
	GeneratedAt            time.Time `json:"generated_at"`
}

// Store is the cache the overview is kept in.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

type redisStore struct {
	client *redis.Client
}

// NewRedisStore adapts a Redis client to Store.
func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	return s.client.Get(ctx, key).Result()
}

func (s *redisStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return s.client.Set(ctx, key, value, expiration).Err()
}

// FollowUpQueue reports the state of the provisioning follow-up queue.
type FollowUpQueue interface {
	GetQueueSize(ctx context.Context) (int64, error)
	GetProcessingSize(ctx context.Context) (int64, error)
	GetJobStats(ctx context.Context) (map[jobqueue.JobStatus]int64, error)
}

type Service struct {
	db    *gorm.DB
	store Store
	queue FollowUpQueue
	ttl   time.Duration
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithFollowUpQueue adds provisioning follow-up counts to the overview.
func WithFollowUpQueue(q FollowUpQueue) Option {
	return func(s *Service) { s.queue = q }
}

// NewService builds the overview service. A nil store disables caching.
func NewService(db *gorm.DB, store Store, opts ...Option) *Service {
	s := &Service{db: db, store: store, ttl: CacheExpiration, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Overview returns the cached overview, recomputing it when the cache is
// empty, unreadable or refresh is set.
func (s *Service) Overview(ctx context.Context, refresh bool) (*Overview, error) {
	if !refresh && s.store != nil {
		raw, err := s.store.Get(ctx, CacheKeyOverview)
		switch {
		case err == nil:
			var o Overview
			if jerr := json.Unmarshal([]byte(raw), &o); jerr == nil {
				return &o, nil
			}
			log.Warnf("[Statistics] Discarding unreadable cached overview")
		case !errors.Is(err, redis.Nil):
			log.Warnf("[Statistics] Cache read failed: %v", err)
		}
	}

	o, err := s.compute(ctx)
	if err != nil {
		return nil, err
	}

	if s.store != nil {
		raw, _ := json.Marshal(o)
		if err := s.store.Set(ctx, CacheKeyOverview, string(raw), s.ttl); err != nil {
			log.Warnf("[Statistics] Cache write failed: %v", err)
		}
	}
	return o, nil
}

func (s *Service) compute(ctx context.Context) (*Overview, error) {
	now := s.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	db := s.db.WithContext(ctx)
	o := &Overview{GeneratedAt: now}

	counts := []struct {
		dst   *int64
		model interface{}
		query string
		args  []interface{}
	}{
		{&o.SubscribersActive, &models.Subscriber{}, "active = ?", []interface{}{true}},
		{&o.SubscribersPending, &models.Subscriber{}, "active = ? AND status <> ?", []interface{}{false, models.SubscriberStatusCanceled}},
		{&o.SubscribersNeedsReview, &models.Subscriber{}, "needs_review = ?", []interface{}{true}},
		{&o.BatchesAwaitingPayment, &models.EvaluationBatch{}, "payment_status = ?", []interface{}{models.BatchPaymentAwaiting}},
		{&o.PaymentsPaidToday, &models.Payment{}, "status = ? AND paid_at >= ?", []interface{}{models.PaymentStatusPaid, dayStart}},
		{&o.NotificationsToday, &models.WebhookLog{}, "processed_at >= ?", []interface{}{dayStart}},
	}
	for _, c := range counts {
		if err := db.Model(c.model).Where(c.query, c.args...).Count(c.dst).Error; err != nil {
			return nil, err
		}
	}
	s.countFollowUps(ctx, o)
	return o, nil
}

// countFollowUps fills the queue counters. A queue read failure leaves them
// at zero.
func (s *Service) countFollowUps(ctx context.Context, o *Overview) {
	if s.queue == nil {
		return
	}

	pending, err := s.queue.GetQueueSize(ctx)
	if err != nil {
		log.Warnf("[Statistics] Follow-up queue unavailable: %v", err)
		return
	}
	processing, err := s.queue.GetProcessingSize(ctx)
	if err != nil {
		log.Warnf("[Statistics] Follow-up queue unavailable: %v", err)
		return
	}
	stats, err := s.queue.GetJobStats(ctx)
	if err != nil {
		log.Warnf("[Statistics] Follow-up queue unavailable: %v", err)
		return
	}

	o.FollowUpsPending = pending
	o.FollowUpsProcessing = processing
	o.FollowUpsFailed = stats[jobqueue.JobStatusFailed]
}
