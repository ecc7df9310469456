package statistics

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/SubGate/app/models"
	"github.com/ManuelReschke/SubGate/internal/pkg/metrics"
)

const (
	CacheKeySubscriptions = "subgate:statistics:subscriptions"
	CacheExpiration       = 5 * time.Minute
)

var allStatuses = []models.SubscriptionStatus{
	models.SubscriptionStatusInactive,
	models.SubscriptionStatusTrialing,
	models.SubscriptionStatusActive,
	models.SubscriptionStatusPastDue,
	models.SubscriptionStatusCancelled,
}

// StatusCounter is implemented by the record stores.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[models.SubscriptionStatus]int64, error)
}

// SubscriptionStats is a point-in-time summary of all records.
type SubscriptionStats struct {
	Total       int64                               `json:"total"`
	Live        int64                               `json:"live"`
	ByStatus    map[models.SubscriptionStatus]int64 `json:"by_status"`
	GeneratedAt time.Time                           `json:"generated_at"`
}

// Collector computes SubscriptionStats and caches them in Redis. A nil client
// disables caching.
type Collector struct {
	counter StatusCounter
	client  *redis.Client
	ttl     time.Duration
	now     func() time.Time

	mu sync.Mutex
}

func NewCollector(counter StatusCounter, client *redis.Client) *Collector {
	return &Collector{counter: counter, client: client, ttl: CacheExpiration, now: time.Now}
}

// Get returns cached statistics, computing them when the cache is cold.
func (c *Collector) Get(ctx context.Context) (SubscriptionStats, error) {
	if stats, ok := c.cached(ctx); ok {
		return stats, nil
	}
	return c.Refresh(ctx)
}

// Refresh recomputes the statistics, updates the gauges and rewrites the cache.
func (c *Collector) Refresh(ctx context.Context) (SubscriptionStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts, err := c.counter.CountByStatus(ctx)
	if err != nil {
		return SubscriptionStats{}, err
	}
	stats := SubscriptionStats{ByStatus: make(map[models.SubscriptionStatus]int64, len(allStatuses)), GeneratedAt: c.now().UTC()}
	for _, status := range allStatuses {
		n := counts[status]
		stats.ByStatus[status] = n
		stats.Total += n
		if status.IsLive() {
			stats.Live += n
		}
		metrics.SubscriptionRecords.WithLabelValues(string(status)).Set(float64(n))
	}

	if c.client != nil {
		raw, err := json.Marshal(stats)
		if err == nil {
			err = c.client.Set(ctx, CacheKeySubscriptions, raw, c.ttl).Err()
		}
		if err != nil {
			log.Warnf("[Statistics] Caching subscription statistics failed: %v", err)
		}
	}
	return stats, nil
}

func (c *Collector) cached(ctx context.Context) (SubscriptionStats, bool) {
	if c.client == nil {
		return SubscriptionStats{}, false
	}
	raw, err := c.client.Get(ctx, CacheKeySubscriptions).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warnf("[Statistics] Reading cached statistics failed: %v", err)
		}
		return SubscriptionStats{}, false
	}
	var stats SubscriptionStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return SubscriptionStats{}, false
	}
	return stats, true
}

// Invalidate drops the cached statistics.
func (c *Collector) Invalidate(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, CacheKeySubscriptions).Err()
}
