package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"watchpost/internal/pipeline"
)

// DefaultCacheKey holds the recent-events list
const DefaultCacheKey = "watchpost:alerts:recent"

// RecentCache keeps the newest events in a capped Redis list.
// It is written through after the durable append, so it never holds an event
// the repository does not. A failed write drops the list; when the drop fails
// too the cache is marked stale and answers nothing until a drop succeeds.
type RecentCache struct {
	rdb      *redis.Client
	key      string
	capacity int
	stale    atomic.Bool
}

// CacheConfig configures the Redis connection
type CacheConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"-" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	Key      string `yaml:"key" json:"key"`
	Capacity int    `yaml:"capacity" json:"capacity"`
}

type cachedEvent struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	ThreatSummary    string    `json:"threat_summary"`
	Confidence       float64   `json:"confidence"`
	EvidenceImageRef string    `json:"evidence_image_path"`
	Status           string    `json:"status"`
}

// NewRecentCache connects and pings Redis
func NewRecentCache(ctx context.Context, cfg CacheConfig) (*RecentCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newRecentCache(rdb, cfg), nil
}

func newRecentCache(rdb *redis.Client, cfg CacheConfig) *RecentCache {
	if cfg.Key == "" {
		cfg.Key = DefaultCacheKey
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 100
	}
	return &RecentCache{rdb: rdb, key: cfg.Key, capacity: cfg.Capacity}
}

// Push prepends the event and trims the list to capacity
func (c *RecentCache) Push(ctx context.Context, event *pipeline.ThreatEvent) error {
	data, err := json.Marshal(cachedEvent{
		ID:               event.ID,
		Timestamp:        event.Timestamp,
		ThreatSummary:    event.ThreatSummary,
		Confidence:       event.Confidence,
		EvidenceImageRef: event.EvidenceImageRef,
		Status:           string(event.Status),
	})
	if err != nil {
		return err
	}
	if c.stale.Load() {
		if err := c.Invalidate(ctx); err != nil {
			return fmt.Errorf("cache still stale: %w", err)
		}
	}
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, c.key, data)
		pipe.LTrim(ctx, c.key, 0, int64(c.capacity-1))
		return nil
	})
	if err != nil {
		// The list would skip this event from now on
		if derr := c.Invalidate(ctx); derr != nil {
			return fmt.Errorf("%w (invalidate: %v)", err, derr)
		}
		return err
	}
	return nil
}

// Stale reports whether the cache is bypassed until it can be dropped
func (c *RecentCache) Stale() bool {
	return c.stale.Load()
}

// Recent returns the newest n events when the cache holds at least n.
// ok is false on a miss, in which case the caller must read the repository.
func (c *RecentCache) Recent(ctx context.Context, n int) ([]*pipeline.ThreatEvent, bool, error) {
	if n > c.capacity || c.stale.Load() {
		return nil, false, nil
	}
	items, err := c.rdb.LRange(ctx, c.key, 0, int64(n-1)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(items) < n {
		return nil, false, nil
	}

	events := make([]*pipeline.ThreatEvent, 0, len(items))
	for _, item := range items {
		var ce cachedEvent
		if err := json.Unmarshal([]byte(item), &ce); err != nil {
			return nil, false, fmt.Errorf("corrupt cache entry: %w", err)
		}
		events = append(events, &pipeline.ThreatEvent{
			ID:               ce.ID,
			Timestamp:        ce.Timestamp,
			ThreatSummary:    ce.ThreatSummary,
			Confidence:       ce.Confidence,
			EvidenceImageRef: ce.EvidenceImageRef,
			Status:           pipeline.EventStatus(ce.Status),
		})
	}
	return events, true, nil
}

// Invalidate drops the cached list after an out-of-band change such as mark-read.
// On failure the cache turns stale.
func (c *RecentCache) Invalidate(ctx context.Context) error {
	if err := c.rdb.Del(ctx, c.key).Err(); err != nil {
		c.stale.Store(true)
		return err
	}
	c.stale.Store(false)
	return nil
}

func (c *RecentCache) Close() error {
	return c.rdb.Close()
}
