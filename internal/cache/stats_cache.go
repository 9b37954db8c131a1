package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"approval-engine/internal/repository"

	"github.com/redis/go-redis/v9"
)

const statsKey = "approvals:stats"

// StatsCache caches aggregate approval stats in Redis so reads do not hit
// the database on every dashboard refresh. Mutating handlers invalidate
// the key, so counters never serve a stale status transition beyond the TTL.
type StatsCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStatsCache creates a new stats cache instance. When Redis is
// unreachable the cache degrades to a no-op and every read goes to the
// database.
func NewStatsCache(host string, port int, password string, db int, ttl time.Duration) *StatsCache {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return &StatsCache{client: nil, ttl: ttl}
	}

	return &StatsCache{client: client, ttl: ttl}
}

// Get retrieves cached stats, or nil on a miss or when the cache is unavailable
func (c *StatsCache) Get(ctx context.Context) (*repository.RequestStats, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}

	data, err := c.client.Get(ctx, statsKey).Bytes()
	if err == redis.Nil {
		return nil, nil // Cache miss
	}
	if err != nil {
		return nil, err
	}

	var stats repository.RequestStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, err
	}

	return &stats, nil
}

// Set caches the given stats with the configured TTL
func (c *StatsCache) Set(ctx context.Context, stats *repository.RequestStats) error {
	if c == nil || c.client == nil {
		return nil
	}

	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, statsKey, data, c.ttl).Err()
}

// Invalidate drops the cached stats. Called after every mutating operation.
func (c *StatsCache) Invalidate(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}

	return c.client.Del(ctx, statsKey).Err()
}
