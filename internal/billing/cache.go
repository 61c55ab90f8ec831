package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	summaryVersionKey = "billing:summary:version"
	summaryKeyPrefix  = "billing:summary"
)

// RedisSummaryCache keeps the dashboard summary in Redis under a versioned key.
// Invalidation bumps the version so stale entries are never read again and expire by TTL.
type RedisSummaryCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ SummaryCache = (*RedisSummaryCache)(nil)

// NewRedisSummaryCache instantiates the cache helper.
func NewRedisSummaryCache(client *redis.Client, ttl time.Duration) *RedisSummaryCache {
	return &RedisSummaryCache{client: client, ttl: ttl}
}

// Version returns the current summary version, initialising it when missing.
func (c *RedisSummaryCache) Version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, summaryVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, summaryVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, summaryVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

func (c *RedisSummaryCache) key(ctx context.Context) (string, error) {
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", summaryKeyPrefix, ver), nil
}

// Get returns the cached summary; ok is false on a miss.
func (c *RedisSummaryCache) Get(ctx context.Context) (Summary, bool, error) {
	key, err := c.key(ctx)
	if err != nil {
		return Summary{}, false, err
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Summary{}, false, nil
	}
	if err != nil {
		return Summary{}, false, err
	}
	var summary Summary
	if err := json.Unmarshal(payload, &summary); err != nil {
		return Summary{}, false, err
	}
	return summary, true, nil
}

// Set stores summary under the current version.
func (c *RedisSummaryCache) Set(ctx context.Context, summary Summary) error {
	key, err := c.key(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, raw, c.ttl).Err()
}

// Invalidate bumps the version.
func (c *RedisSummaryCache) Invalidate(ctx context.Context) error {
	return c.client.Incr(ctx, summaryVersionKey).Err()
}
