package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window limiter backed by Redis, for deployments
// where several dispatcher processes share one upstream quota.
//
// Each identifier gets a per-second counter; the window key expires on its
// own. The limiter fails open: if Redis is unreachable the operation is
// admitted, since dropping traffic on a cache outage is worse than briefly
// exceeding the quota.
type RedisLimiter struct {
	client    *redis.Client
	limit     int64
	keyPrefix string
	timeout   time.Duration
	now       func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter from the configuration.
// Burst is ignored; the fixed window admits up to RequestsPerSecond per
// identifier per second.
func NewRedisLimiter(client *redis.Client, cfg Config) *RedisLimiter {
	limit := int64(cfg.RequestsPerSecond)
	if limit <= 0 {
		limit = 1
	}
	return &RedisLimiter{
		client:    client,
		limit:     limit,
		keyPrefix: "dispatchq:rl",
		timeout:   500 * time.Millisecond,
		now:       time.Now,
	}
}

// Allow increments the identifier's counter for the current window.
func (r *RedisLimiter) Allow(identifier string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	key := fmt.Sprintf("%s:%s:%d", r.keyPrefix, identifier, r.now().Unix())

	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return true // fail open
	}
	return incr.Val() <= r.limit
}
