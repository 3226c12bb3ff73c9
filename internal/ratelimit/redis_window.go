package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindow implements Window on a shared Redis instance so that the
// sub-second counters are visible across all consumer processes.
type RedisWindow struct {
	rdb *redis.Client
}

// NewRedisWindow wraps an existing Redis client.
func NewRedisWindow(rdb *redis.Client) *RedisWindow {
	return &RedisWindow{rdb: rdb}
}

// Incr bumps the counter via INCR and arms the expiry on first touch.
func (w *RedisWindow) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := w.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("window incr %q: %w", key, err)
	}
	return incr.Val(), nil
}
