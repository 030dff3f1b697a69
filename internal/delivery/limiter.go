package delivery

import (
	"context"
	"time"

	"github.com/Amsterdam/brp-kennisgevingen-api/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Limiter caps in-flight deliveries per subscriber target, so one slow
// endpoint cannot occupy the whole worker pool.
type Limiter interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisLimiter counts in-flight attempts in Redis, shared across dispatcher
// instances. The TTL releases slots leaked by a crashed worker.
type RedisLimiter struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
}

func NewRedisLimiter(rdb *redis.Client, limit int, ttl time.Duration) *RedisLimiter {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLimiter{rdb: rdb, limit: limit, ttl: ttl}
}

func (l *RedisLimiter) Acquire(ctx context.Context, key string) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.rdb, "delivery:inflight:"+key, l.limit, l.ttl)
}

func (l *RedisLimiter) Release(ctx context.Context, key string) error {
	return utils.ReleaseConcurrencyCap(ctx, l.rdb, "delivery:inflight:"+key)
}
