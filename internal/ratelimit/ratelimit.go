package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// counterStore is the slice of the Redis client the limiter uses.
type counterStore interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Limiter is a fixed-window counter backed by Redis. One key per
// caller+path, INCR on every hit, window set on the first hit.
type Limiter struct {
	rdb    counterStore
	limit  int64
	window time.Duration
	log    *zap.SugaredLogger
}

func New(rdb *redis.Client, limit int64, window time.Duration, log *zap.SugaredLogger) *Limiter {
	if limit <= 0 {
		limit = 50
	}
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{rdb: rdb, limit: limit, window: window, log: log}
}

// Allow reports whether the caller behind key is under the ceiling for
// the current window. Redis errors fail open: limiting is protection,
// not a dependency.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warnw("rate limiter unavailable, allowing request", "key", key, "err", err)
		return true
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, key, l.window).Err(); err != nil {
			l.log.Warnw("rate limiter expire failed", "key", key, "err", err)
		}
	}
	return n <= l.limit
}
