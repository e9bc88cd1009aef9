package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/eventbus/retry"
	"github.com/rbaliyan/eventbus/transport"
	"github.com/redis/go-redis/v9"
)

// fixedWindow increments the window counter and reports whether the caller
// is still within the limit. The expiry is set only by the first hit of a
// window.
var fixedWindow = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
	return 0
end
return 1
`)

// RedisLimiter is a fixed-window limiter kept in Redis, so publishers in
// several processes share one budget. A window may admit up to twice the
// limit across its boundary.
//
// Redis errors fail open: an unreachable Redis never stops publishing.
type RedisLimiter struct {
	client redis.Cmdable
	key    string
	limit  int
	window time.Duration
	logger *slog.Logger
}

// NewRedisLimiter allows limit events per window across every limiter
// created with the same key.
func NewRedisLimiter(client redis.Cmdable, key string, limit int, window time.Duration) *RedisLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RedisLimiter{
		client: client,
		key:    "eventbus:ratelimit:" + key,
		limit:  limit,
		window: window,
		logger: transport.Logger("ratelimit>redis"),
	}
}

// Allow consumes one slot of the current window if any is left
func (r *RedisLimiter) Allow(ctx context.Context) bool {
	ok, err := r.take(ctx)
	if err != nil {
		r.logger.Warn("rate limit check failed, allowing", "key", r.key, "error", err)
		return true
	}
	return ok
}

// Wait polls until a slot is available, sleeping window/limit between
// attempts.
func (r *RedisLimiter) Wait(ctx context.Context) error {
	interval := r.window / time.Duration(r.limit)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.Allow(ctx) {
			return nil
		}
		if err := retry.Sleep(ctx, interval); err != nil {
			return err
		}
	}
}

func (r *RedisLimiter) take(ctx context.Context) (bool, error) {
	n, err := fixedWindow.Run(ctx, r.client, []string{r.key}, r.limit, r.window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis rate limit: %w", err)
	}
	return n == 1, nil
}

// Remaining returns the slots left in the current window
func (r *RedisLimiter) Remaining(ctx context.Context) (int, error) {
	used, err := r.client.Get(ctx, r.key).Int()
	if errors.Is(err, redis.Nil) {
		return r.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return max(r.limit-used, 0), nil
}

// Reset clears the current window
func (r *RedisLimiter) Reset(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}

// Compile-time check
var _ Limiter = (*RedisLimiter)(nil)
