// Package ratelimit throttles publishing on the event bus.
//
// Two limiters are provided:
//   - TokenBucket: in-process token bucket (golang.org/x/time/rate)
//   - RedisLimiter: fixed window shared by every process using the same key
//
// Attach either to a bus:
//
//	bus, err := eventbus.NewBus(factory,
//	    eventbus.WithRateLimiter(ratelimit.NewTokenBucket(100, 10)),
//	)
//
// Publish waits on the limiter before touching the broker, so a cancelled
// context ends the wait with the context error.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter is implemented by rate limiters. Implementations must be safe for
// concurrent use.
type Limiter interface {
	// Allow reports whether an event may happen now, consuming a token if so.
	Allow(ctx context.Context) bool

	// Wait blocks until an event may happen or ctx is done.
	Wait(ctx context.Context) error
}

// TokenBucket is a local token bucket: tokens refill at rps per second and
// at most burst of them accumulate.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a token bucket allowing rps events per second with
// bursts of up to burst events.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Allow consumes a token if one is available
func (t *TokenBucket) Allow(ctx context.Context) bool {
	return t.limiter.Allow()
}

// Wait blocks until a token is available
func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// SetLimit changes the refill rate
func (t *TokenBucket) SetLimit(rps float64) {
	t.limiter.SetLimit(rate.Limit(rps))
}

// Limit returns the refill rate in events per second
func (t *TokenBucket) Limit() float64 {
	return float64(t.limiter.Limit())
}

// Burst returns the bucket size
func (t *TokenBucket) Burst() int {
	return t.limiter.Burst()
}

// Compile-time check
var _ Limiter = (*TokenBucket)(nil)
