// Package idempotency remembers which message ids a consumer has handled so
// that redelivered messages are acknowledged without running handlers again.
//
// Brokers redeliver on requeue, on consumer crashes and after reconnects, so
// handlers see at-least-once delivery. A Store turns that into effectively
// once for the lifetime of its entries:
//
//	store := idempotency.NewRedisStore(rdb, idempotency.WithTTL(24*time.Hour))
//	bus, err := eventbus.NewBus(factory, eventbus.WithIdempotency(store))
//
// IsDuplicate claims an id atomically. The claimant either confirms it with
// MarkProcessed or releases it with Remove so that a redelivery is handled.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long a processed id is remembered
const DefaultTTL = 24 * time.Hour

// ErrEmptyMessageID is returned for an empty message id
var ErrEmptyMessageID = errors.New("idempotency: empty message id")

// Store tracks processed message ids.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// IsDuplicate reports whether messageID was already claimed. A false
	// result claims it for the caller.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// MarkProcessed records messageID as handled for the store's TTL.
	MarkProcessed(ctx context.Context, messageID string) error

	// Remove forgets messageID so the next delivery is handled again.
	Remove(ctx context.Context, messageID string) error
}

// DefaultCleanupInterval is how often MemoryStore sweeps expired entries
const DefaultCleanupInterval = time.Minute

type options struct {
	ttl             time.Duration
	claimTTL        time.Duration
	cleanupInterval time.Duration
	prefix          string
	now             func() time.Time
}

// Option configures a store
type Option func(*options)

// WithTTL sets how long processed ids are remembered
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithClaimTTL bounds how long an unconfirmed claim blocks redeliveries, in
// case the claimant dies before MarkProcessed or Remove. Defaults to the TTL.
func WithClaimTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.claimTTL = d
		}
	}
}

// WithCleanupInterval sets how often MemoryStore drops expired entries.
// Sweeps run on writes, so an idle store keeps its entries until the next one.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cleanupInterval = d
		}
	}
}

// WithPrefix sets the key prefix used by the Redis store
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		ttl:             DefaultTTL,
		cleanupInterval: DefaultCleanupInterval,
		prefix:          "eventbus:processed:",
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.claimTTL == 0 {
		o.claimTTL = o.ttl
	}
	return o
}
