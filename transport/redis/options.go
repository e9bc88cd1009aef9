package redis

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/eventbus/transport"
)

// Default configuration
var (
	DefaultBlockTime    = time.Second
	DefaultBatchSize    = int64(16)
	DefaultClaimMinIdle = 30 * time.Second
	DefaultPingInterval = 5 * time.Second
	DefaultPingFailures = 2
	DefaultDialTimeout  = 5 * time.Second
)

// options holds configuration for the factory (unexported)
type options struct {
	blockTime    time.Duration
	batchSize    int64
	claimMinIdle time.Duration
	pingInterval time.Duration
	pingFailures int
	dialTimeout  time.Duration
	maxLen       int64
	consumer     string
	logger       *slog.Logger
}

// Option configures the Redis factory
type Option func(*options)

// WithBlockTime sets how long XREADGROUP waits for new entries
func WithBlockTime(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.blockTime = d
		}
	}
}

// WithBatchSize sets how many entries one read returns at most
func WithBatchSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithClaimMinIdle sets how long an entry stays pending before another
// consumer claims it. Zero disables claiming.
func WithClaimMinIdle(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.claimMinIdle = d
		}
	}
}

// WithPing sets the watchdog interval and the number of consecutive failed
// pings after which the connection is reported lost
func WithPing(interval time.Duration, failures int) Option {
	return func(o *options) {
		if interval > 0 {
			o.pingInterval = interval
		}
		if failures > 0 {
			o.pingFailures = failures
		}
	}
}

// WithDialTimeout bounds dialing and the initial ping
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}

// WithMaxLen caps every queue stream at roughly n entries (MAXLEN ~).
// The oldest entries are trimmed, acknowledged or not.
func WithMaxLen(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxLen = n
		}
	}
}

// WithConsumerName sets the consumer name within the group. A random name
// is used by default.
func WithConsumerName(name string) Option {
	return func(o *options) {
		o.consumer = name
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		blockTime:    DefaultBlockTime,
		batchSize:    DefaultBatchSize,
		claimMinIdle: DefaultClaimMinIdle,
		pingInterval: DefaultPingInterval,
		pingFailures: DefaultPingFailures,
		dialTimeout:  DefaultDialTimeout,
		logger:       transport.Logger("transport>redis"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
