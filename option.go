package eventbus

import (
	"context"
	"log/slog"
	"time"

	"github.com/rbaliyan/eventbus/codec"
	"github.com/rbaliyan/eventbus/config"
	"github.com/rbaliyan/eventbus/idempotency"
	"github.com/rbaliyan/eventbus/ratelimit"
	"github.com/rbaliyan/eventbus/retry"
	"github.com/rbaliyan/eventbus/transport"
)

// DefaultExchange is the exchange used when none is configured
var DefaultExchange = "event_bus"

// DefaultRetries is the default bound for both connect and publish retries
var DefaultRetries = 5

// busOptions holds configuration for bus (unexported)
type busOptions struct {
	exchange        string
	kind            transport.ExchangeKind
	queue           string
	codec           codec.Codec
	connectRetries  int
	publishRetries  int
	backoffUnit     time.Duration
	limiter         ratelimit.Limiter
	dedupe          idempotency.Store
	logger          *slog.Logger
	tracingEnabled  bool
	metricsEnabled  bool
	recoveryEnabled bool
	sleep           func(ctx context.Context, d time.Duration) error
}

// Option configures a Bus
type Option func(*busOptions)

// WithExchange sets the exchange every event is published to (the broker name)
func WithExchange(name string) Option {
	return func(o *busOptions) {
		o.exchange = name
	}
}

// WithExchangeKind sets how the exchange routes events. Default: direct.
func WithExchangeKind(kind transport.ExchangeKind) Option {
	return func(o *busOptions) {
		o.kind = kind
	}
}

// WithQueue sets this process's consumption queue. Subscribing and consuming
// require it; publish-only buses can leave it empty.
func WithQueue(name string) Option {
	return func(o *busOptions) {
		o.queue = name
	}
}

// WithCodec sets the codec used to encode published events. Deliveries are
// decoded with the codec matching their content type, falling back to this one.
func WithCodec(c codec.Codec) Option {
	return func(o *busOptions) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithConnectRetries bounds how many times a failed broker connect is retried
func WithConnectRetries(n int) Option {
	return func(o *busOptions) {
		if n >= 0 {
			o.connectRetries = n
		}
	}
}

// WithPublishRetries bounds how many times a failed publish, bind or unbind
// is retried. It is independent of the connect retry budget.
func WithPublishRetries(n int) Option {
	return func(o *busOptions) {
		if n >= 0 {
			o.publishRetries = n
		}
	}
}

// WithBackoffUnit sets the exponential backoff unit: retry n waits unit*2^n
func WithBackoffUnit(d time.Duration) Option {
	return func(o *busOptions) {
		if d > 0 {
			o.backoffUnit = d
		}
	}
}

// WithRateLimit limits publishing to rps events per second with the given
// burst, using a local token bucket.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *busOptions) {
		if rps > 0 && burst > 0 {
			o.limiter = ratelimit.NewTokenBucket(rps, burst)
		}
	}
}

// WithRateLimiter sets a custom publish limiter, e.g. a ratelimit.RedisLimiter
// shared between processes
func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(o *busOptions) {
		o.limiter = l
	}
}

// WithIdempotency skips deliveries whose message id store has already seen.
// Skipped deliveries are acknowledged without running handlers.
func WithIdempotency(store idempotency.Store) Option {
	return func(o *busOptions) {
		o.dedupe = store
	}
}

// WithLogger sets a custom logger for the bus
func WithLogger(l *slog.Logger) Option {
	return func(o *busOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracing enables/disables publish and dispatch spans
func WithTracing(enabled bool) Option {
	return func(o *busOptions) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables/disables the bus counters
func WithMetrics(enabled bool) Option {
	return func(o *busOptions) {
		o.metricsEnabled = enabled
	}
}

// WithRecovery enables/disables handler panic recovery
func WithRecovery(enabled bool) Option {
	return func(o *busOptions) {
		o.recoveryEnabled = enabled
	}
}

// WithConfig applies loaded settings. Options after it override them.
// The config is assumed valid; see config.Config.Validate.
func WithConfig(cfg config.Config) Option {
	return func(o *busOptions) {
		if cfg.BrokerName != "" {
			o.exchange = cfg.BrokerName
		}
		if cfg.ExchangeKind != "" {
			o.kind = transport.ExchangeKind(cfg.ExchangeKind)
		}
		o.queue = cfg.QueueName
		if cfg.ConnectRetries >= 0 {
			o.connectRetries = cfg.ConnectRetries
		}
		if cfg.PublishRetries >= 0 {
			o.publishRetries = cfg.PublishRetries
		}
		if cfg.BackoffUnit > 0 {
			o.backoffUnit = cfg.BackoffUnit
		}
		if c, ok := codec.ByName(cfg.Codec); ok {
			o.codec = c
		}
		if cfg.PublishRate > 0 && cfg.PublishBurst > 0 {
			o.limiter = ratelimit.NewTokenBucket(cfg.PublishRate, cfg.PublishBurst)
		}
	}
}

// withSleep replaces every backoff wait; tests record waits instead of sleeping
func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *busOptions) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

// newBusOptions creates options with defaults and applies provided options
func newBusOptions(opts ...Option) *busOptions {
	o := &busOptions{
		exchange:        DefaultExchange,
		kind:            transport.Direct,
		codec:           codec.Default(),
		connectRetries:  DefaultRetries,
		publishRetries:  DefaultRetries,
		backoffUnit:     retry.DefaultUnit,
		logger:          slog.Default(),
		tracingEnabled:  true,
		metricsEnabled:  true,
		recoveryEnabled: true,
		sleep:           retry.Sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
