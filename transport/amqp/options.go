package amqp

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/rbaliyan/eventbus/transport"
)

// Defaults
var (
	DefaultHeartbeat   = 10 * time.Second
	DefaultDialTimeout = 30 * time.Second
	DefaultPrefetch    = 32
)

// options holds configuration for the factory (unexported)
type options struct {
	heartbeat   time.Duration
	dialTimeout time.Duration
	prefetch    int
	mandatory   bool
	consumerTag string
	name        string
	tls         *tls.Config
	logger      *slog.Logger
}

// Option configures the AMQP factory
type Option func(*options)

// WithHeartbeat sets the heartbeat interval negotiated with the broker
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.heartbeat = d
		}
	}
}

// WithDialTimeout bounds the TCP dial and AMQP handshake
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}

// WithPrefetch sets how many unacknowledged deliveries a consumer holds.
// Zero disables the limit.
func WithPrefetch(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.prefetch = n
		}
	}
}

// WithMandatory asks the broker to return unroutable publishes instead of
// dropping them silently
func WithMandatory(mandatory bool) Option {
	return func(o *options) {
		o.mandatory = mandatory
	}
}

// WithConsumerTag sets the consumer tag. The broker generates one by default.
func WithConsumerTag(tag string) Option {
	return func(o *options) {
		o.consumerTag = tag
	}
}

// WithConnectionName sets the name shown in the management UI
func WithConnectionName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithTLS sets the TLS configuration for amqps URLs
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) {
		o.tls = cfg
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
		heartbeat:   DefaultHeartbeat,
		dialTimeout: DefaultDialTimeout,
		prefetch:    DefaultPrefetch,
		logger:      transport.Logger("transport>amqp"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
