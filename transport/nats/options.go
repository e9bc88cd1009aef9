package nats

import (
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rbaliyan/eventbus/transport"
)

// Defaults
var (
	DefaultDialTimeout  = 5 * time.Second
	DefaultFlushTimeout = 5 * time.Second
)

// options holds configuration for the factory (unexported)
type options struct {
	name         string
	dialTimeout  time.Duration
	flushTimeout time.Duration
	extra        []nats.Option
	logger       *slog.Logger
}

// Option configures the NATS factory
type Option func(*options)

// WithName sets the client name reported to the server
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithDialTimeout bounds the connection handshake
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}

// WithFlushTimeout bounds the round trip that confirms a persistent publish
// when the caller's context has no deadline
func WithFlushTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.flushTimeout = d
		}
	}
}

// WithNATSOptions passes client options such as credentials or TLS through
// to nats.Connect. Reconnect options are overridden: the bus owns reconnects.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(o *options) {
		o.extra = append(o.extra, opts...)
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
		dialTimeout:  DefaultDialTimeout,
		flushTimeout: DefaultFlushTimeout,
		logger:       transport.Logger("transport>nats"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
