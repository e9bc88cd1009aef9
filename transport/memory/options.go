package memory

import (
	"log/slog"

	"github.com/rbaliyan/eventbus/transport"
)

// DefaultQueueSize is the number of undelivered messages a queue holds before
// further messages are dropped
var DefaultQueueSize = 1024

// options holds configuration for the broker (unexported)
type options struct {
	queueSize int
	endpoint  string
	logger    *slog.Logger
}

// Option configures the in-memory broker
type Option func(*options)

// WithQueueSize sets the per-queue buffer
func WithQueueSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

// WithEndpoint sets the endpoint reported by connections
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		if endpoint != "" {
			o.endpoint = endpoint
		}
	}
}

// WithLogger sets the logger for the broker
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func newOptions(opts ...Option) *options {
	o := &options{
		queueSize: DefaultQueueSize,
		endpoint:  "memory://local",
		logger:    transport.Logger("transport>memory"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
