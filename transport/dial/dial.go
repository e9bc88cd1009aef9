// Package dial builds a transport.Factory from loaded settings.
//
//	cfg, err := config.Load("eventbus.yaml")
//	if err != nil {
//	    return err
//	}
//	factory, err := dial.Factory(*cfg)
//	if err != nil {
//	    return err
//	}
//	bus, err := eventbus.NewBus(factory, eventbus.WithConfig(*cfg))
package dial

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rbaliyan/eventbus/config"
	"github.com/rbaliyan/eventbus/transport"
	"github.com/rbaliyan/eventbus/transport/amqp"
	"github.com/rbaliyan/eventbus/transport/kafka"
	"github.com/rbaliyan/eventbus/transport/memory"
	"github.com/rbaliyan/eventbus/transport/nats"
	"github.com/rbaliyan/eventbus/transport/redis"
)

// ErrUnknownTransport is returned for a transport name no adapter handles
var ErrUnknownTransport = errors.New("unknown transport")

type options struct {
	logger *slog.Logger
	name   string
}

// Option configures the factory built by Factory
type Option func(*options)

// WithLogger sets the logger handed to the adapter
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithName sets the client name reported to brokers that support one
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// Factory returns the adapter selected by cfg.Transport, configured for
// cfg.URL. Nothing is dialed until the factory's Connect is called.
func Factory(cfg config.Config, opts ...Option) (transport.Factory, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	switch cfg.Transport {
	case config.TransportMemory:
		var mo []memory.Option
		if o.logger != nil {
			mo = append(mo, memory.WithLogger(o.logger))
		}
		return memory.New(mo...), nil

	case config.TransportAMQP:
		var ao []amqp.Option
		if o.logger != nil {
			ao = append(ao, amqp.WithLogger(o.logger))
		}
		if o.name != "" {
			ao = append(ao, amqp.WithConnectionName(o.name))
		}
		return amqp.New(cfg.URL, ao...), nil

	case config.TransportNATS:
		var no []nats.Option
		if o.logger != nil {
			no = append(no, nats.WithLogger(o.logger))
		}
		if o.name != "" {
			no = append(no, nats.WithName(o.name))
		}
		return nats.New(cfg.URL, no...), nil

	case config.TransportRedis:
		var ro []redis.Option
		if o.logger != nil {
			ro = append(ro, redis.WithLogger(o.logger))
		}
		if o.name != "" {
			ro = append(ro, redis.WithConsumerName(o.name))
		}
		return redis.New(cfg.URL, ro...), nil

	case config.TransportKafka:
		var ko []kafka.Option
		if o.logger != nil {
			ko = append(ko, kafka.WithLogger(o.logger))
		}
		if o.name != "" {
			ko = append(ko, kafka.WithClientID(o.name))
		}
		return kafka.New(Brokers(cfg.URL), ko...), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, cfg.Transport)
}

// Brokers splits a Kafka address list. Both "kafka://h1:9092,h2:9092" and
// "h1:9092, h2:9092" are accepted.
func Brokers(url string) []string {
	url = strings.TrimPrefix(url, "kafka://")
	var out []string
	for _, addr := range strings.Split(url, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
