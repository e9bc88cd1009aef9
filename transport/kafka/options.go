package kafka

import (
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/rbaliyan/eventbus/transport"
)

// Default configuration
var (
	DefaultPartitions   = int32(1)
	DefaultReplication  = int16(1)
	DefaultPingInterval = 10 * time.Second
	DefaultPingFailures = 3
	DefaultBackoffUnit  = 100 * time.Millisecond
)

// options holds configuration for the factory (unexported)
type options struct {
	clientID     string
	version      sarama.KafkaVersion
	topicPrefix  string
	groupPrefix  string
	partitions   int32
	replication  int16
	retention    time.Duration
	pingInterval time.Duration
	pingFailures int
	backoffUnit  time.Duration
	configure    func(*sarama.Config)
	logger       *slog.Logger
}

// Option configures the Kafka factory
type Option func(*options)

// WithClientID sets the client id reported to brokers
func WithClientID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.clientID = id
		}
	}
}

// WithVersion sets the protocol version spoken to brokers
func WithVersion(v sarama.KafkaVersion) Option {
	return func(o *options) {
		o.version = v
	}
}

// WithTopicPrefix prefixes the topic created for every exchange
func WithTopicPrefix(prefix string) Option {
	return func(o *options) {
		o.topicPrefix = prefix
	}
}

// WithGroupPrefix prefixes the consumer group created for every queue
func WithGroupPrefix(prefix string) Option {
	return func(o *options) {
		o.groupPrefix = prefix
	}
}

// WithPartitions sets the number of partitions for new topics
func WithPartitions(n int32) Option {
	return func(o *options) {
		if n > 0 {
			o.partitions = n
		}
	}
}

// WithReplication sets the replication factor for new topics.
// Use 3 or more in production for fault tolerance.
func WithReplication(n int16) Option {
	return func(o *options) {
		if n > 0 {
			o.replication = n
		}
	}
}

// WithRetention sets retention.ms for new topics. Zero keeps the broker default.
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retention = d
		}
	}
}

// WithPing sets the metadata refresh interval and the number of consecutive
// failures after which the connection is reported lost
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

// WithConfig adjusts the sarama configuration before the client is created.
// Producer acknowledgements and offset handling are set afterwards and
// cannot be changed.
func WithConfig(fn func(*sarama.Config)) Option {
	return func(o *options) {
		o.configure = fn
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
		clientID:     "eventbus",
		version:      sarama.V2_8_0_0,
		partitions:   DefaultPartitions,
		replication:  DefaultReplication,
		pingInterval: DefaultPingInterval,
		pingFailures: DefaultPingFailures,
		backoffUnit:  DefaultBackoffUnit,
		logger:       transport.Logger("transport>kafka"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// config builds the sarama configuration. The bus retries publishes itself,
// so the producer gives up after one attempt.
func (o *options) config() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = o.clientID
	cfg.Version = o.version
	if o.configure != nil {
		o.configure(cfg)
	}

	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 0
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	return cfg
}
