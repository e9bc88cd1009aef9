// Package transport defines the broker capabilities the event bus consumes.
//
// A broker client library is adapted to these interfaces by the packages under
// transport/ (amqp, nats, redis, kafka, memory). The bus and the connection
// manager only ever talk to the interfaces declared here, so adapters must not
// import the parent eventbus package.
//
// Capability map:
//
//	Factory.Connect         -> one long-lived Connection
//	Connection.OpenChannel  -> lightweight logical Channel over that connection
//	Channel                 -> declare exchange/queue, bind/unbind, publish, consume
//	Connection.Notify       -> shutdown / blocked / exception callbacks
package transport

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Transport errors
var (
	ErrBrokerUnreachable       = errors.New("broker unreachable")
	ErrConnectionClosed        = errors.New("connection closed")
	ErrChannelClosed           = errors.New("channel closed")
	ErrQueueNotFound           = errors.New("queue not found")
	ErrUnsupportedExchangeKind = errors.New("unsupported exchange kind")
)

// ExchangeKind selects how an exchange routes messages to bound queues.
type ExchangeKind string

const (
	// Direct routes a message to queues bound with exactly its routing key.
	Direct ExchangeKind = "direct"
	// Topic routes using dot-separated patterns: '*' matches one word, '#' zero or more.
	Topic ExchangeKind = "topic"
	// Fanout routes every message to every bound queue.
	Fanout ExchangeKind = "fanout"
)

// Valid reports whether k is a known exchange kind.
func (k ExchangeKind) Valid() bool {
	switch k {
	case Direct, Topic, Fanout:
		return true
	}
	return false
}

// Publishing is an outgoing message.
type Publishing struct {
	Body        []byte
	Persistent  bool
	MessageID   string
	ContentType string
	// Type carries the event name; informational only, routing uses the routing key.
	Type      string
	Timestamp time.Time
}

// Delivery is a message received from a queue.
type Delivery struct {
	RoutingKey  string
	Body        []byte
	MessageID   string
	ContentType string

	ack  func() error
	nack func(requeue bool) error
}

// NewDelivery creates a delivery with acknowledgement callbacks.
// Either callback may be nil for brokers without acknowledgements.
func NewDelivery(routingKey string, body []byte, ack func() error, nack func(requeue bool) error) Delivery {
	return Delivery{
		RoutingKey: routingKey,
		Body:       body,
		ack:        ack,
		nack:       nack,
	}
}

// Ack acknowledges successful processing.
func (d Delivery) Ack() error {
	if d.ack != nil {
		return d.ack()
	}
	return nil
}

// Nack rejects the delivery, optionally asking the broker to redeliver it.
func (d Delivery) Nack(requeue bool) error {
	if d.nack != nil {
		return d.nack(requeue)
	}
	return nil
}

// Callbacks are invoked by a Connection when the broker reports trouble.
// Implementations must call them from their own goroutines, never while
// holding locks the callee could need, and Close must not wait for a
// running callback to return.
type Callbacks struct {
	// OnShutdown fires when the broker or network closed the connection.
	OnShutdown func(reason error)
	// OnBlocked fires when the broker stops accepting publishes (resource alarm).
	OnBlocked func(reason string)
	// OnException fires for asynchronous errors raised by the client library.
	OnException func(err error)
}

// Factory creates broker connections.
type Factory interface {
	Connect(ctx context.Context) (Connection, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context) (Connection, error)

// Connect calls f(ctx).
func (f FactoryFunc) Connect(ctx context.Context) (Connection, error) {
	return f(ctx)
}

// Connection is a single long-lived broker connection.
type Connection interface {
	// IsOpen reports whether the connection is usable.
	IsOpen() bool

	// OpenChannel opens a new logical channel over the connection.
	OpenChannel(ctx context.Context) (Channel, error)

	// Notify registers failure callbacks. Later calls replace earlier ones.
	Notify(cb Callbacks)

	// Endpoint describes the remote peer for logging.
	Endpoint() string

	// Close releases the connection. Callbacks must not fire for a Close
	// initiated by the caller.
	Close() error
}

// Channel is a logical session over a Connection.
type Channel interface {
	DeclareExchange(ctx context.Context, name string, kind ExchangeKind) error
	DeclareQueue(ctx context.Context, name string) error
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error
	UnbindQueue(ctx context.Context, queue, exchange, routingKey string) error
	Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error

	// Consume starts delivering messages from queue. The returned channel is
	// closed when the channel, its connection or ctx is closed.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)

	Close() error
}

// ID generation
var counter uint64

// NewID generates a new unique ID
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&counter, 1), 10)
}

// LevelCritical is the slog level used for unrecoverable broker failures.
const LevelCritical = slog.LevelError + 4

// Logger returns a logger with the given component name
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}
