// Package memory provides an in-process broker implementing the transport
// interfaces.
//
// The broker keeps exchanges, queues and bindings in memory and routes
// messages with the same direct/topic/fanout rules as an AMQP broker. State
// lives on the Broker, not on connections, so queues and bindings survive a
// reconnect just as they do on a real broker.
//
// IMPORTANT: nothing is persisted. Messages are lost when the process exits
// and a full queue drops new messages. The broker is meant for tests,
// development and single-process deployments.
//
// Fault injection helpers (FailNextConnects, FailNextPublishes, Shutdown,
// Block, Exception) make connection-loss scenarios reproducible.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/eventbus/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Broker errors
var (
	ErrExchangeNotFound   = errors.New("exchange not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrBlocked            = fmt.Errorf("%w: connection blocked", transport.ErrBrokerUnreachable)
)

// Binding routes messages from an exchange to a queue
type Binding struct {
	Queue      string
	RoutingKey string
}

type exchange struct {
	kind     transport.ExchangeKind
	bindings []Binding
}

type message struct {
	routingKey string
	pub        transport.Publishing
}

type queue struct {
	name string
	ch   chan message
}

// requeue puts m back on the queue, dropping it if the queue is full.
func (q *queue) requeue(m message) bool {
	select {
	case q.ch <- m:
		return true
	default:
		return false
	}
}

// Broker is an in-memory message broker. It implements transport.Factory.
type Broker struct {
	opts   *options
	logger *slog.Logger

	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*conn]struct{}
	blocked   bool

	failConnects  int
	connectErr    error
	failPublishes int
	publishErr    error

	connects  atomic.Int64
	published atomic.Int64
	acks      atomic.Int64
	nacks     atomic.Int64

	droppedCounter metric.Int64Counter
}

// New creates an empty broker
func New(opts ...Option) *Broker {
	o := newOptions(opts...)

	meter := otel.Meter("eventbus.transport.memory")
	droppedCounter, _ := meter.Int64Counter("eventbus.transport.memory.dropped",
		metric.WithDescription("Number of messages dropped by the in-memory broker"),
		metric.WithUnit("{message}"),
	)

	return &Broker{
		opts:           o,
		logger:         o.logger,
		exchanges:      make(map[string]*exchange),
		queues:         make(map[string]*queue),
		conns:          make(map[*conn]struct{}),
		droppedCounter: droppedCounter,
	}
}

// Connect opens a new connection to the broker
func (b *Broker) Connect(ctx context.Context) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failConnects > 0 {
		b.failConnects--
		return nil, b.connectErr
	}

	c := &conn{broker: b, done: make(chan struct{})}
	c.open.Store(true)
	b.conns[c] = struct{}{}
	b.connects.Add(1)

	b.logger.Debug("connection opened", "endpoint", b.opts.endpoint)
	return c, nil
}

// FailNextConnects makes the next n Connect calls fail with err. A nil err
// fails with a retryable broker-unreachable error.
func (b *Broker) FailNextConnects(n int, err error) {
	if err == nil {
		err = transport.Unreachable(b.opts.endpoint, errors.New("connection refused"))
	}
	b.mu.Lock()
	b.failConnects = n
	b.connectErr = err
	b.mu.Unlock()
}

// FailNextPublishes makes the next n Publish calls fail with err. A nil err
// fails with a retryable broker-unreachable error.
func (b *Broker) FailNextPublishes(n int, err error) {
	if err == nil {
		err = transport.Unreachable(b.opts.endpoint, errors.New("connection reset by peer"))
	}
	b.mu.Lock()
	b.failPublishes = n
	b.publishErr = err
	b.mu.Unlock()
}

// Shutdown drops every open connection as if the broker went away, firing
// OnShutdown on each of them.
func (b *Broker) Shutdown(reason error) {
	b.mu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	clear(b.conns)
	b.mu.Unlock()

	b.logger.Warn("broker shutdown", "connections", len(conns), "reason", reason)
	for _, c := range conns {
		c.drop()
		if cb := c.callbacks().OnShutdown; cb != nil {
			go cb(reason)
		}
	}
}

// Block stops the broker accepting publishes and fires OnBlocked on every
// open connection.
func (b *Broker) Block(reason string) {
	b.mu.Lock()
	b.blocked = true
	conns := b.openConns()
	b.mu.Unlock()

	for _, c := range conns {
		if cb := c.callbacks().OnBlocked; cb != nil {
			go cb(reason)
		}
	}
}

// Unblock resumes accepting publishes
func (b *Broker) Unblock() {
	b.mu.Lock()
	b.blocked = false
	b.mu.Unlock()
}

// Exception fires OnException on every open connection
func (b *Broker) Exception(err error) {
	b.mu.Lock()
	conns := b.openConns()
	b.mu.Unlock()

	for _, c := range conns {
		if cb := c.callbacks().OnException; cb != nil {
			go cb(err)
		}
	}
}

// openConns returns the live connections. Caller holds b.mu.
func (b *Broker) openConns() []*conn {
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	return conns
}

// Connects returns the number of successful Connect calls
func (b *Broker) Connects() int {
	return int(b.connects.Load())
}

// OpenConnections returns the number of connections currently open
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Published returns the number of accepted publishes
func (b *Broker) Published() int {
	return int(b.published.Load())
}

// Acks returns the number of acknowledged deliveries
func (b *Broker) Acks() int {
	return int(b.acks.Load())
}

// Nacks returns the number of rejected deliveries
func (b *Broker) Nacks() int {
	return int(b.nacks.Load())
}

// ExchangeKind returns the kind an exchange was declared with
func (b *Broker) ExchangeKind(name string) (transport.ExchangeKind, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	if !ok {
		return "", false
	}
	return ex.kind, true
}

// Bindings returns the bindings of an exchange in declaration order
func (b *Broker) Bindings(exchangeName string) []Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil
	}
	return slices.Clone(ex.bindings)
}

// QueueDepth returns the number of messages waiting in a queue
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	return len(q.ch)
}

func (b *Broker) dropped(ctx context.Context, exchangeName, routingKey, reason string) {
	b.logger.Debug("message dropped", "exchange", exchangeName, "routing_key", routingKey, "reason", reason)
	if b.droppedCounter != nil {
		b.droppedCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("exchange", exchangeName),
				attribute.String("reason", reason),
			))
	}
}

// conn implements transport.Connection
type conn struct {
	broker *Broker
	open   atomic.Bool
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	cbs transport.Callbacks
}

func (c *conn) IsOpen() bool {
	return c.open.Load()
}

func (c *conn) OpenChannel(ctx context.Context) (transport.Channel, error) {
	if !c.IsOpen() {
		return nil, transport.ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &channel{conn: c, done: make(chan struct{})}, nil
}

func (c *conn) Notify(cb transport.Callbacks) {
	c.mu.Lock()
	c.cbs = cb
	c.mu.Unlock()
}

func (c *conn) callbacks() transport.Callbacks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cbs
}

func (c *conn) Endpoint() string {
	return c.broker.opts.endpoint
}

// Close closes the connection without firing callbacks
func (c *conn) Close() error {
	if !c.IsOpen() {
		return transport.ErrConnectionClosed
	}
	c.broker.mu.Lock()
	delete(c.broker.conns, c)
	c.broker.mu.Unlock()
	c.drop()
	return nil
}

func (c *conn) drop() {
	c.open.Store(false)
	c.once.Do(func() { close(c.done) })
}

// channel implements transport.Channel
type channel struct {
	conn   *conn
	closed atomic.Bool
	done   chan struct{}
	once   sync.Once
}

func (ch *channel) check() error {
	if ch.closed.Load() {
		return transport.ErrChannelClosed
	}
	if !ch.conn.IsOpen() {
		return transport.ErrConnectionClosed
	}
	return nil
}

func (ch *channel) DeclareExchange(ctx context.Context, name string, kind transport.ExchangeKind) error {
	if err := ch.check(); err != nil {
		return err
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", transport.ErrUnsupportedExchangeKind, kind)
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			return fmt.Errorf("%w: exchange %q already declared as %s", ErrPreconditionFailed, name, ex.kind)
		}
		return nil
	}
	b.exchanges[name] = &exchange{kind: kind}
	b.logger.Debug("declared exchange", "exchange", name, "kind", kind)
	return nil
}

func (ch *channel) DeclareQueue(ctx context.Context, name string) error {
	if err := ch.check(); err != nil {
		return err
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queue{name: name, ch: make(chan message, b.opts.queueSize)}
		b.logger.Debug("declared queue", "queue", name)
	}
	return nil
}

func (ch *channel) BindQueue(ctx context.Context, queueName, exchangeName, routingKey string) error {
	if err := ch.check(); err != nil {
		return err
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrExchangeNotFound, exchangeName)
	}
	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("%w: %q", transport.ErrQueueNotFound, queueName)
	}

	binding := Binding{Queue: queueName, RoutingKey: routingKey}
	if !slices.Contains(ex.bindings, binding) {
		ex.bindings = append(ex.bindings, binding)
	}
	return nil
}

func (ch *channel) UnbindQueue(ctx context.Context, queueName, exchangeName, routingKey string) error {
	if err := ch.check(); err != nil {
		return err
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil
	}
	binding := Binding{Queue: queueName, RoutingKey: routingKey}
	ex.bindings = slices.DeleteFunc(ex.bindings, func(x Binding) bool { return x == binding })
	return nil
}

func (ch *channel) Publish(ctx context.Context, exchangeName, routingKey string, msg transport.Publishing) error {
	if err := ch.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failPublishes > 0 {
		b.failPublishes--
		return b.publishErr
	}
	if b.blocked {
		return ErrBlocked
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrExchangeNotFound, exchangeName)
	}
	b.published.Add(1)

	// A queue receives one copy no matter how many of its bindings match.
	var targets []string
	for _, binding := range ex.bindings {
		if transport.Routes(ex.kind, binding.RoutingKey, routingKey) && !slices.Contains(targets, binding.Queue) {
			targets = append(targets, binding.Queue)
		}
	}
	if len(targets) == 0 {
		b.dropped(ctx, exchangeName, routingKey, "unroutable")
		return nil
	}

	m := message{routingKey: routingKey, pub: msg}
	for _, name := range targets {
		if !b.queues[name].requeue(m) {
			b.dropped(ctx, exchangeName, routingKey, "queue_full")
		}
	}
	return nil
}

func (ch *channel) Consume(ctx context.Context, queueName string) (<-chan transport.Delivery, error) {
	if err := ch.check(); err != nil {
		return nil, err
	}

	b := ch.conn.broker
	b.mu.Lock()
	q, ok := b.queues[queueName]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", transport.ErrQueueNotFound, queueName)
	}

	out := make(chan transport.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch.done:
				return
			case <-ch.conn.done:
				return
			case m := <-q.ch:
				select {
				case out <- ch.delivery(q, m):
				case <-ctx.Done():
					q.requeue(m)
					return
				case <-ch.done:
					q.requeue(m)
					return
				case <-ch.conn.done:
					q.requeue(m)
					return
				}
			}
		}
	}()
	return out, nil
}

func (ch *channel) delivery(q *queue, m message) transport.Delivery {
	b := ch.conn.broker
	d := transport.NewDelivery(m.routingKey, m.pub.Body,
		func() error {
			b.acks.Add(1)
			return nil
		},
		func(requeue bool) error {
			b.nacks.Add(1)
			if requeue && !q.requeue(m) {
				b.dropped(context.Background(), "", m.routingKey, "queue_full")
			}
			return nil
		},
	)
	d.MessageID = m.pub.MessageID
	d.ContentType = m.pub.ContentType
	return d
}

func (ch *channel) Close() error {
	if ch.closed.CompareAndSwap(false, true) {
		ch.once.Do(func() { close(ch.done) })
	}
	return nil
}

// Compile-time interface checks
var _ transport.Factory = (*Broker)(nil)
var _ transport.Connection = (*conn)(nil)
var _ transport.Channel = (*channel)(nil)
