// Package nats adapts NATS core pub/sub to the transport interfaces.
//
// NATS has no exchanges or queues, so the adapter keeps the topology on the
// Factory and maps it onto subjects:
//
//	publish  exchange "shop", routing key "OrderPlaced"  -> subject "shop.OrderPlaced"
//	direct   binding  "OrderPlaced"                       -> subscribe "shop.OrderPlaced"
//	topic    binding  "order.*" / "order.#"               -> subscribe "shop.order.*" / "shop.order.>"
//	fanout   any binding                                  -> subscribe "shop.>"
//
// Every binding of a queue becomes a queue-group subscription named after the
// queue, so several processes consuming one queue share its messages.
//
// Delivery is at-most-once: core NATS keeps no messages for absent
// subscribers and has no acknowledgements, so Ack and Nack are no-ops.
// Topic patterns may only use '#' as the last word.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/rbaliyan/eventbus/transport"
)

// Message headers
const (
	HeaderContentType = "Content-Type"
	HeaderMessageID   = "Nats-Msg-Id"
	HeaderEventType   = "Eventbus-Type"
)

// natsConn is the subset of *nats.Conn the adapter uses
type natsConn interface {
	PublishMsg(m *nats.Msg) error
	queueSubscribe(subject, queue string, cb nats.MsgHandler) (natsSub, error)
	FlushWithContext(ctx context.Context) error
	IsConnected() bool
	ConnectedUrlRedacted() string
	Close()
}

type natsSub interface {
	Unsubscribe() error
}

type dialer func(url string, opts ...nats.Option) (natsConn, error)

// clientConn wraps *nats.Conn so QueueSubscribe returns the interface
type clientConn struct {
	*nats.Conn
}

func (c clientConn) queueSubscribe(subject, queue string, cb nats.MsgHandler) (natsSub, error) {
	return c.Conn.QueueSubscribe(subject, queue, cb)
}

func dialNATS(url string, opts ...nats.Option) (natsConn, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return clientConn{nc}, nil
}

// Factory connects to a NATS server. It implements transport.Factory.
type Factory struct {
	url  string
	opts *options
	dial dialer
	topo *topology
}

// New creates a factory for the server at url
func New(url string, opts ...Option) *Factory {
	return &Factory{
		url:  url,
		opts: newOptions(opts...),
		dial: dialNATS,
		topo: newTopology(),
	}
}

// Connect dials the server. The client's own reconnect loop is disabled: a
// lost connection is reported through OnShutdown and the caller reconnects.
func (f *Factory) Connect(ctx context.Context) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &conn{
		status:  1,
		factory: f,
		logger:  f.opts.logger,
		done:    make(chan struct{}),
	}

	// Caller options go first so the handlers below take precedence.
	opts := append([]nats.Option(nil), f.opts.extra...)
	opts = append(opts,
		nats.NoReconnect(),
		nats.Timeout(f.opts.dialTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { c.disconnected(err) }),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) { c.exception(err) }),
	)
	if f.opts.name != "" {
		opts = append(opts, nats.Name(f.opts.name))
	}

	raw, err := f.dial(f.url, opts...)
	if err != nil {
		return nil, transport.Unreachable(f.url, err)
	}
	c.raw = raw
	c.endpoint = raw.ConnectedUrlRedacted()

	f.opts.logger.Debug("connection opened", "endpoint", c.endpoint)
	return c, nil
}

// conn implements transport.Connection
type conn struct {
	status   int32
	raw      natsConn
	factory  *Factory
	endpoint string
	logger   *slog.Logger
	done     chan struct{}
	once     sync.Once

	mu  sync.Mutex
	cbs transport.Callbacks
}

func (c *conn) drop() bool {
	if !atomic.CompareAndSwapInt32(&c.status, 1, 0) {
		return false
	}
	c.once.Do(func() { close(c.done) })
	return true
}

// disconnected runs on the client's callback goroutine
func (c *conn) disconnected(err error) {
	if !c.drop() {
		return
	}
	if err == nil {
		err = nats.ErrConnectionClosed
	}
	c.logger.Warn("connection lost", "endpoint", c.endpoint, "error", err)
	if cb := c.callbacks().OnShutdown; cb != nil {
		cb(err)
	}
}

func (c *conn) exception(err error) {
	c.logger.Warn("async error", "endpoint", c.endpoint, "error", err)
	if cb := c.callbacks().OnException; cb != nil {
		cb(err)
	}
}

func (c *conn) IsOpen() bool {
	return atomic.LoadInt32(&c.status) == 1 && c.raw.IsConnected()
}

func (c *conn) OpenChannel(ctx context.Context) (transport.Channel, error) {
	if !c.IsOpen() {
		return nil, transport.ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &channel{conn: c, topo: c.factory.topo, done: make(chan struct{})}, nil
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
	return c.endpoint
}

// Close closes the connection without firing callbacks
func (c *conn) Close() error {
	if !c.drop() {
		return transport.ErrConnectionClosed
	}
	c.raw.Close()
	c.logger.Debug("connection closed", "endpoint", c.endpoint)
	return nil
}

// channel implements transport.Channel
type channel struct {
	status int32
	conn   *conn
	topo   *topology
	done   chan struct{}
	once   sync.Once
}

func (ch *channel) check() error {
	if atomic.LoadInt32(&ch.status) == 1 {
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
	return ch.topo.declareExchange(name, kind)
}

func (ch *channel) DeclareQueue(ctx context.Context, name string) error {
	if err := ch.check(); err != nil {
		return err
	}
	ch.topo.declareQueue(name)
	return nil
}

func (ch *channel) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if err := ch.check(); err != nil {
		return err
	}
	return ch.topo.bind(queue, exchange, routingKey)
}

func (ch *channel) UnbindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if err := ch.check(); err != nil {
		return err
	}
	ch.topo.unbind(queue, exchange, routingKey)
	return nil
}

func (ch *channel) Publish(ctx context.Context, exchange, routingKey string, msg transport.Publishing) error {
	if err := ch.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := nats.NewMsg(exchange + "." + routingKey)
	m.Data = msg.Body
	if msg.ContentType != "" {
		m.Header.Set(HeaderContentType, msg.ContentType)
	}
	if msg.MessageID != "" {
		m.Header.Set(HeaderMessageID, msg.MessageID)
	}
	if msg.Type != "" {
		m.Header.Set(HeaderEventType, msg.Type)
	}

	if err := ch.conn.raw.PublishMsg(m); err != nil {
		return translate(err)
	}
	if !msg.Persistent {
		return nil
	}

	// A flush round trip confirms the server received the message.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ch.conn.factory.opts.flushTimeout)
		defer cancel()
	}
	return translate(ch.conn.raw.FlushWithContext(ctx))
}

func (ch *channel) Consume(ctx context.Context, queue string) (<-chan transport.Delivery, error) {
	if err := ch.check(); err != nil {
		return nil, err
	}

	c := &consumer{
		queue:  queue,
		conn:   ch.conn,
		out:    make(chan transport.Delivery),
		done:   make(chan struct{}),
		subs:   make(map[binding]natsSub),
		logger: ch.conn.logger,
	}
	if err := ch.topo.attach(c); err != nil {
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-ch.done:
		case <-ch.conn.done:
		}
		ch.topo.detach(c)
		c.stop()
	}()
	return c.out, nil
}

func (ch *channel) Close() error {
	if atomic.CompareAndSwapInt32(&ch.status, 0, 1) {
		ch.once.Do(func() { close(ch.done) })
	}
	return nil
}

// consumer feeds one Consume call from a set of queue-group subscriptions
type consumer struct {
	queue  string
	conn   *conn
	out    chan transport.Delivery
	done   chan struct{}
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
	subs    map[binding]natsSub
	wg      sync.WaitGroup
}

func (c *consumer) subscribe(b binding, subject string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	if _, ok := c.subs[b]; ok {
		return nil
	}
	sub, err := c.conn.raw.queueSubscribe(subject, c.queue, func(m *nats.Msg) {
		c.handle(b.exchange, m)
	})
	if err != nil {
		return translate(err)
	}
	c.subs[b] = sub
	c.logger.Debug("subscribed", "queue", c.queue, "subject", subject)
	return nil
}

func (c *consumer) unsubscribe(b binding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[b]; ok {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Debug("unsubscribe failed", "queue", c.queue, "error", err)
		}
		delete(c.subs, b)
	}
}

// handle runs on the subscription's delivery goroutine
func (c *consumer) handle(exchange string, m *nats.Msg) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	d := transport.NewDelivery(routingKey(exchange, m.Subject), m.Data, nil, nil)
	if m.Header != nil {
		d.ContentType = m.Header.Get(HeaderContentType)
		d.MessageID = m.Header.Get(HeaderMessageID)
	}
	select {
	case c.out <- d:
	case <-c.done:
	}
}

func (c *consumer) stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	for b, sub := range c.subs {
		_ = sub.Unsubscribe()
		delete(c.subs, b)
	}
	close(c.done)
	c.mu.Unlock()

	c.wg.Wait()
	close(c.out)
}

// routingKey strips the exchange prefix from a subject. Exchange names may
// contain dots themselves.
func routingKey(exchange, subject string) string {
	return strings.TrimPrefix(subject, exchange+".")
}

// translate maps client errors onto transport errors
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining):
		return fmt.Errorf("%w: %w", transport.ErrConnectionClosed, err)
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, nats.ErrNoServers):
		return transport.Unreachable("nats", err)
	}
	return err
}

// Compile-time interface checks
var _ transport.Factory = (*Factory)(nil)
var _ transport.Connection = (*conn)(nil)
var _ transport.Channel = (*channel)(nil)
