// Package redis adapts Redis Streams to the transport interfaces.
//
// Redis has no exchanges, so the topology is stored in Redis itself and is
// shared by every process using the same database:
//
//	eventbus:exchanges            hash   exchange -> kind
//	eventbus:queues               set    declared queue names
//	eventbus:bindings:<exchange>  set    "<queue>\x1f<routing key>"
//	eventbus:queue:<queue>        stream messages waiting in the queue
//
// Publish resolves the bindings of the exchange with the same direct, topic
// and fanout rules as an AMQP broker and appends one entry to the stream of
// every matching queue. Consumers read through the consumer group "eventbus",
// so processes consuming one queue share its messages.
//
// Delivery is at-least-once. Ack removes the entry, a requeueing Nack
// appends a fresh copy and removes the original, and entries left pending by
// a crashed consumer are claimed by a live one after WithClaimMinIdle.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/eventbus/retry"
	"github.com/rbaliyan/eventbus/transport"
	"github.com/redis/go-redis/v9"
)

// Client defines the Redis commands the adapter uses.
// Supports *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XDel(ctx context.Context, stream string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	HSetNX(ctx context.Context, key, field string, value interface{}) *redis.BoolCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	SIsMember(ctx context.Context, key string, member interface{}) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Topology errors
var (
	ErrExchangeNotFound   = errors.New("exchange not found")
	ErrPreconditionFailed = errors.New("precondition failed")
)

// Consumer group shared by every consumer of a queue
const group = "eventbus"

// Stream entry fields
const (
	fieldRoutingKey  = "routing_key"
	fieldBody        = "body"
	fieldMessageID   = "message_id"
	fieldContentType = "content_type"
	fieldType        = "type"
)

const bindingSep = "\x1f"

// Factory creates Redis clients. It implements transport.Factory.
type Factory struct {
	url       string
	opts      *options
	newClient func() (Client, string, error)
}

// New creates a factory for the server at url, for example
// "redis://:password@localhost:6379/0"
func New(url string, opts ...Option) *Factory {
	f := &Factory{url: url, opts: newOptions(opts...)}
	f.newClient = func() (Client, string, error) {
		o, err := redis.ParseURL(f.url)
		if err != nil {
			return nil, "", err
		}
		o.DialTimeout = f.opts.dialTimeout
		return redis.NewClient(o), "redis://" + o.Addr, nil
	}
	return f
}

// NewWithClient creates a factory that hands out client on every Connect.
// Closing a connection closes client, so it suits a single long-lived bus.
func NewWithClient(client Client, endpoint string, opts ...Option) *Factory {
	return &Factory{
		opts: newOptions(opts...),
		newClient: func() (Client, string, error) {
			return client, endpoint, nil
		},
	}
}

// Connect creates a client and verifies the server answers
func (f *Factory) Connect(ctx context.Context) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, endpoint, err := f.newClient()
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, f.opts.dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, transport.Unreachable(endpoint, err)
	}

	c := &conn{
		status:   1,
		client:   client,
		endpoint: endpoint,
		opts:     f.opts,
		logger:   f.opts.logger,
		done:     make(chan struct{}),
	}
	go c.watchdog()

	f.opts.logger.Debug("connection opened", "endpoint", endpoint)
	return c, nil
}

// conn implements transport.Connection
type conn struct {
	status   int32
	client   Client
	endpoint string
	opts     *options
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

// watchdog pings the server and reports the connection lost after
// pingFailures consecutive failures
func (c *conn) watchdog() {
	ticker := time.NewTicker(c.opts.pingInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.pingInterval)
		err := c.client.Ping(ctx).Err()
		cancel()
		if err == nil {
			failures = 0
			continue
		}
		failures++
		c.logger.Debug("ping failed", "endpoint", c.endpoint, "failures", failures, "error", err)
		if failures < c.opts.pingFailures {
			continue
		}

		if !c.drop() {
			return
		}
		_ = c.client.Close()
		c.logger.Warn("connection lost", "endpoint", c.endpoint, "error", err)
		if cb := c.callbacks().OnShutdown; cb != nil {
			cb(err)
		}
		return
	}
}

func (c *conn) IsOpen() bool {
	return atomic.LoadInt32(&c.status) == 1
}

func (c *conn) OpenChannel(ctx context.Context) (transport.Channel, error) {
	if !c.IsOpen() {
		return nil, transport.ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &channel{conn: c, client: c.client, done: make(chan struct{})}, nil
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

// Close closes the client without firing callbacks
func (c *conn) Close() error {
	if !c.drop() {
		return transport.ErrConnectionClosed
	}
	c.logger.Debug("connection closed", "endpoint", c.endpoint)
	return c.client.Close()
}

// exception reports an error from a background consumer
func (c *conn) exception(err error) {
	if cb := c.callbacks().OnException; cb != nil {
		cb(err)
	}
}

// channel implements transport.Channel
type channel struct {
	status int32
	conn   *conn
	client Client
	done   chan struct{}
	once   sync.Once
}

// Key layout
const (
	exchangesKey = "eventbus:exchanges"
	queuesKey    = "eventbus:queues"
)

func bindingsKey(exchange string) string { return "eventbus:bindings:" + exchange }

func streamKey(queue string) string { return "eventbus:queue:" + queue }

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
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", transport.ErrUnsupportedExchangeKind, kind)
	}

	set, err := ch.client.HSetNX(ctx, exchangesKey, name, string(kind)).Result()
	if err != nil {
		return translate(err)
	}
	if set {
		ch.conn.logger.Debug("declared exchange", "exchange", name, "kind", kind)
		return nil
	}
	existing, err := ch.client.HGet(ctx, exchangesKey, name).Result()
	if err != nil {
		return translate(err)
	}
	if transport.ExchangeKind(existing) != kind {
		return fmt.Errorf("%w: exchange %q already declared as %s", ErrPreconditionFailed, name, existing)
	}
	return nil
}

func (ch *channel) DeclareQueue(ctx context.Context, name string) error {
	if err := ch.check(); err != nil {
		return err
	}
	err := ch.client.XGroupCreateMkStream(ctx, streamKey(name), group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return translate(err)
	}
	return translate(ch.client.SAdd(ctx, queuesKey, name).Err())
}

func (ch *channel) exchangeKind(ctx context.Context, name string) (transport.ExchangeKind, error) {
	kind, err := ch.client.HGet(ctx, exchangesKey, name).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %q", ErrExchangeNotFound, name)
	}
	if err != nil {
		return "", translate(err)
	}
	return transport.ExchangeKind(kind), nil
}

func (ch *channel) queueExists(ctx context.Context, name string) error {
	ok, err := ch.client.SIsMember(ctx, queuesKey, name).Result()
	if err != nil {
		return translate(err)
	}
	if !ok {
		return fmt.Errorf("%w: %q", transport.ErrQueueNotFound, name)
	}
	return nil
}

func (ch *channel) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if err := ch.check(); err != nil {
		return err
	}
	if _, err := ch.exchangeKind(ctx, exchange); err != nil {
		return err
	}
	if err := ch.queueExists(ctx, queue); err != nil {
		return err
	}
	return translate(ch.client.SAdd(ctx, bindingsKey(exchange), queue+bindingSep+routingKey).Err())
}

func (ch *channel) UnbindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if err := ch.check(); err != nil {
		return err
	}
	return translate(ch.client.SRem(ctx, bindingsKey(exchange), queue+bindingSep+routingKey).Err())
}

func (ch *channel) Publish(ctx context.Context, exchange, routingKey string, msg transport.Publishing) error {
	if err := ch.check(); err != nil {
		return err
	}

	kind, err := ch.exchangeKind(ctx, exchange)
	if err != nil {
		return err
	}
	members, err := ch.client.SMembers(ctx, bindingsKey(exchange)).Result()
	if err != nil {
		return translate(err)
	}

	// A queue receives one copy no matter how many of its bindings match.
	seen := make(map[string]struct{})
	for _, m := range members {
		queue, key, ok := strings.Cut(m, bindingSep)
		if !ok || !transport.Routes(kind, key, routingKey) {
			continue
		}
		if _, dup := seen[queue]; dup {
			continue
		}
		seen[queue] = struct{}{}

		if err := ch.add(ctx, queue, routingKey, msg); err != nil {
			return err
		}
	}
	if len(seen) == 0 {
		ch.conn.logger.Debug("message dropped", "exchange", exchange, "routing_key", routingKey, "reason", "unroutable")
	}
	return nil
}

func (ch *channel) add(ctx context.Context, queue, routingKey string, msg transport.Publishing) error {
	args := &redis.XAddArgs{
		Stream: streamKey(queue),
		Values: map[string]any{
			fieldRoutingKey:  routingKey,
			fieldBody:        msg.Body,
			fieldMessageID:   msg.MessageID,
			fieldContentType: msg.ContentType,
			fieldType:        msg.Type,
		},
	}
	if maxLen := ch.conn.opts.maxLen; maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return translate(ch.client.XAdd(ctx, args).Err())
}

func (ch *channel) Consume(ctx context.Context, queue string) (<-chan transport.Delivery, error) {
	if err := ch.check(); err != nil {
		return nil, err
	}
	if err := ch.queueExists(ctx, queue); err != nil {
		return nil, err
	}

	name := ch.conn.opts.consumer
	if name == "" {
		name = transport.NewID()
	}
	cctx, cancel := context.WithCancel(ctx)
	s := &stream{
		ch:       ch,
		queue:    queue,
		key:      streamKey(queue),
		consumer: name,
		out:      make(chan transport.Delivery),
		logger:   ch.conn.logger.With("queue", queue, "consumer", name),
	}

	go func() {
		select {
		case <-cctx.Done():
		case <-ch.done:
		case <-ch.conn.done:
		}
		cancel()
	}()
	go s.loop(cctx)
	return s.out, nil
}

func (ch *channel) Close() error {
	if atomic.CompareAndSwapInt32(&ch.status, 0, 1) {
		ch.once.Do(func() { close(ch.done) })
	}
	return nil
}

// stream reads one queue through the consumer group
type stream struct {
	ch       *channel
	queue    string
	key      string
	consumer string
	out      chan transport.Delivery
	logger   *slog.Logger
}

func (s *stream) loop(ctx context.Context) {
	defer close(s.out)
	opts := s.ch.conn.opts

	var lastClaim time.Time
	for ctx.Err() == nil {
		if opts.claimMinIdle > 0 && time.Since(lastClaim) >= opts.claimMinIdle {
			lastClaim = time.Now()
			if !s.claim(ctx) {
				return
			}
		}

		res, err := s.ch.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: s.consumer,
			Streams:  []string{s.key, ">"},
			Count:    opts.batchSize,
			Block:    opts.blockTime,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil || !s.ch.conn.IsOpen() {
				return
			}
			s.logger.Warn("read failed", "error", err)
			s.ch.conn.exception(err)
			if retry.Sleep(ctx, opts.blockTime) != nil {
				return
			}
			continue
		}

		for _, xs := range res {
			for _, m := range xs.Messages {
				if !s.send(ctx, m) {
					return
				}
			}
		}
	}
}

// claim takes over entries another consumer left pending for too long
func (s *stream) claim(ctx context.Context) bool {
	start := "0-0"
	for {
		msgs, next, err := s.ch.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s.key,
			Group:    group,
			MinIdle:  s.ch.conn.opts.claimMinIdle,
			Start:    start,
			Count:    s.ch.conn.opts.batchSize,
			Consumer: s.consumer,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			s.logger.Debug("claim failed", "error", err)
			return true
		}
		if len(msgs) > 0 {
			s.logger.Debug("claimed pending entries", "count", len(msgs))
		}
		for _, m := range msgs {
			if !s.send(ctx, m) {
				return false
			}
		}
		if next == "0-0" || next == "" || len(msgs) == 0 {
			return true
		}
		start = next
	}
}

func (s *stream) send(ctx context.Context, m redis.XMessage) bool {
	select {
	case s.out <- s.delivery(m):
		return true
	case <-ctx.Done():
		// The entry stays pending and is claimed later.
		return false
	}
}

func (s *stream) delivery(m redis.XMessage) transport.Delivery {
	client := s.ch.client
	settle := func() error {
		ctx := context.Background()
		if err := client.XAck(ctx, s.key, group, m.ID).Err(); err != nil {
			return translate(err)
		}
		return translate(client.XDel(ctx, s.key, m.ID).Err())
	}

	d := transport.NewDelivery(field(m, fieldRoutingKey), []byte(field(m, fieldBody)),
		settle,
		func(requeue bool) error {
			if requeue {
				if err := client.XAdd(context.Background(), &redis.XAddArgs{Stream: s.key, Values: m.Values}).Err(); err != nil {
					return translate(err)
				}
			}
			return settle()
		},
	)
	d.MessageID = field(m, fieldMessageID)
	d.ContentType = field(m, fieldContentType)
	return d
}

func field(m redis.XMessage, name string) string {
	v, _ := m.Values[name].(string)
	return v
}

// translate maps client errors onto transport errors
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%w: %w", transport.ErrConnectionClosed, err)
	}
	return err
}

// Compile-time interface checks
var _ transport.Factory = (*Factory)(nil)
var _ transport.Connection = (*conn)(nil)
var _ transport.Channel = (*channel)(nil)
var _ Client = (*redis.Client)(nil)
