// Package kafka adapts Apache Kafka to the transport interfaces.
//
// The mapping follows Kafka's own model:
//
//	exchange     -> topic (WithTopicPrefix + exchange name)
//	routing key  -> record key
//	queue        -> consumer group
//	binding      -> filter applied by the consumer group's members
//
// Kafka delivers every record of a topic to every consumer group, so the
// bindings declared on a Factory decide which records a queue keeps. Records
// that match no binding of the queue are marked consumed and skipped.
//
// Delivery is at-least-once: offsets are committed only after Ack or Nack.
// A requeueing Nack produces a copy of the record at the end of the topic,
// since Kafka cannot redeliver a single record in place.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rbaliyan/eventbus/retry"
	"github.com/rbaliyan/eventbus/transport"
)

// Errors
var (
	ErrNoBrokers        = errors.New("kafka: at least one broker address is required")
	ErrExchangeNotFound = errors.New("exchange not found")
)

// Record headers
const (
	HeaderContentType = "content-type"
	HeaderMessageID   = "message-id"
	HeaderEventType   = "event-type"
)

// consumerGroup is the subset of sarama.ConsumerGroup the adapter uses
type consumerGroup interface {
	Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error
	Errors() <-chan error
	Close() error
}

// cluster is one client session with the Kafka cluster
type cluster interface {
	producer() sarama.SyncProducer
	createTopic(name string) error
	consumerGroup(groupID string) (consumerGroup, error)
	refresh() error
	close() error
}

// saramaCluster implements cluster over a sarama client
type saramaCluster struct {
	client sarama.Client
	sync   sarama.SyncProducer
	admin  sarama.ClusterAdmin
	opts   *options
}

func dialSarama(brokers []string, opts *options) (cluster, error) {
	client, err := sarama.NewClient(brokers, opts.config())
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &saramaCluster{client: client, sync: producer, admin: admin, opts: opts}, nil
}

func (c *saramaCluster) producer() sarama.SyncProducer {
	return c.sync
}

func (c *saramaCluster) createTopic(name string) error {
	detail := &sarama.TopicDetail{
		NumPartitions:     c.opts.partitions,
		ReplicationFactor: c.opts.replication,
	}
	if c.opts.retention > 0 {
		retentionMs := fmt.Sprintf("%d", c.opts.retention.Milliseconds())
		detail.ConfigEntries = map[string]*string{"retention.ms": &retentionMs}
	}

	err := c.admin.CreateTopic(name, detail, false)
	var topicErr *sarama.TopicError
	if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
		return nil
	}
	return err
}

func (c *saramaCluster) consumerGroup(groupID string) (consumerGroup, error) {
	return sarama.NewConsumerGroupFromClient(groupID, c.client)
}

func (c *saramaCluster) refresh() error {
	return c.client.RefreshMetadata()
}

// close releases the producer and the client; the admin shares the client
func (c *saramaCluster) close() error {
	return errors.Join(c.sync.Close(), c.client.Close())
}

// Factory connects to a Kafka cluster. It implements transport.Factory.
type Factory struct {
	brokers []string
	opts    *options
	dial    func(brokers []string, opts *options) (cluster, error)
	topo    *topology
}

// New creates a factory for the cluster reachable through brokers
func New(brokers []string, opts ...Option) *Factory {
	return &Factory{
		brokers: brokers,
		opts:    newOptions(opts...),
		dial:    dialSarama,
		topo:    newTopology(),
	}
}

// Connect opens a client, a synchronous producer and a cluster admin
func (f *Factory) Connect(ctx context.Context) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(f.brokers) == 0 {
		return nil, ErrNoBrokers
	}

	endpoint := "kafka://" + strings.Join(f.brokers, ",")
	cl, err := f.dial(f.brokers, f.opts)
	if err != nil {
		return nil, transport.Unreachable(endpoint, err)
	}

	c := &conn{
		status:   1,
		cluster:  cl,
		factory:  f,
		endpoint: endpoint,
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
	cluster  cluster
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

// watchdog refreshes cluster metadata and reports the connection lost when
// no broker answers
func (c *conn) watchdog() {
	opts := c.factory.opts
	ticker := time.NewTicker(opts.pingInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		err := c.cluster.refresh()
		if err == nil {
			failures = 0
			continue
		}
		failures++
		c.logger.Debug("metadata refresh failed", "endpoint", c.endpoint, "failures", failures, "error", err)
		if failures < opts.pingFailures {
			continue
		}

		if !c.drop() {
			return
		}
		_ = c.cluster.close()
		c.logger.Warn("connection lost", "endpoint", c.endpoint, "error", err)
		if cb := c.callbacks().OnShutdown; cb != nil {
			cb(err)
		}
		return
	}
}

func (c *conn) exception(err error) {
	c.logger.Warn("async error", "endpoint", c.endpoint, "error", err)
	if cb := c.callbacks().OnException; cb != nil {
		cb(err)
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

// Close closes the client without firing callbacks
func (c *conn) Close() error {
	if !c.drop() {
		return transport.ErrConnectionClosed
	}
	c.logger.Debug("connection closed", "endpoint", c.endpoint)
	return c.cluster.close()
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

func (ch *channel) topic(exchange string) string {
	return ch.conn.factory.opts.topicPrefix + exchange
}

func (ch *channel) DeclareExchange(ctx context.Context, name string, kind transport.ExchangeKind) error {
	if err := ch.check(); err != nil {
		return err
	}
	if err := ch.topo.declareExchange(name, kind); err != nil {
		return err
	}
	if err := ch.conn.cluster.createTopic(ch.topic(name)); err != nil {
		return translate(err)
	}
	return nil
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

	record := &sarama.ProducerMessage{
		Topic:   ch.topic(exchange),
		Key:     sarama.StringEncoder(routingKey),
		Value:   sarama.ByteEncoder(msg.Body),
		Headers: headers(msg),
	}
	if !msg.Timestamp.IsZero() {
		record.Timestamp = msg.Timestamp
	}
	if _, _, err := ch.conn.cluster.producer().SendMessage(record); err != nil {
		return translate(err)
	}
	return nil
}

func headers(msg transport.Publishing) []sarama.RecordHeader {
	var hs []sarama.RecordHeader
	add := func(k, v string) {
		if v != "" {
			hs = append(hs, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
		}
	}
	add(HeaderContentType, msg.ContentType)
	add(HeaderMessageID, msg.MessageID)
	add(HeaderEventType, msg.Type)
	return hs
}

func (ch *channel) Consume(ctx context.Context, queue string) (<-chan transport.Delivery, error) {
	if err := ch.check(); err != nil {
		return nil, err
	}
	exchanges, err := ch.topo.exchangesOf(queue)
	if err != nil {
		return nil, err
	}
	topics := make([]string, 0, len(exchanges))
	for _, ex := range exchanges {
		topics = append(topics, ch.topic(ex))
	}

	group, err := ch.conn.cluster.consumerGroup(ch.conn.factory.opts.groupPrefix + queue)
	if err != nil {
		return nil, translate(err)
	}

	cctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-cctx.Done():
		case <-ch.done:
		case <-ch.conn.done:
		}
		cancel()
	}()

	out := make(chan transport.Delivery)
	h := &consumerHandler{
		ch:     ch,
		queue:  queue,
		out:    out,
		ctx:    cctx,
		logger: ch.conn.logger.With("queue", queue),
	}
	go h.run(group, topics)
	return out, nil
}

func (ch *channel) Close() error {
	if atomic.CompareAndSwapInt32(&ch.status, 0, 1) {
		ch.once.Do(func() { close(ch.done) })
	}
	return nil
}

// consumerHandler implements sarama.ConsumerGroupHandler for one queue
type consumerHandler struct {
	ch     *channel
	queue  string
	out    chan transport.Delivery
	ctx    context.Context
	logger *slog.Logger
}

func (h *consumerHandler) run(group consumerGroup, topics []string) {
	defer close(h.out)
	defer group.Close()

	go func() {
		for err := range group.Errors() {
			h.ch.conn.exception(err)
		}
	}()

	backoff := retry.Exponential(h.ch.conn.factory.opts.backoffUnit)
	failures := 0
	for h.ctx.Err() == nil {
		err := group.Consume(h.ctx, topics, h)
		if err == nil {
			failures = 0
			continue
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) || h.ctx.Err() != nil {
			return
		}
		failures++
		wait := backoff(min(failures, 6))
		h.logger.Error("consumer error, retrying with backoff", "error", err, "backoff", wait)
		if retry.Sleep(h.ctx, wait) != nil {
			return
		}
	}
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	prefix := h.ch.conn.factory.opts.topicPrefix
	for {
		select {
		case <-session.Context().Done():
			return nil
		case <-h.ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			exchange := strings.TrimPrefix(msg.Topic, prefix)
			if !h.ch.topo.accepts(h.queue, exchange, string(msg.Key)) {
				session.MarkMessage(msg, "")
				continue
			}

			select {
			case h.out <- h.delivery(session, msg):
			case <-session.Context().Done():
				return nil
			case <-h.ctx.Done():
				return nil
			}
		}
	}
}

func (h *consumerHandler) delivery(session sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) transport.Delivery {
	commit := func() error {
		session.MarkMessage(msg, "")
		session.Commit()
		return nil
	}

	d := transport.NewDelivery(string(msg.Key), msg.Value,
		commit,
		func(requeue bool) error {
			if requeue {
				record := &sarama.ProducerMessage{
					Topic: msg.Topic,
					Key:   sarama.ByteEncoder(msg.Key),
					Value: sarama.ByteEncoder(msg.Value),
				}
				for _, hdr := range msg.Headers {
					record.Headers = append(record.Headers, *hdr)
				}
				if _, _, err := h.ch.conn.cluster.producer().SendMessage(record); err != nil {
					// Leave the offset unmarked so the record is read again.
					return translate(err)
				}
			}
			return commit()
		},
	)
	for _, hdr := range msg.Headers {
		switch string(hdr.Key) {
		case HeaderContentType:
			d.ContentType = string(hdr.Value)
		case HeaderMessageID:
			d.MessageID = string(hdr.Value)
		}
	}
	return d
}

// translate maps client errors onto transport errors
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sarama.ErrClosedClient):
		return fmt.Errorf("%w: %w", transport.ErrConnectionClosed, err)
	case errors.Is(err, sarama.ErrOutOfBrokers),
		errors.Is(err, sarama.ErrNotLeaderForPartition),
		errors.Is(err, sarama.ErrLeaderNotAvailable),
		errors.Is(err, sarama.ErrRequestTimedOut):
		return transport.Unreachable("kafka", err)
	}
	return err
}

// Compile-time interface checks
var _ transport.Factory = (*Factory)(nil)
var _ transport.Connection = (*conn)(nil)
var _ transport.Channel = (*channel)(nil)
var _ sarama.ConsumerGroupHandler = (*consumerHandler)(nil)
var _ consumerGroup = (sarama.ConsumerGroup)(nil)
