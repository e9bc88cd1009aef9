package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/eventbus/transport"
	"syreclabs.com/go/faker"
)

// fakeCluster implements cluster with a mock producer and in-memory groups
type fakeCluster struct {
	mu         sync.Mutex
	sync       *mocks.SyncProducer
	topics     []string
	groups     map[string]*fakeGroup
	refreshErr error
	closed     bool
}

func newFakeCluster(t *testing.T) *fakeCluster {
	return &fakeCluster{
		sync:   mocks.NewSyncProducer(t, nil),
		groups: make(map[string]*fakeGroup),
	}
}

func (c *fakeCluster) producer() sarama.SyncProducer {
	return c.sync
}

func (c *fakeCluster) createTopic(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, name)
	return nil
}

func (c *fakeCluster) consumerGroup(groupID string) (consumerGroup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[groupID]
	if !ok {
		g = &fakeGroup{records: make(chan *sarama.ConsumerMessage, 16), errs: make(chan error)}
		c.groups[groupID] = g
	}
	return g, nil
}

func (c *fakeCluster) group(id string) *fakeGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groups[id]
}

func (c *fakeCluster) refresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshErr
}

func (c *fakeCluster) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return sarama.ErrClosedClient
	}
	c.closed = true
	return c.sync.Close()
}

// fakeGroup feeds records from one channel through a single claim
type fakeGroup struct {
	mu      sync.Mutex
	records chan *sarama.ConsumerMessage
	errs    chan error
	topics  []string
	marked  []int64
	commits int
	closed  bool
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.topics = topics
	g.mu.Unlock()

	sess := &fakeSession{ctx: ctx, group: g}
	if err := handler.Setup(sess); err != nil {
		return err
	}
	err := handler.ConsumeClaim(sess, &fakeClaim{records: g.records})
	_ = handler.Cleanup(sess)
	<-ctx.Done()
	return err
}

func (g *fakeGroup) Errors() <-chan error {
	return g.errs
}

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.errs)
	}
	return nil
}

func (g *fakeGroup) state() ([]int64, int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int64(nil), g.marked...), g.commits, g.closed
}

type fakeSession struct {
	ctx   context.Context
	group *fakeGroup
}

func (s *fakeSession) Claims() map[string][]int32 {
	return nil
}

func (s *fakeSession) MemberID() string {
	return "member-1"
}

func (s *fakeSession) GenerationID() int32 {
	return 1
}

func (s *fakeSession) MarkOffset(string, int32, int64, string) {}

func (s *fakeSession) ResetOffset(string, int32, int64, string) {}

func (s *fakeSession) Context() context.Context {
	return s.ctx
}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.group.mu.Lock()
	defer s.group.mu.Unlock()
	s.group.marked = append(s.group.marked, msg.Offset)
}

func (s *fakeSession) Commit() {
	s.group.mu.Lock()
	defer s.group.mu.Unlock()
	s.group.commits++
}

type fakeClaim struct {
	records chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string {
	return ""
}

func (c *fakeClaim) Partition() int32 {
	return 0
}

func (c *fakeClaim) InitialOffset() int64 {
	return 0
}

func (c *fakeClaim) HighWaterMarkOffset() int64 {
	return 0
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage {
	return c.records
}

func newTestFactory(cl *fakeCluster, opts ...Option) *Factory {
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	f := New([]string{"kafka-1:9092", "kafka-2:9092"}, opts...)
	f.dial = func([]string, *options) (cluster, error) {
		return cl, nil
	}
	return f
}

func openChannel(t *testing.T, f *Factory) (transport.Connection, transport.Channel) {
	t.Helper()
	ctx := context.Background()
	c, err := f.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ch, err := c.OpenChannel(ctx)
	if err != nil {
		t.Fatalf("OpenChannel failed: %v", err)
	}
	t.Cleanup(func() {
		ch.Close()
		c.Close()
	})
	return c, ch
}

func declare(t *testing.T, ch transport.Channel, exchange string, kind transport.ExchangeKind, queue string, keys ...string) {
	t.Helper()
	ctx := context.Background()
	if err := ch.DeclareExchange(ctx, exchange, kind); err != nil {
		t.Fatalf("DeclareExchange failed: %v", err)
	}
	if err := ch.DeclareQueue(ctx, queue); err != nil {
		t.Fatalf("DeclareQueue failed: %v", err)
	}
	for _, key := range keys {
		if err := ch.BindQueue(ctx, queue, exchange, key); err != nil {
			t.Fatalf("BindQueue failed: %v", err)
		}
	}
}

func receive(t *testing.T, deliveries <-chan transport.Delivery) transport.Delivery {
	t.Helper()
	select {
	case d, ok := <-deliveries:
		if !ok {
			t.Fatal("delivery channel closed")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}
	return transport.Delivery{}
}

func record(offset int64, topic, key, id string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:  topic,
		Key:    []byte(key),
		Value:  []byte(faker.Lorem().Sentence(3)),
		Offset: offset,
		Headers: []*sarama.RecordHeader{
			{Key: []byte(HeaderMessageID), Value: []byte(id)},
			{Key: []byte(HeaderContentType), Value: []byte("application/json")},
		},
	}
}

func TestConnect(t *testing.T) {
	t.Run("endpoint", func(t *testing.T) {
		c, _ := openChannel(t, newTestFactory(newFakeCluster(t)))
		if c.Endpoint() != "kafka://kafka-1:9092,kafka-2:9092" {
			t.Errorf("unexpected endpoint %q", c.Endpoint())
		}
	})

	t.Run("no brokers", func(t *testing.T) {
		if _, err := New(nil).Connect(context.Background()); !errors.Is(err, ErrNoBrokers) {
			t.Errorf("expected ErrNoBrokers, got %v", err)
		}
	})

	t.Run("dial failure is unreachable", func(t *testing.T) {
		f := New([]string{"kafka-1:9092"})
		f.dial = func([]string, *options) (cluster, error) {
			return nil, sarama.ErrOutOfBrokers
		}
		if _, err := f.Connect(context.Background()); !transport.IsRetryable(err) {
			t.Errorf("expected retryable error, got %v", err)
		}
	})

	t.Run("config", func(t *testing.T) {
		o := newOptions(WithConfig(func(cfg *sarama.Config) {
			cfg.Producer.RequiredAcks = sarama.NoResponse
			cfg.Net.MaxOpenRequests = 1
		}))
		cfg := o.config()
		if cfg.Producer.RequiredAcks != sarama.WaitForAll || !cfg.Producer.Return.Successes {
			t.Error("expected acknowledged producer settings to win")
		}
		if cfg.Consumer.Offsets.AutoCommit.Enable {
			t.Error("expected auto-commit disabled")
		}
		if cfg.Net.MaxOpenRequests != 1 {
			t.Error("expected custom settings kept")
		}
	})
}

func TestPublish(t *testing.T) {
	cl := newFakeCluster(t)
	_, ch := openChannel(t, newTestFactory(cl, WithTopicPrefix("evt.")))
	declare(t, ch, "shop", transport.Direct, "billing", "OrderPlaced")

	if diff := cmp.Diff([]string{"evt.shop"}, cl.topics); diff != "" {
		t.Errorf("topics mismatch (-want +got):\n%s", diff)
	}

	body := []byte(faker.Lorem().Sentence(5))
	cl.sync.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		value, _ := msg.Value.Encode()
		if msg.Topic != "evt.shop" || string(key) != "OrderPlaced" || string(value) != string(body) {
			return errors.New("unexpected record")
		}
		if len(msg.Headers) != 3 {
			return errors.New("expected three headers")
		}
		return nil
	})
	err := ch.Publish(context.Background(), "shop", "OrderPlaced", transport.Publishing{
		Body: body, Persistent: true, MessageID: "m-1", ContentType: "application/json", Type: "OrderPlaced",
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	cl.sync.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	err = ch.Publish(context.Background(), "shop", "OrderPlaced", transport.Publishing{Body: body})
	if !transport.IsRetryable(err) {
		t.Errorf("expected retryable error, got %v", err)
	}
}

func TestConsume(t *testing.T) {
	cl := newFakeCluster(t)
	_, ch := openChannel(t, newTestFactory(cl, WithGroupPrefix("svc-")))
	declare(t, ch, "shop", transport.Topic, "billing", "order.*")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := ch.Consume(ctx, "billing")
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	g := cl.group("svc-billing")
	if g == nil {
		t.Fatal("expected consumer group svc-billing")
	}

	g.records <- record(1, "shop", "invoice.sent", "skip")
	g.records <- record(2, "shop", "order.placed", "m-1")

	d := receive(t, deliveries)
	if d.RoutingKey != "order.placed" || d.MessageID != "m-1" || d.ContentType != "application/json" {
		t.Errorf("unexpected delivery %+v", d)
	}
	if err := d.Ack(); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	marked, commits, _ := g.state()
	if diff := cmp.Diff([]int64{1, 2}, marked); diff != "" {
		t.Errorf("marked offsets mismatch (-want +got):\n%s", diff)
	}
	if commits != 1 {
		t.Errorf("expected 1 commit, got %d", commits)
	}

	t.Run("requeue produces a copy", func(t *testing.T) {
		cl.sync.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			key, _ := msg.Key.Encode()
			if msg.Topic != "shop" || string(key) != "order.shipped" {
				return errors.New("unexpected copy")
			}
			return nil
		})
		g.records <- record(3, "shop", "order.shipped", "m-2")
		d := receive(t, deliveries)
		if err := d.Nack(true); err != nil {
			t.Fatalf("Nack failed: %v", err)
		}
		marked, _, _ := g.state()
		if marked[len(marked)-1] != 3 {
			t.Errorf("expected offset 3 marked, got %v", marked)
		}
	})

	t.Run("failed requeue keeps the offset", func(t *testing.T) {
		cl.sync.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
		g.records <- record(4, "shop", "order.paid", "m-3")
		d := receive(t, deliveries)
		if err := d.Nack(true); err == nil {
			t.Fatal("expected Nack error")
		}
		marked, _, _ := g.state()
		if marked[len(marked)-1] == 4 {
			t.Error("offset 4 should stay unmarked")
		}
	})

	t.Run("cancel closes the group", func(t *testing.T) {
		cancel()
		select {
		case _, ok := <-deliveries:
			if ok {
				t.Error("expected closed delivery channel")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("delivery channel not closed")
		}
		if _, _, closed := g.state(); !closed {
			t.Error("expected consumer group closed")
		}
	})
}

func TestTopology(t *testing.T) {
	_, ch := openChannel(t, newTestFactory(newFakeCluster(t)))
	ctx := context.Background()

	if err := ch.BindQueue(ctx, "billing", "shop", "OrderPlaced"); !errors.Is(err, ErrExchangeNotFound) {
		t.Errorf("expected ErrExchangeNotFound, got %v", err)
	}
	if err := ch.DeclareExchange(ctx, "shop", transport.Fanout); err != nil {
		t.Fatalf("DeclareExchange failed: %v", err)
	}
	if err := ch.BindQueue(ctx, "billing", "shop", "OrderPlaced"); !errors.Is(err, transport.ErrQueueNotFound) {
		t.Errorf("expected ErrQueueNotFound, got %v", err)
	}
	if _, err := ch.Consume(ctx, "billing"); !errors.Is(err, transport.ErrQueueNotFound) {
		t.Errorf("expected ErrQueueNotFound from Consume, got %v", err)
	}
	if err := ch.DeclareExchange(ctx, "shop", "headers"); !errors.Is(err, transport.ErrUnsupportedExchangeKind) {
		t.Errorf("expected ErrUnsupportedExchangeKind, got %v", err)
	}
}

func TestWatchdog(t *testing.T) {
	cl := newFakeCluster(t)
	c, err := newTestFactory(cl, WithPing(10*time.Millisecond, 2)).Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	reasons := make(chan error, 1)
	c.Notify(transport.Callbacks{OnShutdown: func(reason error) { reasons <- reason }})

	cl.mu.Lock()
	cl.refreshErr = sarama.ErrOutOfBrokers
	cl.mu.Unlock()

	select {
	case reason := <-reasons:
		if !errors.Is(reason, sarama.ErrOutOfBrokers) {
			t.Errorf("unexpected reason %v", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnShutdown not called")
	}
	if c.IsOpen() {
		t.Error("expected connection closed")
	}
	if err := c.Close(); !errors.Is(err, transport.ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
}
