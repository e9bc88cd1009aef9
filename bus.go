package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/eventbus/codec"
	"github.com/rbaliyan/eventbus/connection"
	"github.com/rbaliyan/eventbus/idempotency"
	"github.com/rbaliyan/eventbus/ratelimit"
	"github.com/rbaliyan/eventbus/retry"
	"github.com/rbaliyan/eventbus/subscription"
	"github.com/rbaliyan/eventbus/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	busRunning = 1
	busStopped = 0
)

const (
	spanKeyEventID     = "event.id"
	spanKeyEventName   = "event.name"
	spanKeyEventSource = "event.source"
	spanKeyEventBus    = "event.bus"
)

// instrumentationName names the bus tracer and meter
const instrumentationName = "github.com/rbaliyan/eventbus"

// Bus publishes events to a broker exchange and dispatches deliveries from
// its queue to subscribed handlers.
//
// A Bus keeps one persistent broker connection, re-established on demand and
// whenever the broker reports a failure. It is safe for concurrent use.
type Bus struct {
	status   int32
	id       string
	exchange string
	kind     transport.ExchangeKind
	queue    string
	codec    codec.Codec

	conn     *connection.Manager
	policy   *retry.Policy
	registry *subscription.Registry
	limiter  ratelimit.Limiter
	dedupe   idempotency.Store

	// subMu serializes bind+add against remove+unbind. drained collects the
	// names reported by the registry while subMu is held.
	subMu   sync.Mutex
	drained []string

	consumeMu     sync.Mutex
	consuming     bool
	stopConsuming context.CancelFunc
	consumers     sync.WaitGroup

	connectRetries  int
	backoffUnit     time.Duration
	sleep           func(ctx context.Context, d time.Duration) error
	logger          *slog.Logger
	tracer          trace.Tracer
	tracingEnabled  bool
	metricsEnabled  bool
	recoveryEnabled bool

	published     metric.Int64Counter
	publishFailed metric.Int64Counter
	dispatched    metric.Int64Counter
	dropped       metric.Int64Counter
}

// NewBus creates a bus over the broker reached through factory. No
// connection is attempted until the first operation that needs one.
func NewBus(factory transport.Factory, opts ...Option) (*Bus, error) {
	if factory == nil {
		return nil, ErrFactoryRequired
	}
	o := newBusOptions(opts...)
	if o.exchange == "" {
		return nil, ErrInvalidExchange
	}
	if !o.kind.Valid() {
		return nil, fmt.Errorf("%w: %q", transport.ErrUnsupportedExchangeKind, o.kind)
	}

	logger := o.logger.With("component", "bus>"+o.exchange)
	conn, err := connection.New(factory,
		connection.WithMaxRetries(o.connectRetries),
		connection.WithBackoffUnit(o.backoffUnit),
		connection.WithSleep(o.sleep),
		connection.WithLogger(o.logger.With("component", "connection>"+o.exchange)),
	)
	if err != nil {
		return nil, err
	}

	b := &Bus{
		status:          busRunning,
		id:              transport.NewID(),
		exchange:        o.exchange,
		kind:            o.kind,
		queue:           o.queue,
		codec:           o.codec,
		conn:            conn,
		registry:        subscription.New(),
		limiter:         o.limiter,
		dedupe:          o.dedupe,
		connectRetries:  o.connectRetries,
		backoffUnit:     o.backoffUnit,
		sleep:           o.sleep,
		logger:          logger,
		tracer:          otel.Tracer(instrumentationName),
		tracingEnabled:  o.tracingEnabled,
		metricsEnabled:  o.metricsEnabled,
		recoveryEnabled: o.recoveryEnabled,
	}
	b.policy = retry.New(o.publishRetries,
		retry.WithBackoff(retry.Exponential(o.backoffUnit)),
		retry.WithRetryable(isTransient),
		retry.WithSleep(o.sleep),
		retry.WithOnRetry(func(err error, wait time.Duration) {
			b.logger.Warn("broker operation failed, retrying", "error", err, "wait", wait)
		}),
	)
	b.registry.OnEventRemoved(func(eventName string) {
		b.drained = append(b.drained, eventName)
	})

	if b.metricsEnabled {
		meter := otel.Meter(instrumentationName)
		b.published, _ = meter.Int64Counter("eventbus.published",
			metric.WithDescription("Total number of events published"))
		b.publishFailed, _ = meter.Int64Counter("eventbus.publish_failed",
			metric.WithDescription("Total number of publishes that did not reach the broker"))
		b.dispatched, _ = meter.Int64Counter("eventbus.dispatched",
			metric.WithDescription("Total number of handler invocations"))
		b.dropped, _ = meter.Int64Counter("eventbus.dropped",
			metric.WithDescription("Total number of deliveries without a subscription"))
	}

	return b, nil
}

// isTransient selects the broker failures worth retrying: network errors and
// connections or channels that went away underneath the operation.
func isTransient(err error) bool {
	return transport.IsRetryable(err) ||
		errors.Is(err, connection.ErrNotConnected) ||
		errors.Is(err, transport.ErrConnectionClosed) ||
		errors.Is(err, transport.ErrChannelClosed)
}

// ID returns the bus instance id, used as the event source in spans
func (b *Bus) ID() string {
	return b.id
}

// Exchange returns the exchange the bus publishes to
func (b *Bus) Exchange() string {
	return b.exchange
}

// Queue returns the consumption queue, empty for publish-only buses
func (b *Bus) Queue() string {
	return b.queue
}

// Running returns true until Close is called
func (b *Bus) Running() bool {
	return atomic.LoadInt32(&b.status) == busRunning
}

// IsConnected reports whether the broker connection is open
func (b *Bus) IsConnected() bool {
	return b.conn.IsConnected()
}

// Connect establishes the broker connection ahead of the first operation.
func (b *Bus) Connect(ctx context.Context) error {
	if !b.Running() {
		return ErrBusClosed
	}
	if !b.conn.TryConnect(ctx) {
		return b.fatal()
	}
	return nil
}

func (b *Bus) fatal() error {
	return &ConnectionFatalError{Exchange: b.exchange, Retries: b.connectRetries}
}

// Publish sends ev to the exchange with the event's type name as routing key.
//
// A disconnected bus connects first. Transient broker failures are retried
// with exponential backoff; encoding failures are not. Every failure is
// returned as a *PublishFailedError.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if !b.Running() {
		return ErrBusClosed
	}
	name, err := EventName(ev)
	if err != nil {
		return err
	}
	return b.publish(ctx, name, ev.EventID(), ev)
}

// PublishDynamic sends a loosely-structured payload under an explicit event
// name, for producers without a Go type per event. The message id is taken
// from payload when it is an Event, and generated otherwise.
func (b *Bus) PublishDynamic(ctx context.Context, eventName string, payload any) error {
	if !b.Running() {
		return ErrBusClosed
	}
	if eventName == "" {
		return ErrUnnamedEvent
	}
	if payload == nil {
		return ErrNilEvent
	}
	id := transport.NewID()
	if ev, ok := payload.(Event); ok && ev.EventID() != "" {
		id = ev.EventID()
	}
	return b.publish(ctx, eventName, id, payload)
}

func (b *Bus) publish(ctx context.Context, name, id string, v any) (err error) {
	if b.tracingEnabled {
		var span trace.Span
		ctx, span = b.tracer.Start(ctx, fmt.Sprintf("%s.publish", name),
			trace.WithAttributes(
				attribute.String(spanKeyEventID, id),
				attribute.String(spanKeyEventSource, b.id),
				attribute.String(spanKeyEventBus, b.exchange),
				attribute.String(spanKeyEventName, name)),
			trace.WithSpanKind(trace.SpanKindProducer))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	attempts := 0
	fail := func(cause error) error {
		b.count(ctx, b.publishFailed, name)
		b.logger.Error("publish failed", "event", name, "id", id, "attempts", attempts, "error", cause)
		return &PublishFailedError{EventName: name, EventID: id, Attempts: attempts, Err: cause}
	}

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return fail(err)
		}
	}

	if !b.conn.IsConnected() && !b.conn.TryConnect(ctx) {
		return fail(b.fatal())
	}

	body, err := b.codec.Encode(v)
	if err != nil {
		return fail(err)
	}
	msg := transport.Publishing{
		Body:        body,
		Persistent:  true,
		MessageID:   id,
		ContentType: b.codec.ContentType(),
		Type:        name,
		Timestamp:   time.Now().UTC(),
	}

	err = b.policy.Execute(ctx, func(ctx context.Context) error {
		attempts++
		return b.withChannel(ctx, func(ch transport.Channel) error {
			if err := ch.DeclareExchange(ctx, b.exchange, b.kind); err != nil {
				return err
			}
			return ch.Publish(ctx, b.exchange, name, msg)
		})
	})
	if err != nil {
		return fail(err)
	}

	b.count(ctx, b.published, name)
	b.logger.Debug("published event", "event", name, "id", id, "attempts", attempts)
	return nil
}

// channel opens a channel, reconnecting once if the connection is gone
func (b *Bus) channel(ctx context.Context) (transport.Channel, error) {
	ch, err := b.conn.CreateChannel(ctx)
	if errors.Is(err, connection.ErrNotConnected) {
		if !b.conn.TryConnect(ctx) {
			return nil, b.fatal()
		}
		ch, err = b.conn.CreateChannel(ctx)
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// withChannel runs fn on a fresh channel and closes it afterwards
func (b *Bus) withChannel(ctx context.Context, fn func(ch transport.Channel) error) error {
	ch, err := b.channel(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ch.Close(); cerr != nil && !errors.Is(cerr, transport.ErrChannelClosed) {
			b.logger.Debug("closing channel", "error", cerr)
		}
	}()
	return fn(ch)
}

// Subscribe registers h for events of type T. The first subscription for an
// event name binds the bus queue to it; if binding fails nothing is
// recorded.
//
//	err := eventbus.Subscribe[OrderPlaced](ctx, bus, &Notifier{})
func Subscribe[T Event](ctx context.Context, b *Bus, h Handler[T], opts ...SubscribeOption) error {
	if h == nil {
		return ErrNilHandler
	}
	name, err := EventNameOf[T]()
	if err != nil {
		return err
	}
	th := newTypedHandler(h)
	htype := handlerName(h, opts...)
	return b.subscribe(ctx, name, htype, func() error {
		return b.registry.AddSubscription(name, th.eventType, htype, th)
	})
}

// Unsubscribe removes h from events of type T. When it was the last
// subscription for the name, the queue is unbound from it. Removing a
// handler that is not subscribed does nothing.
func Unsubscribe[T Event](ctx context.Context, b *Bus, h Handler[T], opts ...SubscribeOption) error {
	if h == nil {
		return ErrNilHandler
	}
	name, err := EventNameOf[T]()
	if err != nil {
		return err
	}
	return b.unsubscribe(ctx, name, handlerName(h, opts...))
}

// SubscribeDynamic registers h for eventName without a Go event type
func (b *Bus) SubscribeDynamic(ctx context.Context, eventName string, h DynamicHandler, opts ...SubscribeOption) error {
	if h == nil {
		return ErrNilHandler
	}
	if eventName == "" {
		return ErrUnnamedEvent
	}
	htype := handlerName(h, opts...)
	return b.subscribe(ctx, eventName, htype, func() error {
		return b.registry.AddDynamicSubscription(eventName, htype, h)
	})
}

// UnsubscribeDynamic removes a dynamic handler from eventName
func (b *Bus) UnsubscribeDynamic(ctx context.Context, eventName string, h DynamicHandler, opts ...SubscribeOption) error {
	if h == nil {
		return ErrNilHandler
	}
	return b.unsubscribe(ctx, eventName, handlerName(h, opts...))
}

func (b *Bus) subscribe(ctx context.Context, name, htype string, add func() error) error {
	if !b.Running() {
		return ErrBusClosed
	}
	if b.queue == "" {
		return ErrInvalidQueue
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()
	if !b.Running() {
		return ErrBusClosed
	}

	if !b.registry.HasSubscriptionsForEvent(name) {
		if err := b.bind(ctx, name); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	if err := add(); err != nil {
		return err
	}

	b.logger.Info("subscribed", "event", name, "handler", htype)
	return nil
}

func (b *Bus) unsubscribe(ctx context.Context, name, htype string) error {
	if !b.Running() {
		return ErrBusClosed
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()
	if !b.Running() {
		return ErrBusClosed
	}

	b.registry.RemoveSubscription(name, htype)
	drained := b.drained
	b.drained = nil

	var errs []error
	for _, n := range drained {
		if err := b.unbind(ctx, n); err != nil {
			b.logger.Warn("failed to unbind drained event", "event", n, "error", err)
			errs = append(errs, fmt.Errorf("unbind %s: %w", n, err))
			continue
		}
		b.logger.Info("unbound drained event", "event", n)
	}
	return errors.Join(errs...)
}

// bind routes eventName to the bus queue. Callers hold subMu.
func (b *Bus) bind(ctx context.Context, name string) error {
	return b.policy.Execute(ctx, func(ctx context.Context) error {
		return b.withChannel(ctx, func(ch transport.Channel) error {
			if err := ch.DeclareExchange(ctx, b.exchange, b.kind); err != nil {
				return err
			}
			if err := ch.DeclareQueue(ctx, b.queue); err != nil {
				return err
			}
			return ch.BindQueue(ctx, b.queue, b.exchange, name)
		})
	})
}

// unbind stops routing eventName to the bus queue. Callers hold subMu.
func (b *Bus) unbind(ctx context.Context, name string) error {
	return b.policy.Execute(ctx, func(ctx context.Context) error {
		return b.withChannel(ctx, func(ch transport.Channel) error {
			return ch.UnbindQueue(ctx, b.queue, b.exchange, name)
		})
	})
}

// Dispatch invokes every handler subscribed to eventName with body, decoded
// with the bus codec. It is the entry point for consumption loops other than
// StartConsuming.
//
// Handlers run in subscription order. Their errors are joined and returned;
// an event name without subscriptions is dropped with a warning and nil.
func (b *Bus) Dispatch(ctx context.Context, eventName string, body []byte) error {
	return b.dispatch(ctx, eventName, "", b.codec, body)
}

func (b *Bus) dispatch(ctx context.Context, name, id string, c codec.Codec, body []byte) error {
	subs := b.registry.GetHandlersForEvent(name)
	if len(subs) == 0 {
		b.logger.Warn("no subscription for event, dropping", "event", name, "id", id)
		b.count(ctx, b.dropped, name)
		return nil
	}

	if b.tracingEnabled {
		var span trace.Span
		ctx, span = b.tracer.Start(ctx, fmt.Sprintf("%s.dispatch", name),
			trace.WithAttributes(
				attribute.String(spanKeyEventID, id),
				attribute.String(spanKeyEventBus, b.exchange),
				attribute.String(spanKeyEventName, name)),
			trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
	}

	// Each form is decoded at most once and shared by the handlers needing it.
	var (
		typed      any
		typedErr   error
		typedDone  bool
		dynamic    map[string]any
		dynamicErr error
		dynDone    bool
		errs       []error
	)
	for _, s := range subs {
		hctx := contextWithDelivery(ctx, deliveryInfo{
			eventName: name,
			eventID:   id,
			exchange:  b.exchange,
			handler:   s.HandlerType,
		})

		var err error
		if s.Dynamic {
			h, ok := s.Handler.(DynamicHandler)
			if !ok {
				errs = append(errs, fmt.Errorf("dynamic handler %s for %s has type %T", s.HandlerType, name, s.Handler))
				continue
			}
			if !dynDone {
				dynDone = true
				if dynamicErr = c.Decode(body, &dynamic); dynamicErr != nil {
					errs = append(errs, Reject(fmt.Errorf("decode %s as map: %w", name, dynamicErr)))
				}
			}
			if dynamicErr != nil {
				continue
			}
			err = b.invoke(hctx, name, s.HandlerType, func(ctx context.Context) error {
				return h.Handle(ctx, dynamic)
			})
		} else {
			h, ok := s.Handler.(typedHandler)
			if !ok {
				errs = append(errs, fmt.Errorf("handler %s for %s has type %T", s.HandlerType, name, s.Handler))
				continue
			}
			if !typedDone {
				typedDone = true
				if typed, typedErr = decodeAs(c, h.eventType, body); typedErr != nil {
					errs = append(errs, Reject(fmt.Errorf("decode %s as %v: %w", name, h.eventType, typedErr)))
				}
			}
			if typedErr != nil {
				continue
			}
			err = b.invoke(hctx, name, s.HandlerType, func(ctx context.Context) error {
				return h.invoke(ctx, typed)
			})
		}

		if err != nil {
			b.logger.Warn("handler failed", "event", name, "id", id, "handler", s.HandlerType, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// decodeAs decodes body into a new value of type t
func decodeAs(c codec.Codec, t reflect.Type, body []byte) (any, error) {
	if t.Kind() == reflect.Pointer {
		v := reflect.New(t.Elem())
		if err := c.Decode(body, v.Interface()); err != nil {
			return nil, err
		}
		return v.Interface(), nil
	}
	v := reflect.New(t)
	if err := c.Decode(body, v.Interface()); err != nil {
		return nil, err
	}
	return v.Elem().Interface(), nil
}

// invoke runs one handler, converting a panic into a *HandlerPanicError
// when recovery is enabled
func (b *Bus) invoke(ctx context.Context, name, htype string, fn func(ctx context.Context) error) (err error) {
	if b.recoveryEnabled {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("handler panic recovered",
					"event", name,
					"handler", htype,
					"error", r,
					"stack", string(debug.Stack()),
				)
				err = &HandlerPanicError{EventName: name, HandlerType: htype, Value: r}
			}
		}()
	}

	err = fn(ctx)
	if b.metricsEnabled && b.dispatched != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		b.dispatched.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event", name),
			attribute.String("handler", htype),
			attribute.String("result", result)))
	}
	return err
}

func (b *Bus) count(ctx context.Context, c metric.Int64Counter, name string) {
	if b.metricsEnabled && c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("event", name)))
	}
}

// Subscriptions returns the subscribed event names in sorted order
func (b *Bus) Subscriptions() []string {
	return b.registry.EventNames()
}

// Handlers returns the handler identities subscribed to eventName in
// subscription order
func (b *Bus) Handlers(eventName string) []string {
	subs := b.registry.GetHandlersForEvent(eventName)
	if subs == nil {
		return nil
	}
	names := make([]string, len(subs))
	for i, s := range subs {
		names[i] = s.HandlerType
	}
	return names
}

// Close stops consuming, drops every subscription without unbinding and
// releases the broker connection. Bindings stay on the broker so the durable
// queue keeps collecting events for the next process. Close is idempotent;
// ctx bounds the wait for the consumer loop.
func (b *Bus) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.status, busRunning, busStopped) {
		return nil
	}

	b.consumeMu.Lock()
	if b.stopConsuming != nil {
		b.stopConsuming()
	}
	b.consumeMu.Unlock()

	if err := b.conn.Close(); err != nil {
		b.logger.Error("failed to close connection manager", "error", err)
	}

	done := make(chan struct{})
	go func() {
		b.consumers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		b.logger.Warn("timed out waiting for consumer to stop", "error", err)
	}

	b.subMu.Lock()
	b.registry.Clear()
	b.drained = nil
	b.subMu.Unlock()

	b.logger.Info("bus closed")
	return err
}
