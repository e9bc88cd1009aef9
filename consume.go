package eventbus

import (
	"context"
	"errors"

	"github.com/rbaliyan/eventbus/codec"
	"github.com/rbaliyan/eventbus/retry"
	"github.com/rbaliyan/eventbus/transport"
)

// StartConsuming declares the bus queue, binds every subscribed event name
// to it and dispatches its deliveries in a background goroutine until ctx is
// done or the bus is closed.
//
// Successful deliveries are acked. Failed ones are requeued, except those
// rejected with ErrReject or whose body cannot be decoded, which are dropped.
// When the delivery stream ends because the broker went away, the consumer
// reconnects and resumes.
//
// The first stream is opened before StartConsuming returns, so broker
// failures at startup are reported to the caller.
func (b *Bus) StartConsuming(ctx context.Context) error {
	if b.queue == "" {
		return ErrInvalidQueue
	}

	b.consumeMu.Lock()
	defer b.consumeMu.Unlock()

	if !b.Running() {
		return ErrBusClosed
	}
	if b.consuming {
		return ErrAlreadyConsuming
	}

	ctx, cancel := context.WithCancel(ctx)
	ch, deliveries, err := b.openStream(ctx)
	if err != nil {
		cancel()
		return err
	}

	b.consuming = true
	b.stopConsuming = cancel
	b.consumers.Add(1)
	go b.consume(ctx, cancel, ch, deliveries)

	b.logger.Info("consuming", "queue", b.queue)
	return nil
}

// Consuming reports whether the consumer loop is running
func (b *Bus) Consuming() bool {
	b.consumeMu.Lock()
	defer b.consumeMu.Unlock()
	return b.consuming
}

// openStream opens a channel and starts consuming the bus queue on it,
// under the publish retry policy
func (b *Bus) openStream(ctx context.Context) (transport.Channel, <-chan transport.Delivery, error) {
	var (
		ch         transport.Channel
		deliveries <-chan transport.Delivery
	)
	err := b.policy.Execute(ctx, func(ctx context.Context) error {
		c, err := b.channel(ctx)
		if err != nil {
			return err
		}
		d, err := b.declareConsumer(ctx, c)
		if err != nil {
			if cerr := c.Close(); cerr != nil && !errors.Is(cerr, transport.ErrChannelClosed) {
				b.logger.Debug("closing channel", "error", cerr)
			}
			return err
		}
		ch, deliveries = c, d
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return ch, deliveries, nil
}

// declareConsumer declares the topology and re-binds every subscribed name,
// so bindings lost with a broker restart are restored.
func (b *Bus) declareConsumer(ctx context.Context, ch transport.Channel) (<-chan transport.Delivery, error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	if err := ch.DeclareExchange(ctx, b.exchange, b.kind); err != nil {
		return nil, err
	}
	if err := ch.DeclareQueue(ctx, b.queue); err != nil {
		return nil, err
	}
	for _, name := range b.registry.EventNames() {
		if err := ch.BindQueue(ctx, b.queue, b.exchange, name); err != nil {
			return nil, err
		}
	}
	return ch.Consume(ctx, b.queue)
}

func (b *Bus) consume(ctx context.Context, cancel context.CancelFunc, ch transport.Channel, deliveries <-chan transport.Delivery) {
	defer b.consumers.Done()
	defer func() {
		cancel()
		b.consumeMu.Lock()
		b.consuming = false
		b.stopConsuming = nil
		b.consumeMu.Unlock()
		b.logger.Info("consumer stopped", "queue", b.queue)
	}()

	backoff := retry.Exponential(b.backoffUnit)
	failures := 0
	for {
		if ch != nil {
			for d := range deliveries {
				b.handleDelivery(ctx, d)
			}
			if err := ch.Close(); err != nil && !errors.Is(err, transport.ErrChannelClosed) {
				b.logger.Debug("closing channel", "error", err)
			}
			ch = nil
		}
		if ctx.Err() != nil || !b.Running() {
			return
		}

		b.logger.Warn("delivery stream closed, reopening", "queue", b.queue)
		var err error
		ch, deliveries, err = b.openStream(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil || !b.Running() {
			return
		}

		failures = min(failures+1, b.connectRetries+1)
		wait := backoff(failures)
		b.logger.Error("failed to reopen delivery stream", "queue", b.queue, "error", err, "wait", wait)
		if err := b.sleep(ctx, wait); err != nil {
			return
		}
	}
}

// handleDelivery dispatches d and settles it with the broker
func (b *Bus) handleDelivery(ctx context.Context, d transport.Delivery) {
	c := b.codec
	if d.ContentType != "" {
		if dc, ok := codec.Get(d.ContentType); ok {
			c = dc
		}
	}

	if b.skipDuplicate(ctx, d) {
		return
	}

	err := b.dispatch(ctx, d.RoutingKey, d.MessageID, c, d.Body)
	result := ClassifyError(err)
	b.settleDuplicate(ctx, d, result)

	var ackErr error
	switch result {
	case ResultAck:
		ackErr = d.Ack()
	case ResultRequeue:
		ackErr = d.Nack(true)
	case ResultReject:
		ackErr = d.Nack(false)
	}

	if err != nil {
		b.logger.Warn("delivery failed", "event", d.RoutingKey, "id", d.MessageID, "result", result.String(), "error", err)
	}
	if ackErr != nil {
		b.logger.Error("failed to settle delivery", "event", d.RoutingKey, "id", d.MessageID, "result", result.String(), "error", ackErr)
	}
}

// skipDuplicate acks d when the idempotency store has seen its id. Store
// failures let the delivery through.
func (b *Bus) skipDuplicate(ctx context.Context, d transport.Delivery) bool {
	if b.dedupe == nil || d.MessageID == "" {
		return false
	}
	dup, err := b.dedupe.IsDuplicate(ctx, d.MessageID)
	if err != nil {
		b.logger.Warn("idempotency check failed", "event", d.RoutingKey, "id", d.MessageID, "error", err)
		return false
	}
	if !dup {
		return false
	}
	b.logger.Debug("skipping duplicate delivery", "event", d.RoutingKey, "id", d.MessageID)
	if err := d.Ack(); err != nil {
		b.logger.Error("failed to settle delivery", "event", d.RoutingKey, "id", d.MessageID, "result", ResultAck.String(), "error", err)
	}
	return true
}

// settleDuplicate confirms the claim on success and releases it otherwise,
// so a redelivery runs the handlers again
func (b *Bus) settleDuplicate(ctx context.Context, d transport.Delivery, result HandlerResult) {
	if b.dedupe == nil || d.MessageID == "" {
		return
	}
	var err error
	if result == ResultAck {
		err = b.dedupe.MarkProcessed(ctx, d.MessageID)
	} else {
		err = b.dedupe.Remove(ctx, d.MessageID)
	}
	if err != nil {
		b.logger.Warn("failed to update idempotency store", "event", d.RoutingKey, "id", d.MessageID, "error", err)
	}
}
