package eventbus

import (
	"context"
	"reflect"
)

// Handler handles events of type T.
//
// Handlers run synchronously on the dispatching goroutine, in subscription
// order. A slow handler delays the handlers after it and the next delivery.
type Handler[T Event] interface {
	Handle(ctx context.Context, event T) error
}

// HandlerFunc adapts a function to Handler. Function handlers all share one
// Go type, so give each a distinct name with WithHandlerName.
type HandlerFunc[T Event] func(ctx context.Context, event T) error

// Handle calls f(ctx, event)
func (f HandlerFunc[T]) Handle(ctx context.Context, event T) error {
	return f(ctx, event)
}

// DynamicHandler handles events by name without a compile-time type. The
// payload is the decoded body as a loosely-structured map and is shared with
// the other dynamic handlers of the same delivery, so it must not be
// modified.
type DynamicHandler interface {
	Handle(ctx context.Context, payload map[string]any) error
}

// DynamicHandlerFunc adapts a function to DynamicHandler
type DynamicHandlerFunc func(ctx context.Context, payload map[string]any) error

// Handle calls f(ctx, payload)
func (f DynamicHandlerFunc) Handle(ctx context.Context, payload map[string]any) error {
	return f(ctx, payload)
}

// typedHandler is what the registry stores for Subscribe. It erases T so the
// dispatcher can invoke handlers of any event type.
type typedHandler struct {
	eventType reflect.Type
	invoke    func(ctx context.Context, event any) error
}

func newTypedHandler[T Event](h Handler[T]) typedHandler {
	return typedHandler{
		eventType: reflect.TypeOf((*T)(nil)).Elem(),
		invoke: func(ctx context.Context, event any) error {
			return h.Handle(ctx, event.(T))
		},
	}
}

// subscribeOptions holds per-subscription configuration (unexported)
type subscribeOptions struct {
	name string
}

// SubscribeOption configures a subscription
type SubscribeOption func(*subscribeOptions)

// WithHandlerName sets the handler identity used for duplicate detection and
// removal. It defaults to the handler's Go type, e.g. "*orders.Notifier".
func WithHandlerName(name string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.name = name
	}
}

// handlerName resolves the identity of handler h
func handlerName(h any, opts ...SubscribeOption) string {
	o := &subscribeOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.name != "" {
		return o.name
	}
	return reflect.TypeOf(h).String()
}
