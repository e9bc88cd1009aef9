package eventbus

import "context"

type contextKey int

const deliveryContextKey contextKey = iota

// deliveryInfo describes the delivery a handler is running for
type deliveryInfo struct {
	eventName string
	eventID   string
	exchange  string
	handler   string
}

// ContextEventName returns the name of the event being dispatched
func ContextEventName(ctx context.Context) string {
	if d, ok := ctx.Value(deliveryContextKey).(*deliveryInfo); ok {
		return d.eventName
	}
	return ""
}

// ContextEventID returns the broker message id of the delivery being
// dispatched. It is empty for Dispatch calls made without a delivery.
func ContextEventID(ctx context.Context) string {
	if d, ok := ctx.Value(deliveryContextKey).(*deliveryInfo); ok {
		return d.eventID
	}
	return ""
}

// ContextExchange returns the exchange of the dispatching bus
func ContextExchange(ctx context.Context) string {
	if d, ok := ctx.Value(deliveryContextKey).(*deliveryInfo); ok {
		return d.exchange
	}
	return ""
}

// ContextHandlerName returns the identity of the handler being invoked
func ContextHandlerName(ctx context.Context) string {
	if d, ok := ctx.Value(deliveryContextKey).(*deliveryInfo); ok {
		return d.handler
	}
	return ""
}

func contextWithDelivery(ctx context.Context, d deliveryInfo) context.Context {
	return context.WithValue(ctx, deliveryContextKey, &d)
}
