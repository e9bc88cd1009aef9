package eventbus

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/eventbus/connection"
	"github.com/rbaliyan/eventbus/subscription"
	"github.com/rbaliyan/eventbus/transport"
)

// Bus errors
var (
	ErrBusClosed         = errors.New("bus is closed")
	ErrFactoryRequired   = errors.New("transport factory is required")
	ErrNilEvent          = errors.New("event is nil")
	ErrNilHandler        = errors.New("handler is nil")
	ErrAlreadyConsuming  = errors.New("bus is already consuming")
	ErrHandlerPanic      = errors.New("handler panicked")
	ErrInvalidExchange   = errors.New("exchange name is required")
	ErrInvalidQueue      = errors.New("queue name is required")
	ErrBrokerUnreachable = transport.ErrBrokerUnreachable
)

// Errors surfaced from the subscription registry and connection manager
var (
	ErrDuplicateSubscription = subscription.ErrDuplicateSubscription
	ErrTypeMismatch          = subscription.ErrTypeMismatch
	ErrNotConnected          = connection.ErrNotConnected
)

// DuplicateSubscriptionError reports a second registration of one handler
// for one event name
type DuplicateSubscriptionError = subscription.DuplicateSubscriptionError

// ErrReject marks a handler failure that must not be redelivered. Deliveries
// whose handlers return it (wrapped or not) are rejected without requeue;
// every other handler error requeues the delivery.
//
//	func (h *Billing) Handle(ctx context.Context, ev OrderPlaced) error {
//	    if ev.Total < 0 {
//	        return eventbus.Reject(fmt.Errorf("negative total %v", ev.Total))
//	    }
//	    return h.charge(ctx, ev)
//	}
var ErrReject = errors.New("reject: do not redeliver")

// Reject wraps err so that the delivery is dropped instead of requeued
func Reject(err error) error {
	if err == nil {
		return ErrReject
	}
	return fmt.Errorf("%w: %w", ErrReject, err)
}

// HandlerResult is the acknowledgement outcome of a delivery
type HandlerResult int

const (
	// ResultAck - processed, remove from the queue
	ResultAck HandlerResult = iota
	// ResultRequeue - failed, redeliver
	ResultRequeue
	// ResultReject - failed permanently, remove without redelivery
	ResultReject
)

// ClassifyError maps a dispatch error to an acknowledgement outcome
func ClassifyError(err error) HandlerResult {
	switch {
	case err == nil:
		return ResultAck
	case errors.Is(err, ErrReject):
		return ResultReject
	default:
		return ResultRequeue
	}
}

func (r HandlerResult) String() string {
	switch r {
	case ResultAck:
		return "ack"
	case ResultRequeue:
		return "requeue"
	case ResultReject:
		return "reject"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// ConnectionFatalError reports that the broker connection could not be
// established within the configured retries. The bus stays usable: the next
// operation tries to connect again.
type ConnectionFatalError struct {
	Exchange string
	Retries  int
}

func (e *ConnectionFatalError) Error() string {
	return fmt.Sprintf("broker connection for exchange %q could not be established after %d retries", e.Exchange, e.Retries)
}

// IsConnectionFatal checks if an error indicates connect retries were exhausted
func IsConnectionFatal(err error) bool {
	var fatal *ConnectionFatalError
	return errors.As(err, &fatal)
}

// PublishFailedError reports a publish that did not reach the broker.
// Err is the final cause: the last transport error, the codec error or a
// *ConnectionFatalError.
type PublishFailedError struct {
	EventName string
	EventID   string
	Attempts  int
	Err       error
}

func (e *PublishFailedError) Error() string {
	return fmt.Sprintf("publish %s (id %s) failed after %d attempt(s): %v", e.EventName, e.EventID, e.Attempts, e.Err)
}

func (e *PublishFailedError) Unwrap() error {
	return e.Err
}

// IsPublishFailed checks if an error indicates a failed publish
func IsPublishFailed(err error) bool {
	var failed *PublishFailedError
	return errors.As(err, &failed)
}

// HandlerPanicError reports a recovered handler panic
type HandlerPanicError struct {
	EventName   string
	HandlerType string
	Value       any
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("handler %s panicked on %s: %v", e.HandlerType, e.EventName, e.Value)
}

// Is matches ErrHandlerPanic
func (e *HandlerPanicError) Is(target error) bool {
	return target == ErrHandlerPanic
}
