package eventbus

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rbaliyan/eventbus/transport"
)

// ErrUnnamedEvent is returned for event types without a Go type name, such
// as anonymous structs. The type name is the routing key.
var ErrUnnamedEvent = errors.New("event type has no name")

// Event is a message published on the bus.
type Event interface {
	// EventID uniquely identifies this event instance.
	EventID() string
	// EventTime is when the event was created, in UTC.
	EventTime() time.Time
}

// IntegrationEvent carries the identity shared by every event. Embed it in
// concrete event structs:
//
//	type OrderPlaced struct {
//	    eventbus.IntegrationEvent
//	    OrderID string `json:"order_id"`
//	}
//
// Fields are exported for codecs; treat them as read-only once created.
type IntegrationEvent struct {
	ID           string    `json:"id"`
	CreatedAtUTC time.Time `json:"created_at_utc"`
}

// NewIntegrationEvent returns an event identity with a fresh id and the
// current UTC time.
func NewIntegrationEvent() IntegrationEvent {
	return IntegrationEvent{
		ID:           transport.NewID(),
		CreatedAtUTC: time.Now().UTC(),
	}
}

// EventID returns the event id
func (e IntegrationEvent) EventID() string {
	return e.ID
}

// EventTime returns the creation time
func (e IntegrationEvent) EventTime() time.Time {
	return e.CreatedAtUTC
}

// EventName returns the routing key for ev: the simple, unqualified type
// name, with pointers dereferenced. Publishers and consumers in different
// processes agree on routing only through this name, so it carries no package
// path or version.
func EventName(ev Event) (string, error) {
	if ev == nil {
		return "", ErrNilEvent
	}
	return eventNameOf(reflect.TypeOf(ev))
}

// EventNameOf returns the routing key for events of type T
func EventNameOf[T Event]() (string, error) {
	return eventNameOf(reflect.TypeOf((*T)(nil)).Elem())
}

func eventNameOf(t reflect.Type) (string, error) {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Name() == "" {
		return "", fmt.Errorf("%w: %v", ErrUnnamedEvent, t)
	}
	return t.Name(), nil
}
