// Package subscription tracks which handlers are interested in which events.
//
// Entries are keyed by plain event-name strings so that dynamic handlers,
// which have no compile-time event type, share the same registry and the same
// removal pathway as typed handlers. Uniqueness is enforced per
// (event name, handler type) pair.
//
// The registry is safe for concurrent use. Reads return snapshots, so a
// dispatcher iterating handlers never observes a concurrent subscribe or
// unsubscribe half-way through.
package subscription

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"sync"
)

// Registry errors
var (
	ErrDuplicateSubscription = errors.New("handler already registered for event")
	ErrTypeMismatch          = errors.New("event name registered with a different type")
)

// DuplicateSubscriptionError reports a second registration of the same
// handler type for one event name.
type DuplicateSubscriptionError struct {
	EventName   string
	HandlerType string
}

func (e *DuplicateSubscriptionError) Error() string {
	return fmt.Sprintf("handler type %s already registered for %q", e.HandlerType, e.EventName)
}

// Is matches ErrDuplicateSubscription.
func (e *DuplicateSubscriptionError) Is(target error) bool {
	return target == ErrDuplicateSubscription
}

// Info identifies one registered handler for one event name.
type Info struct {
	// HandlerType is the opaque identity used for uniqueness and removal.
	HandlerType string
	// Dynamic is true for handlers that take loosely-structured payloads.
	Dynamic bool
	// Handler is the invocable handler value. The registry never calls it.
	Handler any
}

// Registry maps event names to subscriptions and typed event names to their
// Go types.
type Registry struct {
	mu         sync.RWMutex
	handlers   map[string][]Info
	eventTypes map[string]reflect.Type

	listenerMu sync.RWMutex
	listeners  []func(eventName string)
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		handlers:   make(map[string][]Info),
		eventTypes: make(map[string]reflect.Type),
	}
}

// OnEventRemoved registers fn to be called whenever the last subscription for
// an event name is removed. Listeners run synchronously on the goroutine that
// performed the removal, after the registry lock has been released.
func (r *Registry) OnEventRemoved(fn func(eventName string)) {
	if fn == nil {
		return
	}
	r.listenerMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenerMu.Unlock()
}

// AddSubscription registers a typed handler. eventType is recorded in the type
// index for eventName.
func (r *Registry) AddSubscription(eventName string, eventType reflect.Type, handlerType string, handler any) error {
	if eventType == nil {
		return fmt.Errorf("subscription: nil event type for %q", eventName)
	}
	return r.add(eventName, eventType, Info{HandlerType: handlerType, Handler: handler})
}

// AddDynamicSubscription registers a handler without a known event type.
func (r *Registry) AddDynamicSubscription(eventName string, handlerType string, handler any) error {
	return r.add(eventName, nil, Info{HandlerType: handlerType, Dynamic: true, Handler: handler})
}

func (r *Registry) add(eventName string, eventType reflect.Type, info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.handlers[eventName]
	for _, s := range subs {
		if s.HandlerType == info.HandlerType {
			return &DuplicateSubscriptionError{EventName: eventName, HandlerType: info.HandlerType}
		}
	}

	if eventType != nil {
		if existing, ok := r.eventTypes[eventName]; ok && existing != eventType {
			return fmt.Errorf("%w: %q registered as %v, requested %v",
				ErrTypeMismatch, eventName, existing, eventType)
		}
		r.eventTypes[eventName] = eventType
	}

	r.handlers[eventName] = append(subs, info)
	return nil
}

// RemoveSubscription removes handlerType from eventName. Removing a
// subscription that does not exist is a no-op.
func (r *Registry) RemoveSubscription(eventName, handlerType string) {
	r.mu.Lock()
	subs, ok := r.handlers[eventName]
	if !ok {
		r.mu.Unlock()
		return
	}
	idx := slices.IndexFunc(subs, func(s Info) bool { return s.HandlerType == handlerType })
	if idx < 0 {
		r.mu.Unlock()
		return
	}

	// Copy so snapshots handed out earlier stay intact.
	remaining := make([]Info, 0, len(subs)-1)
	remaining = append(remaining, subs[:idx]...)
	remaining = append(remaining, subs[idx+1:]...)

	drained := len(remaining) == 0
	if drained {
		delete(r.handlers, eventName)
		delete(r.eventTypes, eventName)
	} else {
		r.handlers[eventName] = remaining
	}
	r.mu.Unlock()

	if drained {
		r.raiseEventRemoved(eventName)
	}
}

func (r *Registry) raiseEventRemoved(eventName string) {
	r.listenerMu.RLock()
	listeners := slices.Clone(r.listeners)
	r.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(eventName)
	}
}

// HasSubscriptionsForEvent reports whether eventName has any subscription
func (r *Registry) HasSubscriptionsForEvent(eventName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[eventName]
	return ok
}

// GetHandlersForEvent returns a snapshot of the subscriptions for eventName in
// registration order, or nil if the name is unknown.
func (r *Registry) GetHandlersForEvent(eventName string) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs, ok := r.handlers[eventName]
	if !ok {
		return nil
	}
	return slices.Clone(subs)
}

// GetEventTypeByName returns the type recorded by a typed subscription.
func (r *Registry) GetEventTypeByName(eventName string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.eventTypes[eventName]
	return t, ok
}

// EventNames returns the registered event names in sorted order
func (r *Registry) EventNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Clear drops every entry without notifying listeners.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.handlers = make(map[string][]Info)
	r.eventTypes = make(map[string]reflect.Type)
	r.mu.Unlock()
}

// IsEmpty reports whether no event names are registered
func (r *Registry) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers) == 0
}
