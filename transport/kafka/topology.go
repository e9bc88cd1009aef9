package kafka

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rbaliyan/eventbus/transport"
)

type binding struct {
	exchange string
	key      string
}

// topology holds exchange kinds and queue bindings for every connection of
// a Factory. Kafka stores neither, so consumers filter records with it.
type topology struct {
	mu        sync.RWMutex
	exchanges map[string]transport.ExchangeKind
	queues    map[string][]binding
}

func newTopology() *topology {
	return &topology{
		exchanges: make(map[string]transport.ExchangeKind),
		queues:    make(map[string][]binding),
	}
}

func (t *topology) declareExchange(name string, kind transport.ExchangeKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", transport.ErrUnsupportedExchangeKind, kind)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.exchanges[name]; ok && existing != kind {
		return fmt.Errorf("exchange %q already declared as %s", name, existing)
	}
	t.exchanges[name] = kind
	return nil
}

func (t *topology) declareQueue(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.queues[name]; !ok {
		t.queues[name] = nil
	}
}

func (t *topology) bind(queue, exchange, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.exchanges[exchange]; !ok {
		return fmt.Errorf("%w: %q", ErrExchangeNotFound, exchange)
	}
	bindings, ok := t.queues[queue]
	if !ok {
		return fmt.Errorf("%w: %q", transport.ErrQueueNotFound, queue)
	}
	b := binding{exchange: exchange, key: key}
	if !slices.Contains(bindings, b) {
		t.queues[queue] = append(bindings, b)
	}
	return nil
}

func (t *topology) unbind(queue, exchange, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := binding{exchange: exchange, key: key}
	t.queues[queue] = slices.DeleteFunc(t.queues[queue], func(x binding) bool { return x == b })
}

// exchangesOf returns the exchanges a queue is bound to, or every declared
// exchange when it has no bindings yet
func (t *topology) exchangesOf(queue string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bindings, ok := t.queues[queue]
	if !ok {
		return nil, fmt.Errorf("%w: %q", transport.ErrQueueNotFound, queue)
	}
	var out []string
	for _, b := range bindings {
		if !slices.Contains(out, b.exchange) {
			out = append(out, b.exchange)
		}
	}
	if len(out) == 0 {
		for name := range t.exchanges {
			out = append(out, name)
		}
		slices.Sort(out)
	}
	return out, nil
}

// accepts reports whether a record with key on exchange follows one of the
// queue's bindings
func (t *topology) accepts(queue, exchange, key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	kind := t.exchanges[exchange]
	for _, b := range t.queues[queue] {
		if b.exchange == exchange && transport.Routes(kind, b.key, key) {
			return true
		}
	}
	return false
}
