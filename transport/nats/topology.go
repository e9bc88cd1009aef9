package nats

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rbaliyan/eventbus/transport"
)

// Topology errors
var (
	ErrExchangeNotFound   = errors.New("exchange not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrUnsupportedPattern = errors.New("unsupported binding pattern")
)

type binding struct {
	exchange string
	key      string
}

// topology holds exchanges, queues and bindings for every connection of a
// Factory, so they survive reconnects the way they would on a broker
type topology struct {
	mu        sync.Mutex
	exchanges map[string]transport.ExchangeKind
	queues    map[string][]binding
	consumers map[string][]*consumer
}

func newTopology() *topology {
	return &topology{
		exchanges: make(map[string]transport.ExchangeKind),
		queues:    make(map[string][]binding),
		consumers: make(map[string][]*consumer),
	}
}

func (t *topology) declareExchange(name string, kind transport.ExchangeKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", transport.ErrUnsupportedExchangeKind, kind)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.exchanges[name]; ok && existing != kind {
		return fmt.Errorf("%w: exchange %q already declared as %s", ErrPreconditionFailed, name, existing)
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

	kind, ok := t.exchanges[exchange]
	if !ok {
		return fmt.Errorf("%w: %q", ErrExchangeNotFound, exchange)
	}
	bindings, ok := t.queues[queue]
	if !ok {
		return fmt.Errorf("%w: %q", transport.ErrQueueNotFound, queue)
	}
	subject, err := subjectFor(kind, exchange, key)
	if err != nil {
		return err
	}

	b := binding{exchange: exchange, key: key}
	if slices.Contains(bindings, b) {
		return nil
	}
	t.queues[queue] = append(bindings, b)

	var errs []error
	for _, c := range t.consumers[queue] {
		errs = append(errs, c.subscribe(b, subject))
	}
	return errors.Join(errs...)
}

func (t *topology) unbind(queue, exchange, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := binding{exchange: exchange, key: key}
	t.queues[queue] = slices.DeleteFunc(t.queues[queue], func(x binding) bool { return x == b })
	for _, c := range t.consumers[queue] {
		c.unsubscribe(b)
	}
}

// attach subscribes c to every binding of its queue
func (t *topology) attach(c *consumer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	bindings, ok := t.queues[c.queue]
	if !ok {
		return fmt.Errorf("%w: %q", transport.ErrQueueNotFound, c.queue)
	}
	for _, b := range bindings {
		subject, err := subjectFor(t.exchanges[b.exchange], b.exchange, b.key)
		if err == nil {
			err = c.subscribe(b, subject)
		}
		if err != nil {
			c.stop()
			return err
		}
	}
	t.consumers[c.queue] = append(t.consumers[c.queue], c)
	return nil
}

func (t *topology) detach(c *consumer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumers[c.queue] = slices.DeleteFunc(t.consumers[c.queue], func(x *consumer) bool { return x == c })
}

// Bindings returns the routing keys bound to queue on exchange
func (f *Factory) Bindings(queue, exchange string) []string {
	f.topo.mu.Lock()
	defer f.topo.mu.Unlock()
	var keys []string
	for _, b := range f.topo.queues[queue] {
		if b.exchange == exchange {
			keys = append(keys, b.key)
		}
	}
	return keys
}

// subjectFor returns the subscription subject for a binding
func subjectFor(kind transport.ExchangeKind, exchange, key string) (string, error) {
	switch kind {
	case transport.Fanout:
		return exchange + ".>", nil
	case transport.Topic:
		words := strings.Split(key, ".")
		for i, w := range words {
			if w == "#" {
				if i != len(words)-1 {
					return "", fmt.Errorf("%w: %q", ErrUnsupportedPattern, key)
				}
				words[i] = ">"
			}
		}
		return exchange + "." + strings.Join(words, "."), nil
	default:
		return exchange + "." + key, nil
	}
}
