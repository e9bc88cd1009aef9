// Package monitor exposes the bus status to health probes.
//
// The grpc subpackage serves the standard gRPC health protocol from a
// Reporter, which *eventbus.Bus implements. Nothing here touches the broker.
//
//	bus, _ := eventbus.NewBus(factory)
//	monitorgrpc.New(bus).Register(grpcServer)
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rbaliyan/eventbus"
)

// DefaultPollInterval is how often Watch samples the reporter
const DefaultPollInterval = time.Second

// Reporter returns the current bus status
type Reporter interface {
	Status(ctx context.Context) *eventbus.Status
}

var _ Reporter = (*eventbus.Bus)(nil)

// Watcher polls a Reporter and fans out every change of status code to its
// subscribers. Subscribers receive the current status first.
type Watcher struct {
	reporter     Reporter
	pollInterval time.Duration

	mu          sync.Mutex
	subscribers map[chan *eventbus.Status]struct{}
	last        *eventbus.Status
	done        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	started     bool
}

// NewWatcher creates a watcher. A non-positive interval uses DefaultPollInterval.
func NewWatcher(r Reporter, pollInterval time.Duration) *Watcher {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Watcher{
		reporter:     r,
		pollInterval: pollInterval,
		subscribers:  make(map[chan *eventbus.Status]struct{}),
		done:         make(chan struct{}),
	}
}

// Start begins polling until ctx is done or Stop is called
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.last = w.reporter.Status(ctx)
	w.mu.Unlock()

	w.wg.Add(1)
	go w.poll(ctx)
}

// Stop ends polling and closes every subscriber channel
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Watcher) poll(ctx context.Context) {
	defer w.wg.Done()
	defer w.closeAll()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
		}

		st := w.reporter.Status(ctx)
		w.mu.Lock()
		changed := w.last == nil || w.last.Code != st.Code
		w.last = st
		if changed {
			for sub := range w.subscribers {
				offer(sub, st)
			}
		}
		w.mu.Unlock()
	}
}

func (w *Watcher) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = false
	for sub := range w.subscribers {
		close(sub)
		delete(w.subscribers, sub)
	}
}

// Subscribe returns a channel of status changes. It is closed by Stop or
// Unsubscribe. A slow subscriber only sees the latest status.
func (w *Watcher) Subscribe() <-chan *eventbus.Status {
	sub := make(chan *eventbus.Status, 1)
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		close(sub)
		return sub
	}
	w.subscribers[sub] = struct{}{}
	if w.last != nil {
		sub <- w.last
	}
	return sub
}

// Unsubscribe stops delivery to a channel returned by Subscribe
func (w *Watcher) Unsubscribe(ch <-chan *eventbus.Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for sub := range w.subscribers {
		if sub == ch {
			close(sub)
			delete(w.subscribers, sub)
			return
		}
	}
}

// offer replaces an unread status with st
func offer(sub chan *eventbus.Status, st *eventbus.Status) {
	select {
	case sub <- st:
		return
	default:
	}
	select {
	case <-sub:
	default:
	}
	select {
	case sub <- st:
	default:
	}
}
