package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/eventbus"
)

// fakeReporter returns whatever code was set last
type fakeReporter struct {
	mu   sync.Mutex
	code eventbus.StatusCode
}

func (r *fakeReporter) set(code eventbus.StatusCode) {
	r.mu.Lock()
	r.code = code
	r.mu.Unlock()
}

func (r *fakeReporter) Status(context.Context) *eventbus.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &eventbus.Status{Code: r.code, CheckedAt: time.Now()}
}

func next(t *testing.T, ch <-chan *eventbus.Status) *eventbus.Status {
	t.Helper()
	select {
	case st, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return st
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for status")
	}
	return nil
}

func TestWatcher(t *testing.T) {
	r := &fakeReporter{code: eventbus.StatusHealthy}
	w := NewWatcher(r, 5*time.Millisecond)
	w.Start(context.Background())
	defer w.Stop()

	sub := w.Subscribe()
	if st := next(t, sub); st.Code != eventbus.StatusHealthy {
		t.Errorf("expected current status first, got %s", st.Code)
	}

	r.set(eventbus.StatusDegraded)
	if st := next(t, sub); st.Code != eventbus.StatusDegraded {
		t.Errorf("expected degraded, got %s", st.Code)
	}

	r.set(eventbus.StatusUnhealthy)
	if st := next(t, sub); st.Code != eventbus.StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", st.Code)
	}

	t.Run("unsubscribe closes channel", func(t *testing.T) {
		other := w.Subscribe()
		next(t, other)
		w.Unsubscribe(other)
		if _, ok := <-other; ok {
			t.Error("expected closed channel")
		}
	})

	t.Run("stop closes subscribers", func(t *testing.T) {
		w.Stop()
		for range sub {
		}
		if _, ok := <-w.Subscribe(); ok {
			t.Error("expected closed channel after Stop")
		}
	})
}

func TestWatcherStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWatcher(&fakeReporter{code: eventbus.StatusHealthy}, 5*time.Millisecond)
	w.Start(ctx)
	sub := w.Subscribe()
	next(t, sub)

	cancel()
	select {
	case _, ok := <-sub:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not closed")
	}
	w.Stop()
}

func TestNewWatcherDefaults(t *testing.T) {
	w := NewWatcher(&fakeReporter{}, 0)
	if w.pollInterval != DefaultPollInterval {
		t.Errorf("expected %v, got %v", DefaultPollInterval, w.pollInterval)
	}
}
