// Package connection maintains the single persistent broker connection used
// by the event bus.
//
// The Manager owns the connection and its state machine:
//
//	Disconnected --TryConnect ok--> Connected
//	Connected    --shutdown/blocked/exception--> Disconnected --TryConnect--> Connected
//	any          --Close--> Disposed (terminal)
//
// Connection acquisition is serialized by one mutex so concurrent callers and
// broker callbacks never open duplicate connections. The current connection is
// published through an atomic pointer, so IsConnected never waits behind a
// retry in progress.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/eventbus/retry"
	"github.com/rbaliyan/eventbus/transport"
)

// Errors
var (
	ErrNotConnected    = errors.New("no broker connection is available to perform this action")
	ErrDisposed        = errors.New("connection manager is disposed")
	ErrFactoryRequired = errors.New("connection factory is required")
)

// State of the managed connection
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Disposed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// DefaultMaxRetries is the connect retry bound used when none is configured
var DefaultMaxRetries = 5

// current pairs a connection with the generation that created it, so
// callbacks from a superseded connection can be recognised and ignored.
type current struct {
	conn transport.Connection
	gen  uint64
}

// Manager owns one persistent broker connection.
type Manager struct {
	factory transport.Factory
	logger  *slog.Logger
	policy  *retry.Policy

	mu       sync.Mutex // serializes connection acquisition and release
	conn     atomic.Pointer[current]
	gen      uint64 // guarded by mu
	state    atomic.Int32
	disposed atomic.Bool

	// ctx is cancelled by Close to abort backoff waits.
	ctx    context.Context
	cancel context.CancelFunc

	maxRetries  int
	backoffUnit time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures a Manager
type Option func(*Manager)

// WithMaxRetries sets how many times a failed connect is retried
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

// WithBackoffUnit sets the exponential backoff unit (retry n waits unit*2^n)
func WithBackoffUnit(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.backoffUnit = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithSleep replaces the backoff wait. Intended for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) {
		if fn != nil {
			m.sleep = fn
		}
	}
}

// New creates a manager. No connection is attempted until TryConnect.
func New(factory transport.Factory, opts ...Option) (*Manager, error) {
	if factory == nil {
		return nil, ErrFactoryRequired
	}

	m := &Manager{
		factory:     factory,
		logger:      transport.Logger("connection"),
		maxRetries:  DefaultMaxRetries,
		backoffUnit: retry.DefaultUnit,
		sleep:       retry.Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.policy = retry.New(m.maxRetries,
		retry.WithBackoff(retry.Exponential(m.backoffUnit)),
		retry.WithRetryable(transport.IsRetryable),
		retry.WithSleep(m.sleep),
		retry.WithOnRetry(func(err error, wait time.Duration) {
			m.logger.Warn("broker connect failed, retrying", "error", err, "wait", wait)
		}),
	)
	m.state.Store(int32(Disconnected))
	return m, nil
}

// IsConnected reports whether a connection exists, the transport reports it
// open, and the manager has not been closed.
func (m *Manager) IsConnected() bool {
	if m.disposed.Load() {
		return false
	}
	cur := m.conn.Load()
	return cur != nil && cur.conn.IsOpen()
}

// State returns the current state. A connection the broker has dropped is
// reported as Disconnected as soon as it is observed closed.
func (m *Manager) State() State {
	s := State(m.state.Load())
	if s == Connected && !m.IsConnected() {
		return Disconnected
	}
	return s
}

// TryConnect establishes the connection if needed. It returns true
// immediately when already connected. Otherwise it blocks while retrying the
// factory with exponential backoff and returns false once retries are
// exhausted; callers must treat false as a hard failure.
func (m *Manager) TryConnect(ctx context.Context) bool {
	if m.disposed.Load() {
		return false
	}
	if m.IsConnected() {
		return true
	}

	m.logger.Info("broker client is trying to connect")

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another caller may have connected while we waited for the lock.
	if m.disposed.Load() {
		return false
	}
	if m.IsConnected() {
		return true
	}

	m.state.Store(int32(Connecting))
	m.releaseLocked()

	ctx, stop := mergeCancel(ctx, m.ctx)
	defer stop()

	var conn transport.Connection
	err := m.policy.Execute(ctx, func(ctx context.Context) error {
		c, err := m.factory.Connect(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})

	if err == nil && conn != nil && conn.IsOpen() && !m.disposed.Load() {
		m.gen++
		gen := m.gen
		conn.Notify(transport.Callbacks{
			OnShutdown: func(reason error) {
				m.reconnect(gen, "broker connection is on shutdown, trying to re-connect", "reason", reason)
			},
			OnBlocked: func(reason string) {
				m.reconnect(gen, "broker connection is blocked, trying to re-connect", "reason", reason)
			},
			OnException: func(cause error) {
				m.reconnect(gen, "broker connection threw an exception, trying to re-connect", "error", cause)
			},
		})
		m.conn.Store(&current{conn: conn, gen: gen})
		m.state.Store(int32(Connected))

		m.logger.Info("persistent connection acquired and subscribed to failure events",
			"endpoint", conn.Endpoint())
		return true
	}

	if conn != nil {
		// Connected but unusable, or disposed while connecting.
		if cerr := conn.Close(); cerr != nil {
			m.logger.Warn("failed to close unusable connection", "error", cerr)
		}
	}
	if m.disposed.Load() {
		m.state.Store(int32(Disposed))
	} else {
		m.state.Store(int32(Disconnected))
	}
	m.logger.Log(ctx, transport.LevelCritical,
		"FATAL ERROR: broker connections could not be created and opened",
		"retries", m.policy.MaxRetries(), "error", err)
	return false
}

// reconnect is the body of every broker callback. It goes through TryConnect,
// and therefore through the same lock, as any other caller.
func (m *Manager) reconnect(gen uint64, msg string, args ...any) {
	if m.disposed.Load() {
		return
	}
	if cur := m.conn.Load(); cur == nil || cur.gen != gen {
		m.logger.Debug("ignoring callback from superseded connection", "generation", gen)
		return
	}
	m.logger.Warn(msg, args...)
	m.TryConnect(m.ctx)
}

// releaseLocked drops a connection that is no longer open. Caller holds m.mu.
func (m *Manager) releaseLocked() {
	cur := m.conn.Swap(nil)
	if cur == nil {
		return
	}
	if err := cur.conn.Close(); err != nil && !errors.Is(err, transport.ErrConnectionClosed) {
		m.logger.Debug("closing dropped connection", "error", err)
	}
}

// CreateChannel opens a logical channel over the current connection.
// Returns ErrNotConnected if IsConnected is false at call time.
func (m *Manager) CreateChannel(ctx context.Context) (transport.Channel, error) {
	if m.disposed.Load() {
		return nil, ErrDisposed
	}
	cur := m.conn.Load()
	if cur == nil || !cur.conn.IsOpen() {
		return nil, ErrNotConnected
	}
	return cur.conn.OpenChannel(ctx)
}

// Endpoint returns the remote endpoint of the current connection, if any
func (m *Manager) Endpoint() string {
	if cur := m.conn.Load(); cur != nil {
		return cur.conn.Endpoint()
	}
	return ""
}

// Close marks the manager disposed and releases the connection. It is
// idempotent and never fails: close errors are logged.
func (m *Manager) Close() error {
	if !m.disposed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()
	m.state.Store(int32(Disposed))

	m.mu.Lock()
	cur := m.conn.Swap(nil)
	m.mu.Unlock()

	if cur != nil {
		if err := cur.conn.Close(); err != nil && !errors.Is(err, transport.ErrConnectionClosed) {
			m.logger.Log(context.Background(), transport.LevelCritical,
				"failed to close broker connection", "error", err)
		}
	}
	return nil
}

// mergeCancel returns a context that is cancelled when either parent is.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
