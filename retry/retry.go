// Package retry provides a bounded retry policy with exponential backoff.
//
// A Policy wraps any operation:
//
//	p := retry.New(5,
//	    retry.WithBackoff(retry.Exponential(time.Second)),
//	    retry.WithRetryable(transport.IsRetryable),
//	    retry.WithOnRetry(func(err error, wait time.Duration) {
//	        logger.Warn("retrying", "error", err, "wait", wait)
//	    }),
//	)
//	err := p.Execute(ctx, func(ctx context.Context) error {
//	    return dial(ctx)
//	})
//
// Retry n (1-based) waits backoff(n) before running the operation again. After
// maxRetries retries the last error is returned unmodified.
package retry

import (
	"context"
	"errors"
	"time"
)

// BackoffFunc returns the wait before retry number attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

// Exponential returns a backoff of unit * 2^attempt.
func Exponential(unit time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		// 2^62 overflows Duration for any unit above 1ns; clamp well below.
		if attempt > 30 {
			attempt = 30
		}
		return unit * time.Duration(uint64(1)<<uint(attempt))
	}
}

// DefaultUnit is the backoff time unit used when none is configured.
const DefaultUnit = time.Second

// Policy executes operations with bounded retries.
// A Policy is immutable after New and safe for concurrent use.
type Policy struct {
	maxRetries int
	backoff    BackoffFunc
	retryable  func(error) bool
	onRetry    func(err error, wait time.Duration)
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Policy
type Option func(*Policy)

// WithBackoff sets the backoff function. Default: Exponential(DefaultUnit).
func WithBackoff(fn BackoffFunc) Option {
	return func(p *Policy) {
		if fn != nil {
			p.backoff = fn
		}
	}
}

// WithRetryable sets the predicate selecting retryable errors.
// Default: every error is retryable.
func WithRetryable(fn func(error) bool) Option {
	return func(p *Policy) {
		if fn != nil {
			p.retryable = fn
		}
	}
}

// WithOnRetry sets a callback invoked once per failed attempt that is about to
// be retried. It is for observability only.
func WithOnRetry(fn func(err error, wait time.Duration)) Option {
	return func(p *Policy) {
		if fn != nil {
			p.onRetry = fn
		}
	}
}

// WithSleep replaces the wait implementation. Tests use it to record waits
// without sleeping.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// New creates a policy allowing up to maxRetries retries after the first attempt.
// Negative values are treated as zero.
func New(maxRetries int, opts ...Option) *Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	p := &Policy{
		maxRetries: maxRetries,
		backoff:    Exponential(DefaultUnit),
		retryable:  func(error) bool { return true },
		onRetry:    func(error, time.Duration) {},
		sleep:      Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxRetries returns the retry bound.
func (p *Policy) MaxRetries() int {
	return p.maxRetries
}

// Execute runs op, retrying retryable failures.
// Non-retryable errors and the error of the final attempt are returned as is.
// If ctx is cancelled while waiting, the last operation error is returned
// joined with ctx.Err().
func (p *Policy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.maxRetries || !p.retryable(err) {
			return err
		}

		wait := p.backoff(attempt + 1)
		p.onRetry(err, wait)
		if serr := p.sleep(ctx, wait); serr != nil {
			return errors.Join(err, serr)
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
