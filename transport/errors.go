package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// IsRetryable reports whether err is a transient network or broker-unreachable
// failure worth retrying. Everything else, including context cancellation,
// is treated as permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	// context.DeadlineExceeded satisfies net.Error; keep it permanent.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrBrokerUnreachable) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Unreachable wraps err so that it matches ErrBrokerUnreachable.
// Adapters use it for dial and handshake failures.
func Unreachable(endpoint string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrBrokerUnreachable, endpoint, err)
}
