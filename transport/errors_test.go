package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("access refused"), false},
		{"broker unreachable", ErrBrokerUnreachable, true},
		{"wrapped unreachable", Unreachable("amqp://localhost", errors.New("dial failed")), true},
		{"connection refused", &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, true},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"dns error", &net.DNSError{Err: "no such host", Name: "broker"}, true},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", fmt.Errorf("dial: %w", context.DeadlineExceeded), false},
		{"connection closed", ErrConnectionClosed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestUnreachable(t *testing.T) {
	if Unreachable("x", nil) != nil {
		t.Error("expected nil for nil cause")
	}

	cause := errors.New("dial tcp: i/o timeout")
	err := Unreachable("amqp://broker:5672", cause)
	if !errors.Is(err, ErrBrokerUnreachable) {
		t.Error("expected ErrBrokerUnreachable")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause preserved")
	}
}

func TestDelivery(t *testing.T) {
	var acked, nacked, requeued bool
	d := NewDelivery("OrderPlaced", []byte("{}"),
		func() error { acked = true; return nil },
		func(requeue bool) error { nacked, requeued = true, requeue; return nil },
	)
	if d.RoutingKey != "OrderPlaced" {
		t.Errorf("unexpected routing key %q", d.RoutingKey)
	}
	if err := d.Ack(); err != nil || !acked {
		t.Errorf("Ack: err=%v acked=%v", err, acked)
	}
	if err := d.Nack(true); err != nil || !nacked || !requeued {
		t.Errorf("Nack: err=%v nacked=%v requeued=%v", err, nacked, requeued)
	}

	bare := NewDelivery("k", nil, nil, nil)
	if bare.Ack() != nil || bare.Nack(false) != nil {
		t.Error("expected nil from deliveries without callbacks")
	}
}

func TestExchangeKind(t *testing.T) {
	for _, k := range []ExchangeKind{Direct, Topic, Fanout} {
		if !k.Valid() {
			t.Errorf("%q should be valid", k)
		}
	}
	if ExchangeKind("headers").Valid() {
		t.Error("headers should be invalid")
	}
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	if a == "" || a == b {
		t.Errorf("expected distinct ids, got %q and %q", a, b)
	}
}
