package eventbus

import (
	"context"
	"testing"

	"github.com/rbaliyan/eventbus/transport/memory"
)

func TestStatus(t *testing.T) {
	ctx := context.Background()
	broker := memory.New(memory.WithEndpoint("memory://status"))
	bus, _ := newTestBus(t, broker)

	status := bus.Status(ctx)
	if status.Code != StatusDegraded || status.IsHealthy() {
		t.Errorf("expected degraded before connecting, got %s", status.Code)
	}
	if err := bus.Health(ctx); err != nil {
		t.Errorf("expected a disconnected bus to pass health, got %v", err)
	}

	if err := bus.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	status = bus.Status(ctx)
	if !status.IsHealthy() {
		t.Errorf("expected healthy, got %s: %s", status.Code, status.Message)
	}
	conn := status.Components["connection"]
	if conn == nil || conn.Details["endpoint"] != "memory://status" || conn.Details["state"] != "connected" {
		t.Errorf("unexpected connection status %+v", conn)
	}
	if status.Details["exchange"] != testExchange || status.Details["queue"] != testQueue {
		t.Errorf("unexpected details %v", status.Details)
	}

	broker.Shutdown(nil)
	if bus.Status(ctx).Code == StatusUnhealthy {
		t.Error("expected a dropped connection to degrade, not fail, the bus")
	}

	bus.Close(ctx)
	status = bus.Status(ctx)
	if status.Code != StatusUnhealthy || status.Message != "bus is closed" {
		t.Errorf("expected unhealthy after close, got %s: %s", status.Code, status.Message)
	}
	if err := bus.Health(ctx); err == nil || err.Error() != "bus is closed" {
		t.Errorf("expected health error, got %v", err)
	}
}
