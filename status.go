package eventbus

import (
	"context"
	"errors"
	"time"

	"github.com/rbaliyan/eventbus/connection"
)

// StatusCode represents the health state of the bus
type StatusCode string

const (
	// StatusHealthy indicates the bus is connected to its broker
	StatusHealthy StatusCode = "healthy"
	// StatusDegraded indicates the bus is usable but currently disconnected;
	// the next operation reconnects
	StatusDegraded StatusCode = "degraded"
	// StatusUnhealthy indicates the bus is closed
	StatusUnhealthy StatusCode = "unhealthy"
)

// Status contains detailed status information for the bus
type Status struct {
	Code       StatusCode         `json:"status"`
	Message    string             `json:"message,omitempty"`
	Details    map[string]any     `json:"details,omitempty"`
	Components map[string]*Status `json:"components,omitempty"`
	CheckedAt  time.Time          `json:"checked_at"`
}

// IsHealthy returns true if the status code is healthy
func (s *Status) IsHealthy() bool {
	return s.Code == StatusHealthy
}

// Status returns the bus and connection state for monitoring dashboards.
// It never touches the broker.
func (b *Bus) Status(ctx context.Context) *Status {
	now := time.Now()
	result := &Status{
		CheckedAt: now,
		Details: map[string]any{
			"bus_id":   b.id,
			"exchange": b.exchange,
			"queue":    b.queue,
		},
		Components: make(map[string]*Status),
	}

	if !b.Running() {
		result.Code = StatusUnhealthy
		result.Message = "bus is closed"
		return result
	}

	result.Details["events"] = len(b.registry.EventNames())
	result.Details["consuming"] = b.Consuming()

	state := b.conn.State()
	conn := &Status{
		Details: map[string]any{
			"state":    state.String(),
			"endpoint": b.conn.Endpoint(),
		},
		CheckedAt: now,
	}
	switch state {
	case connection.Connected:
		conn.Code = StatusHealthy
		conn.Message = "connected"
		result.Code = StatusHealthy
		result.Message = "bus is healthy"
	case connection.Disposed:
		conn.Code = StatusUnhealthy
		conn.Message = "connection manager is disposed"
		result.Code = StatusUnhealthy
		result.Message = "connection is unhealthy"
	default:
		conn.Code = StatusDegraded
		conn.Message = state.String()
		result.Code = StatusDegraded
		result.Message = "broker is not connected"
	}
	result.Components["connection"] = conn
	return result
}

// Health performs a health check suitable for health probes.
// Returns nil if the bus is usable, or an error describing the issue.
func (b *Bus) Health(ctx context.Context) error {
	status := b.Status(ctx)
	if status.Code == StatusUnhealthy {
		return errors.New(status.Message)
	}
	return nil
}
