package grpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/eventbus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

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
	return &eventbus.Status{Code: r.code}
}

// fakeWatchStream records responses sent by Watch
type fakeWatchStream struct {
	grpc.ServerStream
	ctx  context.Context
	sent chan *healthpb.HealthCheckResponse
}

func (s *fakeWatchStream) Context() context.Context {
	return s.ctx
}

func (s *fakeWatchStream) Send(resp *healthpb.HealthCheckResponse) error {
	s.sent <- resp
	return nil
}

func TestServiceNew(t *testing.T) {
	svc := New(&fakeReporter{}, WithPollInterval(50*time.Millisecond), WithServiceName("orders"))
	if svc.pollInterval != 50*time.Millisecond {
		t.Errorf("expected poll interval 50ms, got %v", svc.pollInterval)
	}
	if svc.name != "orders" {
		t.Errorf("expected service name orders, got %q", svc.name)
	}
}

func TestServiceCheck(t *testing.T) {
	ctx := context.Background()
	r := &fakeReporter{code: eventbus.StatusHealthy}
	svc := New(r, WithServiceName("orders"))

	tests := []struct {
		code eventbus.StatusCode
		want healthpb.HealthCheckResponse_ServingStatus
	}{
		{eventbus.StatusHealthy, healthpb.HealthCheckResponse_SERVING},
		{eventbus.StatusDegraded, healthpb.HealthCheckResponse_SERVING},
		{eventbus.StatusUnhealthy, healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			r.set(tt.code)
			for _, name := range []string{"", "orders"} {
				resp, err := svc.Check(ctx, &healthpb.HealthCheckRequest{Service: name})
				if err != nil {
					t.Fatalf("Check(%q) failed: %v", name, err)
				}
				if resp.GetStatus() != tt.want {
					t.Errorf("Check(%q) = %v, want %v", name, resp.GetStatus(), tt.want)
				}
			}
		})
	}

	t.Run("unknown service", func(t *testing.T) {
		_, err := svc.Check(ctx, &healthpb.HealthCheckRequest{Service: "billing"})
		if status.Code(err) != codes.NotFound {
			t.Errorf("expected NotFound, got %v", err)
		}
	})
}

func TestServiceWatch(t *testing.T) {
	r := &fakeReporter{code: eventbus.StatusHealthy}
	svc := New(r, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	stream := &fakeWatchStream{ctx: ctx, sent: make(chan *healthpb.HealthCheckResponse, 8)}
	errc := make(chan error, 1)
	go func() {
		errc <- svc.Watch(&healthpb.HealthCheckRequest{}, stream)
	}()

	expect := func(want healthpb.HealthCheckResponse_ServingStatus) {
		t.Helper()
		select {
		case resp := <-stream.sent:
			if resp.GetStatus() != want {
				t.Errorf("expected %v, got %v", want, resp.GetStatus())
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %v", want)
		}
	}

	expect(healthpb.HealthCheckResponse_SERVING)
	// degraded still serves, so nothing is sent
	r.set(eventbus.StatusDegraded)
	time.Sleep(20 * time.Millisecond)
	r.set(eventbus.StatusUnhealthy)
	expect(healthpb.HealthCheckResponse_NOT_SERVING)

	cancel()
	select {
	case err := <-errc:
		if status.Code(err) != codes.Canceled {
			t.Errorf("expected Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return")
	}
	if len(stream.sent) != 0 {
		t.Errorf("unexpected extra responses: %d", len(stream.sent))
	}
}

func TestServiceWatchUnknown(t *testing.T) {
	svc := New(&fakeReporter{code: eventbus.StatusHealthy})
	stream := &fakeWatchStream{ctx: context.Background(), sent: make(chan *healthpb.HealthCheckResponse, 1)}
	if err := svc.Watch(&healthpb.HealthCheckRequest{Service: "billing"}, stream); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if resp := <-stream.sent; resp.GetStatus() != healthpb.HealthCheckResponse_SERVICE_UNKNOWN {
		t.Errorf("expected SERVICE_UNKNOWN, got %v", resp.GetStatus())
	}
}
