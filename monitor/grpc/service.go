// Package grpc serves the bus status over the standard gRPC health protocol
// (grpc.health.v1.Health).
//
// Healthy and degraded buses report SERVING: a degraded bus reconnects on
// its next operation. A closed bus reports NOT_SERVING.
package grpc

import (
	"context"
	"time"

	"github.com/rbaliyan/eventbus"
	"github.com/rbaliyan/eventbus/monitor"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Service implements the gRPC health service for one bus.
type Service struct {
	healthpb.UnimplementedHealthServer
	reporter     monitor.Reporter
	name         string
	pollInterval time.Duration
}

// Option configures the service
type Option func(*Service)

// WithServiceName answers health checks for name in addition to the empty
// (whole server) service name
func WithServiceName(name string) Option {
	return func(s *Service) {
		s.name = name
	}
}

// WithPollInterval sets how often Watch samples the bus status
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// New creates a health service for the reporter, usually an *eventbus.Bus
func New(r monitor.Reporter, opts ...Option) *Service {
	s := &Service{
		reporter:     r,
		pollInterval: monitor.DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register registers the service with a gRPC server.
func (s *Service) Register(server grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(server, s)
}

func (s *Service) known(service string) bool {
	return service == "" || (s.name != "" && service == s.name)
}

// Check returns the serving status of the bus.
func (s *Service) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if !s.known(req.GetService()) {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	return &healthpb.HealthCheckResponse{Status: servingStatus(s.reporter.Status(ctx))}, nil
}

// Watch streams the serving status whenever it changes. Unknown services
// receive SERVICE_UNKNOWN once, as the health protocol requires.
func (s *Service) Watch(req *healthpb.HealthCheckRequest, stream healthpb.Health_WatchServer) error {
	if !s.known(req.GetService()) {
		return stream.Send(&healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVICE_UNKNOWN})
	}

	ctx := stream.Context()
	w := monitor.NewWatcher(s.reporter, s.pollInterval)
	w.Start(ctx)
	defer w.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for st := range w.Subscribe() {
		serving := servingStatus(st)
		if serving == last {
			continue
		}
		last = serving
		if err := stream.Send(&healthpb.HealthCheckResponse{Status: serving}); err != nil {
			return err
		}
	}
	return status.FromContextError(ctx.Err()).Err()
}

func servingStatus(st *eventbus.Status) healthpb.HealthCheckResponse_ServingStatus {
	switch st.Code {
	case eventbus.StatusHealthy, eventbus.StatusDegraded:
		return healthpb.HealthCheckResponse_SERVING
	case eventbus.StatusUnhealthy:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_UNKNOWN
}

// Compile-time interface check
var _ healthpb.HealthServer = (*Service)(nil)
