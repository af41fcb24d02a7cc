package httpapi

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"relaygate.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCHealthServer exposes readiness over the standard gRPC health protocol
// for load balancers that probe gRPC instead of HTTP.
type GRPCHealthServer struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
}

// NewGRPCHealthServer creates the health service wrapper.
func NewGRPCHealthServer(r readinessChecker) *GRPCHealthServer {
	return &GRPCHealthServer{readiness: r}
}

// Check evaluates readiness.
func (s *GRPCHealthServer) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if s.readiness != nil {
		if err := s.readiness.Check(ctx); err != nil {
			obs.SetReady(false)
			return &healthpb.HealthCheckResponse{
				Status: healthpb.HealthCheckResponse_NOT_SERVING,
			}, nil
		}
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{
		Status: healthpb.HealthCheckResponse_SERVING,
	}, nil
}

// Watch is not supported; probes should poll Check.
func (s *GRPCHealthServer) Watch(_ *healthpb.HealthCheckRequest, _ healthpb.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "health watch is not supported")
}
