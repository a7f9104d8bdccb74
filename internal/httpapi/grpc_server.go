package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"insightdash.io/internal/obs"
)

// GRPCServer exposes the standard gRPC health service and mirrors the HTTP
// readiness probe into it.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
	version   string
}

// NewGRPCServer creates the health service wrapper. Both the overall ("")
// and the named service start NOT_SERVING until the first Sync.
func NewGRPCServer(r readinessChecker, version string) *GRPCServer {
	s := &GRPCServer{
		health:    health.NewServer(),
		readiness: r,
		version:   version,
	}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register installs the health service on srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Sync runs the readiness probe once and publishes the result.
func (s *GRPCServer) Sync(ctx context.Context) bool {
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		obs.Logger().WarnContext(ctx, "grpc_not_ready", "error", err.Error())
		return false
	}
	obs.SetReady(true)
	s.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Run syncs every interval until ctx ends, then reports NOT_SERVING.
func (s *GRPCServer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s.Sync(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.Sync(ctx)
		}
	}
}

func (s *GRPCServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
}

// UnaryLogger logs every unary call in the request_complete shape.
func UnaryLogger(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	attrs := []any{
		"method", info.FullMethod,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if err != nil {
		attrs = append(attrs, "error", err.Error())
	}
	obs.Logger().InfoContext(ctx, "grpc_complete", attrs...)
	return resp, err
}
