package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GateServiceName is the health-check service name reported for the gate.
const GateServiceName = "paygate.Gate"

// NewGRPCServer creates a gRPC server with standard interceptors and
// registers the health service and reflection. The returned health server
// starts SERVING; WatchHealth keeps it in step with the gate.
func NewGRPCServer(authToken string, logger *slog.Logger) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor,
			LoggingInterceptor(logger),
			AuthInterceptor(authToken),
		),
		grpc.ChainStreamInterceptor(
			StreamRecoveryInterceptor,
			StreamAuthInterceptor(authToken),
		),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(GateServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return srv, hs
}

// WatchHealth reports the gate NOT_SERVING once it runs degraded. The
// overall ("") status stays SERVING: the process still answers and keeps
// state in memory. It blocks until ctx is cancelled.
func (s *Server) WatchHealth(ctx context.Context, hs *health.Server, interval time.Duration) {
	s.syncHealth(hs)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			s.syncHealth(hs)
		}
	}
}

func (s *Server) syncHealth(hs *health.Server) {
	st := healthpb.HealthCheckResponse_SERVING
	if s.gate.Degraded() {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus(GateServiceName, st)
}
