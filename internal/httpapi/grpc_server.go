package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Crypto-SI/wafflepayment/internal/obs"
)

// GRPCServer serves grpc.health.v1 for the process. Status follows the
// readiness checker and is refreshed by Watch.
type GRPCServer struct {
	health    *health.Server
	readiness Checker
	version   string
}

func NewGRPCServer(r Checker, version string) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	s := &GRPCServer{
		health:    health.NewServer(),
		readiness: r,
		version:   version,
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Refresh runs the readiness check once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) bool {
	status := healthpb.HealthCheckResponse_SERVING
	err := s.readiness.Check(ctx)
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		obs.Logger().Warn("readiness check failed", zap.Error(err), zap.String("version", s.version))
	}
	obs.SetReady(err == nil)
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
	return err == nil
}

// Watch refreshes the status every interval until ctx is done, then reports NOT_SERVING.
func (s *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-t.C:
			s.Refresh(ctx)
		}
	}
}
