// Package health exposes readiness and leadership over the standard gRPC
// health protocol so load balancers and orchestrators can probe the engine.
package health

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// LeaderService is the service name whose status follows the lease.
const LeaderService = "execution.leader"

// Probes are polled on every refresh.
type Probes struct {
	Ready  func() bool
	Leader func() bool
}

type Server struct {
	probes   Probes
	interval time.Duration
	log      *zap.Logger
	hs       *grpchealth.Server
	grpc     *grpc.Server
}

func NewServer(p Probes, interval time.Duration, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	hs := grpchealth.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)
	s := &Server{probes: p, interval: interval, log: log, hs: hs, grpc: gs}
	s.Refresh()
	return s
}

// Health returns the underlying health server, mainly for in-process checks.
func (s *Server) Health() healthpb.HealthServer { return s.hs }

// Refresh pushes the current probe results into the health server.
func (s *Server) Refresh() {
	s.hs.SetServingStatus("", status(s.probes.Ready))
	s.hs.SetServingStatus(LeaderService, status(s.probes.Leader))
}

func status(probe func() bool) healthpb.HealthCheckResponse_ServingStatus {
	if probe != nil && probe() {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go s.poll(ctx)
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("grpc health listening", zap.String("addr", addr))
		errCh <- s.grpc.Serve(lis)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.hs.Shutdown()
		s.grpc.GracefulStop()
		return nil
	}
}

func (s *Server) poll(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh()
		}
	}
}
