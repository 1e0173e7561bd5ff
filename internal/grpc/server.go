// Package grpcserver runs the internal gRPC listener that exposes health.
package grpcserver

import (
	"log/slog"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"chat-realtime/internal/observability"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "chat.realtime"

type Server struct {
	srv    *gogrpc.Server
	health *health.Server
	log    *slog.Logger
}

func NewServer(log *slog.Logger) *Server {
	srv := gogrpc.NewServer(
		gogrpc.StatsHandler(otelgrpc.NewServerHandler()),
		gogrpc.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)

	s := &Server{srv: srv, health: hs, log: log}
	s.SetServing(true)
	return s
}

// SetServing flips the reported status of both the overall and named service.
func (s *Server) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("grpc server listening", slog.String("addr", lis.Addr().String()))
	if err := s.srv.Serve(lis); err != nil && err != gogrpc.ErrServerStopped {
		return err
	}
	return nil
}

// Stop reports NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}
