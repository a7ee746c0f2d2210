package api

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the HTTP API.
const ServiceName = "quantdesk.api"

// HealthServer serves the standard gRPC health checking protocol so load
// balancers and orchestrators can check quantdesk without speaking HTTP.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger
}

// NewHealthServer creates a HealthServer. Both the overall status and
// ServiceName start out NOT_SERVING.
func NewHealthServer(log *slog.Logger) *HealthServer {
	if log == nil {
		log = slog.Default()
	}
	h := &HealthServer{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		log:    log.With("component", "grpc-health"),
	}
	healthpb.RegisterHealthServer(h.grpc, h.health)
	h.SetServing(false)
	return h
}

// SetServing flips the overall status and ServiceName together.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Serve answers health checks on lis until ctx is cancelled. Watchers are
// told NOT_SERVING before the server stops.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		h.health.Shutdown()
		h.grpc.GracefulStop()
	}()

	h.log.Info("listening", "addr", lis.Addr().String())
	err := h.grpc.Serve(lis)
	if ctx.Err() != nil {
		<-stopped
	}
	if err == nil || errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and calls Serve.
func (h *HealthServer) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.Serve(ctx, lis)
}
