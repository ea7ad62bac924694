package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/ctrlbridge/internal/actuation"
	"github.com/banshee-data/ctrlbridge/internal/timeutil"
)

// HealthService is the gRPC service name whose status tracks the
// actuation link.
const HealthService = "ctrlbridge.Actuation"

// DefaultHealthInterval is how often the link state is sampled.
const DefaultHealthInterval = time.Second

// Health publishes the actuation link state through the standard gRPC
// health protocol. The link counts as serving unless it is Disconnected.
type Health struct {
	state    func() actuation.State
	server   *health.Server
	clock    timeutil.Clock
	interval time.Duration
}

func NewHealth(state func() actuation.State, clock timeutil.Clock) *Health {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	h := &Health{
		state:    state,
		server:   health.NewServer(),
		clock:    clock,
		interval: DefaultHealthInterval,
	}
	h.Update()
	return h
}

// Server exposes the underlying health implementation.
func (h *Health) Server() *health.Server { return h.server }

// Update samples the link state once and returns the status it set.
func (h *Health) Update() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if h.state() == actuation.Disconnected {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(HealthService, status)
	return status
}

// Run samples the link state until ctx is cancelled, then marks every
// service NOT_SERVING.
func (h *Health) Run(ctx context.Context) {
	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C():
			h.Update()
		}
	}
}

// Serve listens on addr and answers health checks until ctx is cancelled.
func (h *Health) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc health listen %s: %w", addr, err)
	}
	return h.serveListener(ctx, lis)
}

func (h *Health) serveListener(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h.server)

	errc := make(chan error, 1)
	go func() {
		log.Printf("gRPC health listening on %s", lis.Addr())
		errc <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		srv.GracefulStop()
		<-errc
		return nil
	case err := <-errc:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}
