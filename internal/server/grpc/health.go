package grpc

import (
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Additional-Code/ordersync/internal/listener"
	"github.com/Additional-Code/ordersync/internal/realtime"
)

// RealtimeService is the health service name tracking the event channel.
const RealtimeService = "ordersync.realtime"

// Health reports the event channel through the standard gRPC health service.
type Health struct {
	server *health.Server
	logger *zap.Logger
}

// NewHealth builds the health server with the event channel not serving.
func NewHealth(logger *zap.Logger) *Health {
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	srv.SetServingStatus(RealtimeService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Health{server: srv, logger: logger.With(zap.String("component", "grpc_health"))}
}

// Server exposes the underlying health server.
func (h *Health) Server() *health.Server {
	return h.server
}

// Bind tracks connection-state on registry: SERVING only while connected.
func (h *Health) Bind(registry *listener.Registry) {
	registry.Add(listener.EventConnectionState, func(payload any) {
		change, ok := payload.(realtime.StateChange)
		if !ok {
			return
		}
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if change.To.Phase == realtime.PhaseConnected {
			status = healthpb.HealthCheckResponse_SERVING
		}
		h.server.SetServingStatus(RealtimeService, status)
		h.logger.Debug("realtime health updated", zap.String("state", change.To.String()), zap.String("status", status.String()))
	})
}

// Shutdown marks every service NOT_SERVING.
func (h *Health) Shutdown() {
	h.server.Shutdown()
}
