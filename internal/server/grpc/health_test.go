package grpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Additional-Code/ordersync/internal/listener"
	"github.com/Additional-Code/ordersync/internal/realtime"
)

func realtimeStatus(t *testing.T, h *Health) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := h.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: RealtimeService})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealth_TracksConnectionState(t *testing.T) {
	registry := listener.New(zap.NewNop())
	h := NewHealth(zap.NewNop())
	h.Bind(registry)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, realtimeStatus(t, h))

	connected := realtime.State{Phase: realtime.PhaseConnected}
	registry.Notify(listener.EventConnectionState, realtime.StateChange{
		From: realtime.State{Phase: realtime.PhaseConnecting},
		To:   connected,
	})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, realtimeStatus(t, h))

	registry.Notify(listener.EventConnectionState, realtime.StateChange{
		From: connected,
		To:   realtime.State{Phase: realtime.PhaseReconnecting, Attempt: 1},
	})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, realtimeStatus(t, h))

	resp, err := h.Server().Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestNewServer_RegistersHealth(t *testing.T) {
	srv := NewServer(NewHealth(zap.NewNop()), zap.NewNop())
	info := srv.GetServiceInfo()
	_, ok := info[healthpb.Health_ServiceDesc.ServiceName]
	assert.True(t, ok)
}
