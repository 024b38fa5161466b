package observability

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"

	"github.com/Additional-Code/ordersync/internal/listener"
	"github.com/Additional-Code/ordersync/internal/realtime"
)

// Counter reports a size. *store.Store satisfies it.
type Counter interface {
	Len() int
}

// ConsoleMetrics observes the event channel phase and the cache size. The
// gauges are read on collection, so they cost nothing between scrapes.
type ConsoleMetrics struct {
	connected atomic.Int64
	attempt   atomic.Int64
}

// NewConsoleMetrics registers the console gauges on meter.
func NewConsoleMetrics(meter metric.Meter, orders Counter) (*ConsoleMetrics, error) {
	m := &ConsoleMetrics{}

	connected, err := meter.Int64ObservableGauge("ordersync.realtime.connected",
		metric.WithDescription("1 while the event channel is connected."))
	if err != nil {
		return nil, err
	}
	attempt, err := meter.Int64ObservableGauge("ordersync.realtime.reconnect_attempt",
		metric.WithDescription("Current reconnect attempt, 0 when not reconnecting."))
	if err != nil {
		return nil, err
	}
	cached, err := meter.Int64ObservableGauge("ordersync.store.orders",
		metric.WithDescription("Orders held in the local cache."))
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(connected, m.connected.Load())
		o.ObserveInt64(attempt, m.attempt.Load())
		o.ObserveInt64(cached, int64(orders.Len()))
		return nil
	}, connected, attempt, cached)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Bind follows connection-state on registry.
func (m *ConsoleMetrics) Bind(registry *listener.Registry) {
	registry.Add(listener.EventConnectionState, func(payload any) {
		change, ok := payload.(realtime.StateChange)
		if !ok {
			return
		}
		if change.To.Phase == realtime.PhaseConnected {
			m.connected.Store(1)
		} else {
			m.connected.Store(0)
		}
		m.attempt.Store(int64(change.To.Attempt))
	})
}
