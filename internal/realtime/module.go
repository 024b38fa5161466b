package realtime

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/config"
	"github.com/Additional-Code/ordersync/internal/listener"
)

// Module wires the websocket transport and the connection manager.
var Module = fx.Provide(
	newTransportFromConfig,
	newManagerFromConfig,
)

func newTransportFromConfig(cfg config.Config, logger *zap.Logger) Transport {
	rt := cfg.Realtime
	return NewWebsocketTransport(rt.URL, rt.HandshakeTimeout, rt.PingInterval, logger)
}

// ManagerParams lists the dependencies of the connection manager.
type ManagerParams struct {
	fx.In

	Config    config.Config
	Transport Transport
	Handler   MessageHandler
	Registry  *listener.Registry
	Logger    *zap.Logger
}

func newManagerFromConfig(p ManagerParams) *Manager {
	rt := p.Config.Realtime
	return NewManager(Options{
		MaxAttempts:      rt.MaxAttempts,
		BaseDelay:        rt.BaseDelay,
		MaxDelay:         rt.MaxDelay,
		HandshakeTimeout: rt.HandshakeTimeout,
	}, p.Transport, p.Handler, p.Registry, p.Logger)
}
