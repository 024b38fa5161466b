package connection

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/session"
)

// Module wires the connection and event stream handlers.
var Module = fx.Options(
	fx.Provide(func(s *session.Session, logger *zap.Logger) *Handler {
		return NewHandler(s, logger)
	}),
	fx.Invoke(func(e *echo.Echo, h *Handler) {
		Register(e, h)
	}),
)
