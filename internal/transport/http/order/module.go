package order

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/Additional-Code/ordersync/internal/lifecycle"
	"github.com/Additional-Code/ordersync/internal/session"
	"github.com/Additional-Code/ordersync/internal/store"
)

// Module wires HTTP order handlers.
var Module = fx.Options(
	fx.Provide(func(s *store.Store, m *lifecycle.Machine, sess *session.Session) *Handler {
		return NewHandler(s, m, sess)
	}),
	fx.Invoke(func(e *echo.Echo, h *Handler) {
		Register(e, h)
	}),
)
