package http

import (
	"go.uber.org/fx"

	connectiontransport "github.com/Additional-Code/ordersync/internal/transport/http/connection"
	ordertransport "github.com/Additional-Code/ordersync/internal/transport/http/order"
)

// Module aggregates all HTTP transport handlers.
var Module = fx.Options(
	ordertransport.Module,
	connectiontransport.Module,
)
