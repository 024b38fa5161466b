package app

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/agent"
	"github.com/Additional-Code/ordersync/internal/cache"
	"github.com/Additional-Code/ordersync/internal/changefeed"
	"github.com/Additional-Code/ordersync/internal/config"
	"github.com/Additional-Code/ordersync/internal/database"
	"github.com/Additional-Code/ordersync/internal/dispatcher"
	"github.com/Additional-Code/ordersync/internal/lifecycle"
	"github.com/Additional-Code/ordersync/internal/listener"
	"github.com/Additional-Code/ordersync/internal/logger"
	"github.com/Additional-Code/ordersync/internal/messaging"
	"github.com/Additional-Code/ordersync/internal/mutation"
	"github.com/Additional-Code/ordersync/internal/observability"
	"github.com/Additional-Code/ordersync/internal/realtime"
	repositoryorder "github.com/Additional-Code/ordersync/internal/repository/order"
	"github.com/Additional-Code/ordersync/internal/restapi"
	grpcserver "github.com/Additional-Code/ordersync/internal/server/grpc"
	httpserver "github.com/Additional-Code/ordersync/internal/server/http"
	"github.com/Additional-Code/ordersync/internal/session"
	"github.com/Additional-Code/ordersync/internal/snapshot"
	"github.com/Additional-Code/ordersync/internal/store"
	transporthttp "github.com/Additional-Code/ordersync/internal/transport/http"
	"github.com/Additional-Code/ordersync/internal/worker"
	workerorder "github.com/Additional-Code/ordersync/internal/worker/order"
)

// Core provides the foundational modules shared across executables.
var Core = fx.Options(
	config.Module,
	logger.Module,
	observability.Module,
	cache.Module,
	messaging.Module,
	fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: l.Named("fx")}
	}),
	fx.Invoke(func(*observability.Manager) {}),
)

// Persistence provides the snapshot database and repository.
var Persistence = fx.Options(
	database.Module,
	repositoryorder.Module,
)

// Console wires the order synchronization core: the event channel, the
// order cache and the command path into the REST API.
var Console = fx.Options(
	listener.Module,
	store.Module,
	dispatcher.Module,
	realtime.Module,
	restapi.Module,
	mutation.Module,
	agent.Module,
	lifecycle.Module,
	session.Module,
	changefeed.Module,
	fx.Provide(session.AsBinder(func(mgr *observability.Manager, s *store.Store) (*observability.ConsoleMetrics, error) {
		return observability.NewConsoleMetrics(mgr.ConsoleMeter(), s)
	})),
	fx.Invoke(func(*session.Session) {}),
)

// Ingest consumes relayed channel events from Kafka.
var Ingest = fx.Options(
	worker.Module,
	workerorder.Module,
)

// HTTP runs the console API with snapshots and ingest on top of the console
// core. snapshot precedes Console so the cache is hydrated before the session
// connects.
var HTTP = fx.Options(
	Core,
	Persistence,
	snapshot.Module,
	Console,
	Ingest,
	httpserver.Module,
	grpcserver.Module,
	transporthttp.Module,
)

// Worker is a headless sync node: event channel, ingest and snapshots.
var Worker = fx.Options(
	Core,
	Persistence,
	snapshot.Module,
	Console,
	Ingest,
)

// Watch is the minimal wiring for interactive commands; it needs no database.
var Watch = fx.Options(
	Core,
	Console,
)

// Module is the default application wiring.
var Module = HTTP
