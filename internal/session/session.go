package session

import (
	"context"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/config"
	"github.com/Additional-Code/ordersync/internal/listener"
	"github.com/Additional-Code/ordersync/internal/realtime"
)

// Binder installs long-lived listeners. They are installed when the session is
// built and again every time a disconnect clears the registry, so they see
// store changes whether or not the event channel is up.
type Binder interface {
	Bind(registry *listener.Registry)
}

// BinderFunc adapts a function to Binder.
type BinderFunc func(registry *listener.Registry)

func (f BinderFunc) Bind(registry *listener.Registry) { f(registry) }

// Connection is the part of the connection manager a session drives.
type Connection interface {
	Connect(token string) error
	Disconnect()
	State() realtime.State
	JoinOrder(orderID string) error
}

// Session owns the event channel connection for the console process.
type Session struct {
	conn     Connection
	registry *listener.Registry
	binders  []Binder
	logger   *zap.Logger

	mu    sync.Mutex
	token string
}

// Params lists the dependencies of a session.
type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Manager   *realtime.Manager
	Registry  *listener.Registry
	Logger    *zap.Logger
	Binders   []Binder `group:"binders"`
}

// Module provides the session and connects it on start when configured to.
var Module = fx.Provide(NewFromParams)

// AsBinder annotates a constructor so its result joins the binders group.
func AsBinder(constructor any) any {
	return fx.Annotate(constructor, fx.As(new(Binder)), fx.ResultTags(`group:"binders"`))
}

// NewFromParams builds the session and registers its lifecycle hooks.
func NewFromParams(p Params) *Session {
	s := New(p.Manager, p.Registry, p.Logger, p.Binders...)
	s.token = p.Config.Realtime.Token

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if !p.Config.Realtime.AutoConnect {
				return nil
			}
			if s.token == "" {
				s.logger.Warn("auto connect skipped; REALTIME_TOKEN is empty")
				return nil
			}
			return s.Connect("")
		},
		OnStop: func(context.Context) error {
			s.Disconnect()
			return nil
		},
	})
	return s
}

// New builds a session around conn.
func New(conn Connection, registry *listener.Registry, logger *zap.Logger, binders ...Binder) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		conn:     conn,
		registry: registry,
		binders:  binders,
		logger:   logger.With(zap.String("component", "session")),
	}
	s.bind()
	return s
}

// Connect opens the event channel. An empty token reuses the last one.
func (s *Session) Connect(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token == "" {
		token = s.token
	}
	if token == "" {
		return realtime.ErrMissingToken
	}

	if s.conn.State().Phase != realtime.PhaseDisconnected {
		s.conn.Disconnect()
		s.bind()
	}

	if err := s.conn.Connect(token); err != nil {
		return err
	}
	s.token = token
	s.logger.Info("event channel session started", zap.Int("binders", len(s.binders)))
	return nil
}

// Disconnect closes the event channel and drops every listener except the
// binders, which are installed again straight away.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.Disconnect()
	s.bind()
}

func (s *Session) bind() {
	for _, b := range s.binders {
		b.Bind(s.registry)
	}
}

// State returns the connection state.
func (s *Session) State() realtime.State {
	return s.conn.State()
}

// JoinOrder subscribes to the room of one order.
func (s *Session) JoinOrder(orderID string) error {
	return s.conn.JoinOrder(orderID)
}

// Subscribe adds a listener that lives until Disconnect or the returned
// cancel func, whichever comes first.
func (s *Session) Subscribe(event string, cb listener.Callback) func() {
	handle := s.registry.Add(event, cb)
	return func() { s.registry.Remove(event, handle) }
}
