package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/listener"
)

var managerMeter = otel.Meter("github.com/Additional-Code/ordersync/realtime")

var (
	// ErrNotConnected is returned by sends while no connection is open.
	ErrNotConnected = errors.New("event channel not connected")

	// ErrMissingToken is returned by Connect without a credential.
	ErrMissingToken = errors.New("missing realtime token")
)

// MessageHandler consumes every inbound frame, in delivery order.
type MessageHandler interface {
	Handle(ctx context.Context, raw []byte)
}

// Options tunes reconnection and dialing.
type Options struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	HandshakeTimeout time.Duration
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler func(d time.Duration, f func()) Timer

// Option customises a Manager.
type Option func(*Manager)

// WithScheduler replaces time.AfterFunc for reconnection timers.
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) {
		m.schedule = s
	}
}

// Manager owns one logical connection to the event channel. It reconnects with
// linear backoff after drops and gives up after Options.MaxAttempts failed
// attempts, which is terminal until the next Connect.
type Manager struct {
	opts      Options
	transport Transport
	handler   MessageHandler
	registry  *listener.Registry
	logger    *zap.Logger
	schedule  Scheduler

	mu      sync.Mutex
	state   State
	attempt int
	token   string
	conn    Conn
	timer   Timer
	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	rooms   []string
	joined  map[string]struct{}

	reconnects metric.Int64Counter
}

// NewManager builds a disconnected manager.
func NewManager(opts Options, transport Transport, handler MessageHandler, registry *listener.Registry, logger *zap.Logger, options ...Option) *Manager {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	reconnects, _ := managerMeter.Int64Counter("ordersync.realtime.reconnect_attempts",
		metric.WithDescription("Scheduled reconnection attempts and give-ups"))

	m := &Manager{
		opts:       opts,
		transport:  transport,
		handler:    handler,
		registry:   registry,
		logger:     logger.With(zap.String("component", "connection_manager")),
		state:      State{Phase: PhaseDisconnected},
		joined:     make(map[string]struct{}),
		reconnects: reconnects,
		schedule: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the reconnection attempt counter.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Connect opens the channel with token, closing any current connection first.
// Dialing happens in the background; progress is reported through state changes.
func (m *Manager) Connect(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	if m.State().Phase != PhaseDisconnected {
		m.Disconnect()
	}

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.token = token
	m.attempt = 0
	m.ctx, m.cancel = context.WithCancel(context.Background())
	change := m.transitionLocked(State{Phase: PhaseConnecting})
	m.mu.Unlock()

	m.announce(change)
	go m.dial(gen)
	return nil
}

// Disconnect cancels any pending reconnection, closes the transport, reports
// Disconnected and clears the listener registry. It is safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	timer, conn, cancel := m.timer, m.conn, m.cancel
	m.timer, m.conn, m.cancel = nil, nil, nil
	m.rooms = nil
	m.joined = make(map[string]struct{})
	wasConnected := m.state.Phase != PhaseDisconnected
	change := m.transitionLocked(State{Phase: PhaseDisconnected})
	m.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("close transport", zap.Error(err))
		}
	}
	if wasConnected {
		m.logger.Info("event channel disconnected")
		m.announce(change)
	}
	if m.registry != nil {
		m.registry.Clear()
	}
}

// JoinOrder subscribes to the room of one order. Rooms are re-joined after
// every reconnect until Disconnect.
func (m *Manager) JoinOrder(orderID string) error {
	m.mu.Lock()
	if m.state.Phase == PhaseDisconnected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if _, ok := m.joined[orderID]; !ok {
		m.joined[orderID] = struct{}{}
		m.rooms = append(m.rooms, orderID)
	}
	connected := m.state.Phase == PhaseConnected
	m.mu.Unlock()

	if !connected {
		return nil
	}
	return m.send(EventJoinOrder, JoinOrderPayload{OrderID: orderID})
}

// EmitStatusUpdate tells other admins that an order changed status.
func (m *Manager) EmitStatusUpdate(orderID, status, note string) error {
	return m.send(EventUpdateOrderStatus, StatusUpdatePayload{
		OrderID:   orderID,
		Status:    status,
		Note:      note,
		Timestamp: time.Now().UTC(),
	})
}

func (m *Manager) dial(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	token, parent := m.token, m.ctx
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, m.opts.HandshakeTimeout)
	conn, err := m.transport.Dial(ctx, token)
	cancel()
	if err != nil {
		m.handleDrop(gen, nil, fmt.Errorf("connect: %w", err))
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.attempt = 0
	rooms := append([]string(nil), m.rooms...)
	change := m.transitionLocked(State{Phase: PhaseConnected})
	m.mu.Unlock()

	m.logger.Info("event channel connected")
	m.announce(change)

	if err := m.send(EventJoinAdmin, nil); err != nil {
		m.logger.Warn("join admin room failed", zap.Error(err))
	}
	for _, orderID := range rooms {
		if err := m.send(EventJoinOrder, JoinOrderPayload{OrderID: orderID}); err != nil {
			m.logger.Warn("rejoin order room failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}

	go m.readLoop(parent, gen, conn)
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		raw, err := conn.Read()
		if err != nil {
			m.handleDrop(gen, conn, fmt.Errorf("read: %w", err))
			return
		}
		if m.handler != nil {
			m.handler.Handle(ctx, raw)
		}
	}
}

// handleDrop reacts to a failed dial (conn == nil) or a broken connection.
// Reports for stale generations or already-handled connections are ignored.
func (m *Manager) handleDrop(gen uint64, conn Conn, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.conn != conn || m.state.Phase == PhaseDisconnected {
		m.mu.Unlock()
		return
	}
	m.conn = nil

	next := m.attempt + 1
	var change StateChange
	var delay time.Duration
	giveUp := next > m.opts.MaxAttempts
	if giveUp {
		m.gen++
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		change = m.transitionLocked(State{Phase: PhaseDisconnected})
	} else {
		m.attempt = next
		delay = m.backoff(next)
		change = m.transitionLocked(State{Phase: PhaseReconnecting, Attempt: next})
		m.timer = m.schedule(delay, func() { m.redial(gen) })
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	if giveUp {
		m.logger.Error("event channel gave up reconnecting",
			zap.Int("max_attempts", m.opts.MaxAttempts),
			zap.Error(cause),
		)
		m.count("give_up")
	} else {
		m.logger.Warn("event channel dropped; reconnecting",
			zap.Int("attempt", next),
			zap.Duration("delay", delay),
			zap.Error(cause),
		)
		m.count("scheduled")
	}
	m.announce(change)
}

func (m *Manager) redial(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state.Phase != PhaseReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	m.dial(gen)
}

func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.opts.BaseDelay * time.Duration(attempt)
	if m.opts.MaxDelay > 0 && delay > m.opts.MaxDelay {
		delay = m.opts.MaxDelay
	}
	return delay
}

func (m *Manager) send(event string, data any) error {
	m.mu.Lock()
	conn, gen := m.conn, m.gen
	connected := m.state.Phase == PhaseConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	frame, err := Encode(event, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := conn.Write(frame); err != nil {
		m.handleDrop(gen, conn, fmt.Errorf("write %s: %w", event, err))
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

func (m *Manager) transitionLocked(to State) StateChange {
	change := StateChange{From: m.state, To: to}
	m.state = to
	return change
}

func (m *Manager) announce(change StateChange) {
	if change.From == change.To || m.registry == nil {
		return
	}
	m.registry.Notify(listener.EventConnectionState, change)
}

func (m *Manager) count(outcome string) {
	if m.reconnects == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
