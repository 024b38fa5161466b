package realtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/listener"
	"github.com/Additional-Code/ordersync/internal/realtime"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	written   []realtime.Envelope
	writeErr  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read() ([]byte, error) {
	select {
	case raw := <-c.in:
		return raw, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	var env realtime.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.written = append(c.written, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// drop simulates the server going away.
func (c *fakeConn) drop() { _ = c.Close() }

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, env := range c.written {
		out[i] = env.Event
	}
	return out
}

func (c *fakeConn) frames() []realtime.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.Envelope(nil), c.written...)
}

type fakeTransport struct {
	mu     sync.Mutex
	conns  []*fakeConn
	fail   bool
	tokens []string
	dials  int
}

func (t *fakeTransport) Dial(_ context.Context, token string) (realtime.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	t.tokens = append(t.tokens, token)
	if t.fail {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	t.conns = append(t.conns, conn)
	return conn, nil
}

func (t *fakeTransport) setFail(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = fail
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

type fakeTimer struct {
	delay   time.Duration
	fire    func()
	stopped bool
}

func (f *fakeTimer) Stop() bool {
	wasActive := !f.stopped
	f.stopped = true
	return wasActive
}

type manualScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *manualScheduler) schedule(d time.Duration, f func()) realtime.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &fakeTimer{delay: d, fire: f}
	s.timers = append(s.timers, timer)
	return timer
}

func (s *manualScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *manualScheduler) fireLast() *fakeTimer {
	s.mu.Lock()
	timer := s.timers[len(s.timers)-1]
	s.mu.Unlock()
	timer.fire()
	return timer
}

type recordingHandler struct {
	mu     sync.Mutex
	frames []string
}

func (h *recordingHandler) Handle(_ context.Context, raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, string(raw))
}

func (h *recordingHandler) received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.frames...)
}

type harness struct {
	manager   *realtime.Manager
	transport *fakeTransport
	scheduler *manualScheduler
	handler   *recordingHandler
	registry  *listener.Registry

	mu     sync.Mutex
	states []realtime.State
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	h := &harness{
		transport: &fakeTransport{},
		scheduler: &manualScheduler{},
		handler:   &recordingHandler{},
		registry:  listener.New(zap.NewNop()),
	}
	h.registry.Add(listener.EventConnectionState, func(payload any) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.states = append(h.states, payload.(realtime.StateChange).To)
	})
	h.manager = realtime.NewManager(
		realtime.Options{MaxAttempts: maxAttempts, BaseDelay: 100 * time.Millisecond},
		h.transport,
		h.handler,
		h.registry,
		zap.NewNop(),
		realtime.WithScheduler(h.scheduler.schedule),
	)
	t.Cleanup(h.manager.Disconnect)
	return h
}

func (h *harness) seen() []realtime.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]realtime.State(nil), h.states...)
}

func (h *harness) waitPhase(t *testing.T, phase realtime.Phase) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.manager.State().Phase == phase
	}, waitFor, tick, "expected phase %s, got %s", phase, h.manager.State())
}

func TestManager_ConnectJoinsAdminRoom(t *testing.T) {
	h := newHarness(t, 5)

	require.NoError(t, h.manager.Connect("secret"))
	h.waitPhase(t, realtime.PhaseConnected)

	conn := h.transport.last()
	require.NotNil(t, conn)
	require.Eventually(t, func() bool { return len(conn.events()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{realtime.EventJoinAdmin}, conn.events())
	assert.Equal(t, []string{"secret"}, h.transport.tokens)
	assert.Zero(t, h.manager.Attempt())

	assert.Equal(t, []realtime.State{
		{Phase: realtime.PhaseConnecting},
		{Phase: realtime.PhaseConnected},
	}, h.seen())
}

func TestManager_ConnectRequiresToken(t *testing.T) {
	h := newHarness(t, 5)

	assert.ErrorIs(t, h.manager.Connect(""), realtime.ErrMissingToken)
	assert.Equal(t, realtime.PhaseDisconnected, h.manager.State().Phase)
}

func TestManager_ForwardsInboundFramesInOrder(t *testing.T) {
	h := newHarness(t, 5)
	require.NoError(t, h.manager.Connect("secret"))
	h.waitPhase(t, realtime.PhaseConnected)

	conn := h.transport.last()
	conn.in <- []byte(`{"event":"new-order"}`)
	conn.in <- []byte(`{"event":"order-updated"}`)

	require.Eventually(t, func() bool { return len(h.handler.received()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{`{"event":"new-order"}`, `{"event":"order-updated"}`}, h.handler.received())
}

func TestManager_ReconnectsWithLinearBackoff(t *testing.T) {
	h := newHarness(t, 5)
	require.NoError(t, h.manager.Connect("secret"))
	h.waitPhase(t, realtime.PhaseConnected)

	h.transport.setFail(true)
	h.transport.last().drop()
	h.waitPhase(t, realtime.PhaseReconnecting)
	require.Equal(t, 1, h.scheduler.count())

	for attempt := 1; attempt <= 4; attempt++ {
		assert.Equal(t, attempt, h.manager.Attempt())
		timer := h.scheduler.fireLast()
		assert.Equal(t, time.Duration(attempt)*100*time.Millisecond, timer.delay)
		assert.Equal(t, realtime.State{Phase: realtime.PhaseReconnecting, Attempt: attempt + 1}, h.manager.State())
	}

	h.transport.setFail(false)
	h.scheduler.fireLast()

	h.waitPhase(t, realtime.PhaseConnected)
	assert.Zero(t, h.manager.Attempt())
	require.Eventually(t, func() bool {
		return len(h.transport.last().events()) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{realtime.EventJoinAdmin}, h.transport.last().events())
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, 5)
	require.NoError(t, h.manager.Connect("secret"))
	h.waitPhase(t, realtime.PhaseConnected)

	h.transport.setFail(true)
	h.transport.last().drop()
	h.waitPhase(t, realtime.PhaseReconnecting)

	for i := 0; i < 5; i++ {
		h.scheduler.fireLast()
		assert.LessOrEqual(t, h.manager.Attempt(), 5)
	}

	assert.Equal(t, realtime.PhaseDisconnected, h.manager.State().Phase)
	assert.Equal(t, 5, h.scheduler.count(), "no timer may be scheduled after giving up")
	assert.Equal(t, 5, h.manager.Attempt())
	dials := h.transport.dialCount()

	// a late fire of the last timer must not dial again
	h.scheduler.fireLast()
	assert.Equal(t, dials, h.transport.dialCount())

	for _, state := range h.seen() {
		assert.LessOrEqual(t, state.Attempt, 5)
	}

	h.transport.setFail(false)
	require.NoError(t, h.manager.Connect("secret"))
	assert.Zero(t, h.manager.Attempt())
	h.waitPhase(t, realtime.PhaseConnected)
	assert.Equal(t, 1, h.registry.Len(listener.EventConnectionState), "giving up must not clear listeners")
}

func TestManager_InitialDialFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, 3)
	h.transport.setFail(true)

	require.NoError(t, h.manager.Connect("secret"))
	h.waitPhase(t, realtime.PhaseReconnecting)

	assert.Equal(t, 1, h.manager.Attempt())
	assert.Equal(t, 1, h.scheduler.count())
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, 5)
	require.NoError(t, h.manager.Connect("secret"))
	h.waitPhase(t, realtime.PhaseConnected)

	h.transport.last().drop()
	h.waitPhase(t, realtime.PhaseReconnecting)
	dials := h.transport.dialCount()

	h.manager.Disconnect()

	h.scheduler.mu.Lock()
	pending := h.scheduler.timers[0]
	h.scheduler.mu.Unlock()
	assert.True(t, pending.stopped)

	pending.fire()
	assert.Equal(t, dials, h.transport.dialCount())
	assert.Equal(t, realtime.PhaseDisconnected, h.manager.State().Phase)
}

func TestManager_DisconnectIsIdempotentAndClearsRegistry(t *testing.T) {
	h := newHarness(t, 5)
	require.NoError(t, h.manager.Connect("secret"))
	h.waitPhase(t, realtime.PhaseConnected)
	conn := h.transport.last()

	h.manager.Disconnect()
	h.manager.Disconnect()

	assert.Equal(t, realtime.PhaseDisconnected, h.manager.State().Phase)
	assert.Zero(t, h.registry.Len(listener.EventConnectionState))
	select {
	case <-conn.closed:
	default:
		t.Fatal("transport was not closed")
	}

	states := h.seen()
	require.NotEmpty(t, states)
	assert.Equal(t, realtime.PhaseDisconnected, states[len(states)-1].Phase)
	assert.Equal(t, 0, h.scheduler.count(), "a closed connection must not trigger reconnection")
}

func TestManager_ConnectWhileConnectedReconnectsCleanly(t *testing.T) {
	h := newHarness(t, 5)
	require.NoError(t, h.manager.Connect("first"))
	h.waitPhase(t, realtime.PhaseConnected)
	first := h.transport.last()

	require.NoError(t, h.manager.Connect("second"))
	h.waitPhase(t, realtime.PhaseConnected)

	select {
	case <-first.closed:
	default:
		t.Fatal("previous transport was not closed")
	}
	assert.Equal(t, []string{"first", "second"}, h.transport.tokens)
}

func TestManager_RejoinsOrderRoomsAfterReconnect(t *testing.T) {
	h := newHarness(t, 5)
	require.NoError(t, h.manager.Connect("secret"))
	h.waitPhase(t, realtime.PhaseConnected)

	require.NoError(t, h.manager.JoinOrder("o1"))
	require.NoError(t, h.manager.JoinOrder("o1"))

	h.transport.last().drop()
	h.waitPhase(t, realtime.PhaseReconnecting)
	h.scheduler.fireLast()
	h.waitPhase(t, realtime.PhaseConnected)

	conn := h.transport.last()
	require.Eventually(t, func() bool { return len(conn.events()) == 2 }, waitFor, tick)
	frames := conn.frames()
	assert.Equal(t, realtime.EventJoinAdmin, frames[0].Event)
	assert.Equal(t, realtime.EventJoinOrder, frames[1].Event)
	assert.JSONEq(t, `{"orderId":"o1"}`, string(frames[1].Data))
}

func TestManager_EmitStatusUpdate(t *testing.T) {
	h := newHarness(t, 5)

	err := h.manager.EmitStatusUpdate("o1", "confirmed", "")
	assert.ErrorIs(t, err, realtime.ErrNotConnected)
	assert.ErrorIs(t, h.manager.JoinOrder("o1"), realtime.ErrNotConnected)

	require.NoError(t, h.manager.Connect("secret"))
	h.waitPhase(t, realtime.PhaseConnected)
	conn := h.transport.last()
	require.Eventually(t, func() bool { return len(conn.events()) == 1 }, waitFor, tick)

	require.NoError(t, h.manager.EmitStatusUpdate("o1", "confirmed", "called customer"))

	frames := conn.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, realtime.EventUpdateOrderStatus, frames[1].Event)
	var payload realtime.StatusUpdatePayload
	require.NoError(t, json.Unmarshal(frames[1].Data, &payload))
	assert.Equal(t, "o1", payload.OrderID)
	assert.Equal(t, "confirmed", payload.Status)
	assert.Equal(t, "called customer", payload.Note)
	assert.False(t, payload.Timestamp.IsZero())
}
