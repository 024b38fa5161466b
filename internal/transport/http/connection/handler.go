package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/dto"
	"github.com/Additional-Code/ordersync/internal/listener"
	"github.com/Additional-Code/ordersync/internal/presentation/http/response"
	"github.com/Additional-Code/ordersync/internal/realtime"
	"github.com/Additional-Code/ordersync/internal/store"
	"github.com/Additional-Code/ordersync/pkg/errorbank"
)

const (
	streamBuffer      = 64
	keepAliveInterval = 15 * time.Second
)

// Session controls the event channel. *session.Session satisfies it.
type Session interface {
	Connect(token string) error
	Disconnect()
	State() realtime.State
	Subscribe(event string, cb listener.Callback) func()
}

// Handler exposes the event channel state and the notification stream.
type Handler struct {
	session   Session
	logger    *zap.Logger
	keepAlive time.Duration
}

// NewHandler constructs a connection Handler.
func NewHandler(session Session, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		session:   session,
		logger:    logger.With(zap.String("component", "http_events")),
		keepAlive: keepAliveInterval,
	}
}

// Register routes with provided Echo instance.
func Register(e *echo.Echo, h *Handler) {
	g := e.Group("/connection")
	g.GET("", h.state)
	g.POST("", h.connect)
	g.DELETE("", h.disconnect)
	e.GET("/events", h.events)
}

func (h *Handler) state(c echo.Context) error {
	return response.New(c).WithData(dto.FromState(h.session.State())).Build()
}

func (h *Handler) connect(c echo.Context) error {
	b := response.New(c)

	var payload dto.ConnectRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&payload); err != nil {
			return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
		}
	}

	if err := h.session.Connect(strings.TrimSpace(payload.Token)); err != nil {
		if errors.Is(err, realtime.ErrMissingToken) {
			return b.WithError(errorbank.BadRequest("token is required", errorbank.WithCause(err))).Build()
		}
		return b.WithError(err).Build()
	}
	return b.WithStatus(http.StatusAccepted).WithData(dto.FromState(h.session.State())).Build()
}

func (h *Handler) disconnect(c echo.Context) error {
	h.session.Disconnect()
	return response.New(c).WithData(dto.FromState(h.session.State())).Build()
}

type frame struct {
	event string
	data  []byte
}

// events streams registry notifications as server-sent events until the
// client goes away or the event channel disconnects.
func (h *Handler) events(c echo.Context) error {
	if h.session.State().Phase == realtime.PhaseDisconnected {
		return response.New(c).WithError(errorbank.Unavailable("event channel offline")).Build()
	}

	clientID := uuid.NewString()
	logger := h.logger.With(zap.String("client_id", clientID))

	frames := make(chan frame, streamBuffer)
	closed := make(chan struct{})
	var closeOnce sync.Once

	push := func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			logger.Warn("event not encodable", zap.String("event", event), zap.Error(err))
			return
		}
		select {
		case frames <- frame{event: event, data: data}:
		default:
			logger.Warn("event stream lagging; event dropped", zap.String("event", event))
		}
	}

	cancels := []func(){
		h.session.Subscribe(listener.EventOrdersChanged, func(payload any) {
			if change, ok := payload.(store.Change); ok {
				push(listener.EventOrdersChanged, dto.FromChange(change))
			}
		}),
		h.session.Subscribe(listener.EventNotification, func(payload any) {
			push(listener.EventNotification, payload)
		}),
		h.session.Subscribe(listener.EventConnectionState, func(payload any) {
			change, ok := payload.(realtime.StateChange)
			if !ok {
				return
			}
			push(listener.EventConnectionState, dto.FromState(change.To))
			if change.To.Phase == realtime.PhaseDisconnected {
				closeOnce.Do(func() { close(closed) })
			}
		}),
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
		logger.Debug("event stream closed")
	}()

	// a disconnect racing the subscriptions clears them before they are seen
	if h.session.State().Phase == realtime.PhaseDisconnected {
		return response.New(c).WithError(errorbank.Unavailable("event channel offline")).Build()
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()
	logger.Debug("event stream opened")

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-frames:
			if err := writeFrame(w, f); err != nil {
				return nil
			}
		case <-closed:
			for {
				select {
				case f := <-frames:
					if err := writeFrame(w, f); err != nil {
						return nil
					}
				default:
					return nil
				}
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

func writeFrame(w *echo.Response, f frame) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, f.data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
