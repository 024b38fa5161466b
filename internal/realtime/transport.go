package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// Conn is one open transport connection.
type Conn interface {
	// Read blocks until the next data frame arrives or the connection fails.
	Read() ([]byte, error)
	Write(data []byte) error
	Close() error
}

// Transport opens connections authenticated with a bearer credential.
type Transport interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WebsocketTransport dials the event channel with gorilla/websocket.
type WebsocketTransport struct {
	url          string
	dialer       *websocket.Dialer
	pingInterval time.Duration
	logger       *zap.Logger
}

// NewWebsocketTransport builds a transport for endpoint. A positive
// pingInterval enables heartbeats and a read deadline of twice the interval.
func NewWebsocketTransport(endpoint string, handshakeTimeout, pingInterval time.Duration, logger *zap.Logger) *WebsocketTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketTransport{
		url: endpoint,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		pingInterval: pingInterval,
		logger:       logger.With(zap.String("component", "websocket_transport")),
	}
}

// Dial connects with token sent both as a bearer header and a query parameter.
func (t *WebsocketTransport) Dial(ctx context.Context, token string) (Conn, error) {
	target, err := url.Parse(t.url)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	query := target.Query()
	query.Set("token", token)
	target.RawQuery = query.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := t.dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial websocket: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	c := &wsConn{
		ws:   ws,
		done: make(chan struct{}),
	}
	if t.pingInterval > 0 {
		pongWait := 2 * t.pingInterval
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.heartbeat(t.pingInterval, t.logger)
	}
	return c, nil
}

type wsConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Read() ([]byte, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *wsConn) heartbeat(interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debug("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}
