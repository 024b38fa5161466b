package realtime_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/realtime"
)

func echoServer(t *testing.T, wantToken string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+wantToken || r.URL.Query().Get("token") != wantToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketTransport_RoundTrip(t *testing.T) {
	srv := echoServer(t, "secret")
	transport := realtime.NewWebsocketTransport(wsURL(srv), time.Second, 0, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, "secret")
	require.NoError(t, err)
	defer conn.Close()

	frame, err := realtime.Encode(realtime.EventJoinAdmin, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Write(frame))

	got, err := conn.Read()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"join-admin"}`, string(got))

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
}

func TestWebsocketTransport_RejectsBadToken(t *testing.T) {
	srv := echoServer(t, "secret")
	transport := realtime.NewWebsocketTransport(wsURL(srv), time.Second, 0, zap.NewNop())

	_, err := transport.Dial(context.Background(), "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestWebsocketTransport_HeartbeatKeepsConnectionAlive(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		// the reader answers pings while the writer stays quiet
		go func() {
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()
		time.Sleep(150 * time.Millisecond)
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"notification"}`))
		time.Sleep(50 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	transport := realtime.NewWebsocketTransport(wsURL(srv), time.Second, 20*time.Millisecond, zap.NewNop())
	conn, err := transport.Dial(context.Background(), "secret")
	require.NoError(t, err)
	defer conn.Close()

	// the frame arrives after several read deadlines would have passed without pongs
	got, err := conn.Read()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"notification"}`, string(got))
}

func TestEncode(t *testing.T) {
	frame, err := realtime.Encode(realtime.EventUpdateOrderStatus, realtime.StatusUpdatePayload{
		OrderID: "o1",
		Status:  "confirmed",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"update-order-status","data":{"orderId":"o1","status":"confirmed"}}`, string(frame))
}
