package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/config"
	"github.com/Additional-Code/ordersync/internal/realtime"
	"github.com/Additional-Code/ordersync/pkg/errorbank"
)

type fixedState realtime.State

func (f fixedState) State() realtime.State { return realtime.State(f) }

func TestNewEcho_Health(t *testing.T) {
	e := NewEcho(config.Config{}, nil, fixedState{Phase: realtime.PhaseConnected}, zap.NewNop())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","realtime":"connected"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestNewEcho_ErrorHandler(t *testing.T) {
	e := NewEcho(config.Config{}, nil, fixedState{Phase: realtime.PhaseDisconnected}, zap.NewNop())
	e.GET("/boom", func(echo.Context) error { return errors.New("boom") })
	e.GET("/gone", func(echo.Context) error { return errorbank.NotFound("order not found") })
	e.GET("/panic", func(echo.Context) error { panic("kaput") })

	cases := map[string]struct {
		path string
		code int
		kind string
	}{
		"plain error":   {path: "/boom", code: http.StatusInternalServerError, kind: "internal"},
		"app error":     {path: "/gone", code: http.StatusNotFound, kind: "not_found"},
		"recover":       {path: "/panic", code: http.StatusInternalServerError, kind: "internal"},
		"unknown route": {path: "/nope", code: http.StatusNotFound},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
			assert.Equal(t, tc.code, rec.Code)
			if tc.kind == "" {
				return
			}
			var body struct {
				Success bool `json:"success"`
				Error   struct {
					Kind string `json:"kind"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.False(t, body.Success)
			assert.Equal(t, tc.kind, body.Error.Kind)
		})
	}
}
