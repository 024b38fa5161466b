package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/domain"
	"github.com/Additional-Code/ordersync/internal/listener"
	"github.com/Additional-Code/ordersync/internal/realtime"
	"github.com/Additional-Code/ordersync/internal/store"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand()

	for _, path := range [][]string{
		{"start"},
		{"run"},
		{"migrate", "up"},
		{"migrate", "down"},
		{"migrate", "status"},
		{"seed"},
		{"worker", "run"},
		{"watch"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.NotEqual(t, root, cmd, path)
	}

	watch, _, err := root.Find([]string{"watch"})
	require.NoError(t, err)
	assert.NotNil(t, watch.Flags().Lookup("token"))
	assert.NotNil(t, watch.Flags().Lookup("order"))
}

func TestPrinter_WritesJSONLines(t *testing.T) {
	var out bytes.Buffer
	registry := listener.New(zap.NewNop())
	printer(&out).Bind(registry)

	registry.Notify(listener.EventConnectionState, realtime.StateChange{To: realtime.State{Phase: realtime.PhaseConnected}})
	registry.Notify(listener.EventOrdersChanged, store.Change{
		Kind:    store.ChangeStatusPatched,
		OrderID: "o-1",
		Order:   domain.Order{ID: "o-1", Status: domain.OrderStatus{Current: domain.StatusPreparing}},
	})
	registry.Notify(listener.EventNotification, map[string]string{"title": "hi"})

	var lines []map[string]any
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 3)
	assert.Equal(t, listener.EventConnectionState, lines[0]["event"])
	assert.Equal(t, "connected", lines[0]["data"].(map[string]any)["phase"])

	change := lines[1]["data"].(map[string]any)
	assert.Equal(t, "status_patched", change["kind"])
	assert.Equal(t, "preparing", change["order"].(map[string]any)["status"])

	assert.Equal(t, listener.EventNotification, lines[2]["event"])
}
