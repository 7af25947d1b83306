package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ocx/workspace-orchestrator/internal/events"
)

func TestAdminStream_BroadcastsLifecycleEvents(t *testing.T) {
	bus := events.NewBus()
	admin := NewAdminStream(bus)
	go admin.Run()

	srv := httptest.NewServer(http.HandlerFunc(admin.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the server a moment to register the connection before publishing.
	time.Sleep(50 * time.Millisecond)

	bus.Emit("container.created", "orchestrator", "conv-1", map[string]any{"container_id": "c-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(payload), "container.created")
	require.Contains(t, string(payload), "conv-1")
}
