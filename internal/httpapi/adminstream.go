// AdminStream is the supplemented admin/operator ops channel (SPEC_FULL
// §12): a read-only websocket broadcasting the lifecycle events published
// onto internal/events.Bus. The orchestrator publishes execution-completed
// and container-recovered events; the warm pool, GC and proxy publish
// nothing to the bus. Generalized from the teacher's
// internal/websocket/dag_streamer.go hub/register/unregister/broadcast
// pattern, retargeted from DAG node/edge visualization events onto this
// repo's LifecycleEvent envelope.
package httpapi

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ocx/workspace-orchestrator/internal/events"
)

// AdminStream fans out internal lifecycle events to connected operator
// dashboards. It holds no control-plane write path — subscribers cannot
// push anything back through it.
type AdminStream struct {
	bus      *events.Bus
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
	log     *slog.Logger
}

// NewAdminStream creates an AdminStream subscribed to bus.
func NewAdminStream(bus *events.Bus) *AdminStream {
	return &AdminStream{
		bus:     bus,
		clients: make(map[*websocket.Conn]struct{}),
		log:     slog.With("component", "httpapi.adminstream"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run subscribes to the bus and broadcasts every lifecycle event to all
// connected clients until the bus channel closes. Intended to run in its
// own goroutine for the process lifetime.
func (a *AdminStream) Run() {
	ch := a.bus.Subscribe()
	for evt := range ch {
		payload, err := evt.JSON()
		if err != nil {
			continue
		}
		a.mu.RLock()
		for conn := range a.clients {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				conn.Close()
				delete(a.clients, conn)
			}
		}
		a.mu.RUnlock()
	}
}

// HandleWebSocket upgrades an operator dashboard connection and registers
// it for broadcast. Incoming client messages are discarded — this channel
// is read-only by design (spec non-goals: no auth middleware, no control
// plane here).
func (a *AdminStream) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("admin stream upgrade failed", "err", err)
		return
	}

	a.mu.Lock()
	a.clients[conn] = struct{}{}
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			delete(a.clients, conn)
			a.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
