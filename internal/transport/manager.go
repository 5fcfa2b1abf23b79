// Package transport provides the WebSocket adapter between clients and the
// chat directory.
package transport

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

// closeConcurrency bounds parallel close handshakes in CloseAll.
const closeConcurrency = 32

// ConnManager tracks open WebSocket connections by session id.
type ConnManager struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewConnManager creates an empty connection registry.
func NewConnManager() *ConnManager {
	return &ConnManager{
		active: make(map[string]*websocket.Conn),
	}
}

// Count returns the number of registered connections.
func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Register adds a connection for a session.
func (m *ConnManager) Register(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active[sessionID] = conn
	slog.Debug("Chat connection registered", "session_id", sessionID)
}

// Unregister removes a connection if it is still the one registered for the session.
func (m *ConnManager) Unregister(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, exists := m.active[sessionID]; exists && current == conn {
		delete(m.active, sessionID)
		slog.Debug("Chat connection unregistered", "session_id", sessionID)
	}
}

// CloseAll closes every registered connection with StatusGoingAway. Each
// connection's handler observes the close and runs its own cleanup.
func (m *ConnManager) CloseAll(reason string) {
	m.mu.RLock()
	conns := make(map[string]*websocket.Conn, len(m.active))
	for sid, conn := range m.active {
		conns[sid] = conn
	}
	m.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(closeConcurrency)
	for sid, conn := range conns {
		sid, conn := sid, conn
		g.Go(func() error {
			if err := conn.Close(websocket.StatusGoingAway, reason); err != nil {
				slog.Debug("Failed to close chat connection", "session_id", sid, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	slog.Info("Chat connections closed", "count", len(conns))
}
