// ABOUTME: UI-facing WebSocket listener for diagnostics console clients.
// ABOUTME: Upgrades handshakes, registers connections, and pumps frames to the router.

package proxy

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yanweibing/bistoury/internal/connection"
)

// handleUIConnect accepts a UI client WebSocket handshake. Each connection
// gets a fresh identity; the UI never chooses its own connection id.
func (p *Proxy) handleUIConnect(w http.ResponseWriter, r *http.Request) {
	if p.handshakeLimiter != nil && !p.handshakeLimiter.Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn("ui handshake failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	connID := uuid.NewString()
	sink := newWSSink(ws)
	conn := connection.New(connID, connection.SideUI, sink, p.watermarks(), p.logger)

	if err := p.uiConns.Register(conn); err != nil {
		conn.Close()
		return
	}

	p.logger.Info("ui client connected", "conn_id", connID, "remote", r.RemoteAddr)
	go pingLoop(sink, p.config.Connections.IdleRead/3, conn.Done())

	err = p.readLoop(ws, sink, p.config.Connections.IdleRead, func(frame []byte) error {
		return p.router.HandleUIFrame(r.Context(), connID, frame)
	})
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		p.logger.Warn("ui client read failed", "conn_id", connID, "error", err)
	}

	p.router.HandleUIDisconnect(connID)
	p.logger.Info("ui client disconnected", "conn_id", connID)
}
