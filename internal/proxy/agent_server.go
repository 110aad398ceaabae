// ABOUTME: Agent-facing WebSocket listener for diagnostics agents.
// ABOUTME: Registers agents under their hostname and pumps frames to the router.

package proxy

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/yanweibing/bistoury/internal/connection"
)

// agentHostHeader carries the agent identity when the query parameter is
// absent.
const agentHostHeader = "X-Agent-Host"

// handleAgentConnect accepts an agent WebSocket handshake. Agents identify
// themselves by hostname (?host= or the X-Agent-Host header) and register
// under it, so target-host lookup is a registry lookup. A reconnecting agent
// supersedes its previous connection; sessions bound to the old connection
// are torn down, not resumed.
func (p *Proxy) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if host == "" {
		host = r.Header.Get(agentHostHeader)
	}
	if host == "" {
		http.Error(w, "agent hostname is required", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn("agent handshake failed", "host", host, "remote", r.RemoteAddr, "error", err)
		return
	}

	if _, ok := p.agentConns.Lookup(host); ok {
		p.logger.Warn("agent reconnected, superseding previous connection", "host", host)
		p.router.HandleAgentDisconnect(host)
	}

	sink := newWSSink(ws)
	conn := connection.New(host, connection.SideAgent, sink, p.watermarks(), p.logger)

	if err := p.agentConns.Register(conn); err != nil {
		p.logger.Warn("agent registration failed", "host", host, "error", err)
		conn.Close()
		return
	}

	p.logger.Info("agent connected", "host", host, "remote", r.RemoteAddr)
	go pingLoop(sink, p.config.Connections.IdleRead/3, conn.Done())

	err = p.readLoop(ws, sink, p.config.Connections.IdleRead, func(frame []byte) error {
		return p.router.HandleAgentFrame(r.Context(), host, frame)
	})
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		p.logger.Warn("agent read failed", "host", host, "error", err)
	}

	// A superseded connection's read loop unwinds after the replacement has
	// registered under the same hostname; it must not tear that one down.
	if current, ok := p.agentConns.Lookup(host); ok && current == conn {
		p.router.HandleAgentDisconnect(host)
	} else {
		conn.Close()
	}
	p.logger.Info("agent disconnected", "host", host)
}
