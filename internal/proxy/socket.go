// ABOUTME: WebSocket plumbing shared by the UI and agent listeners.
// ABOUTME: Adapts gorilla connections to frame sinks and runs read/ping loops.

package proxy

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yanweibing/bistoury/internal/connection"
	"github.com/yanweibing/bistoury/internal/router"
)

// upgrader is shared by both WebSocket listeners. Origin checks are skipped:
// UI clients connect from arbitrary console hosts and agents are not browsers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeTimeout = 10 * time.Second

// wsSink adapts a gorilla connection to connection.FrameSink. Gorilla permits
// one concurrent writer, so frame and control writes share a mutex.
type wsSink struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func newWSSink(ws *websocket.Conn) *wsSink {
	return &wsSink{ws: ws}
}

func (s *wsSink) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// ping sends a control ping so idle peers keep the read deadline alive.
func (s *wsSink) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// closeWith sends a close frame with the given code before tearing down.
func (s *wsSink) closeWith(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

func (s *wsSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.ws.Close()
}

// pingLoop keeps the peer's read deadline fresh until the connection closes.
func pingLoop(sink *wsSink, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sink.ping(); err != nil {
				return
			}
		}
	}
}

// readLoop pumps inbound frames into onFrame until the peer disconnects or
// commits a protocol violation. Violations answer with a policy-violation
// close frame; every other exit is a plain disconnect.
func (p *Proxy) readLoop(ws *websocket.Conn, sink *wsSink, idle time.Duration, onFrame func(frame []byte) error) error {
	resetDeadline := func() {
		if idle > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(idle))
		}
	}
	resetDeadline()
	ws.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		resetDeadline()

		if err := onFrame(frame); err != nil {
			if errors.Is(err, router.ErrProtocolViolation) {
				sink.closeWith(websocket.ClosePolicyViolation, "protocol violation")
			}
			return err
		}
	}
}

// watermarks returns the configured outbound buffer thresholds.
func (p *Proxy) watermarks() connection.Watermarks {
	return connection.Watermarks{
		Low:  p.config.Connections.WriteLowWatermark,
		High: p.config.Connections.WriteHighWatermark,
	}
}
