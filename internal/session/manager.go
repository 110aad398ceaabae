// ABOUTME: SessionManager owns the (UI connection, tab) to agent connection binding.
// ABOUTME: Creates sessions lazily on first command and cascades teardown on close.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnauthorizedHost means the target host is not in the server directory.
	ErrUnauthorizedHost = errors.New("unauthorized target host")

	// ErrAgentUnreachable means no live agent connection exists for the target.
	ErrAgentUnreachable = errors.New("no live agent connection for target host")

	// ErrNoTargetHost means an unbound tab sent a command without naming a host.
	ErrNoTargetHost = errors.New("no target host named for unbound tab")

	// ErrNotFound means the session id does not resolve to a live session.
	ErrNotFound = errors.New("session not found")
)

// State is the lifecycle position of a session. Unbound is represented by the
// absence of a session for a (UI connection, tab) pair.
type State int

const (
	StateResolving State = iota
	StateBound
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records why a session ended.
type CloseReason string

const (
	ReasonUIDisconnect    CloseReason = "ui_disconnect"
	ReasonAgentDisconnect CloseReason = "agent_disconnect"
	ReasonExplicitClose   CloseReason = "explicit_close"
	ReasonIdle            CloseReason = "idle_timeout"
)

// Session binds one UI tab to one agent connection. It holds connection
// identities only, never connection handles; callers resolve ids against the
// registries at use time.
type Session struct {
	ID           string
	UIConnID     string
	TabID        string
	AgentConnID  string
	TargetHost   string
	State        State
	CreatedAt    time.Time
	LastActivity time.Time
}

// Authorizer confirms a target host is a registered, agent-eligible server.
type Authorizer interface {
	IsAuthorized(ctx context.Context, hostname string) (bool, error)
}

// AgentLocator resolves a target host to a live agent connection id.
type AgentLocator interface {
	Locate(targetHost string) (connID string, ok bool)
}

// Config carries the manager's collaborators and timing knobs.
type Config struct {
	Authorizer    Authorizer
	Agents        AgentLocator
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger

	// OnClosed is invoked (outside manager locks) for every session close so
	// the caller can evict pending commands and notify the UI side.
	OnClosed func(s *Session, reason CloseReason)
}

// Manager is the session registry and state machine.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	onClosed func(s *Session, reason CloseReason)
	sessions map[string]*Session
	byTab    map[tabKey]string
	byConn   map[string]map[string]struct{}

	done chan struct{}
}

type tabKey struct {
	uiConnID string
	tabID    string
}

// NewManager creates a Manager. If both IdleTimeout and SweepInterval are
// positive, a background sweep closes idle sessions; Close stops it.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "session-manager"),
		onClosed: cfg.OnClosed,
		sessions: make(map[string]*Session),
		byTab:    make(map[tabKey]string),
		byConn:   make(map[string]map[string]struct{}),
		done:     make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 && cfg.SweepInterval > 0 {
		go m.sweep()
	}
	return m
}

// Resolve returns the bound session for (uiConnID, tabID), creating one if
// the tab is unbound. Creation authorizes the target host and locates a live
// agent connection; on failure no session persists and the tab stays unbound,
// so a later command may start a fresh cycle, potentially to another agent.
func (m *Manager) Resolve(ctx context.Context, uiConnID, tabID, targetHost string) (*Session, error) {
	key := tabKey{uiConnID: uiConnID, tabID: tabID}

	m.mu.Lock()
	if id, ok := m.byTab[key]; ok {
		s := m.sessions[id]
		s.LastActivity = time.Now()
		out := *s
		m.mu.Unlock()
		return &out, nil
	}
	m.mu.Unlock()

	if targetHost == "" {
		return nil, ErrNoTargetHost
	}

	// Resolving: authorization and agent lookup run outside the lock. Frames
	// from one connection arrive in order, so the same tab cannot race itself
	// here; a concurrent winner is still handled below.
	authorized, err := m.cfg.Authorizer.IsAuthorized(ctx, targetHost)
	if err != nil {
		return nil, fmt.Errorf("authorizing host %q: %w", targetHost, err)
	}
	if !authorized {
		m.logger.Warn("rejected unauthorized target", "ui_conn_id", uiConnID, "tab_id", tabID, "target_host", targetHost)
		return nil, ErrUnauthorizedHost
	}

	agentConnID, ok := m.cfg.Agents.Locate(targetHost)
	if !ok {
		return nil, ErrAgentUnreachable
	}

	now := time.Now()
	s := &Session{
		ID:           uuid.New().String(),
		UIConnID:     uiConnID,
		TabID:        tabID,
		AgentConnID:  agentConnID,
		TargetHost:   targetHost,
		State:        StateBound,
		CreatedAt:    now,
		LastActivity: now,
	}

	m.mu.Lock()
	if id, ok := m.byTab[key]; ok {
		existing := *m.sessions[id]
		m.mu.Unlock()
		return &existing, nil
	}
	m.sessions[s.ID] = s
	m.byTab[key] = s.ID
	m.indexConn(s.UIConnID, s.ID)
	m.indexConn(s.AgentConnID, s.ID)
	out := *s
	m.mu.Unlock()

	m.logger.Info("session bound",
		"session_id", s.ID,
		"ui_conn_id", uiConnID,
		"tab_id", tabID,
		"target_host", targetHost,
		"agent_conn_id", agentConnID,
	)
	return &out, nil
}

// Get returns the session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	out := *s
	return &out, true
}

// Lookup returns the bound session for a (UI connection, tab) pair.
func (m *Manager) Lookup(uiConnID, tabID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTab[tabKey{uiConnID: uiConnID, tabID: tabID}]
	if !ok {
		return nil, false
	}
	out := *m.sessions[id]
	return &out, true
}

// Touch refreshes a session's activity timestamp for idle accounting.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[sessionID]; ok {
		s.LastActivity = time.Now()
	}
}

// Close removes one session. Returns the closed session, or false if the id
// was not live (closing races disconnects, so this is not an error).
func (m *Manager) Close(sessionID string, reason CloseReason) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.removeLocked(sessionID)
	m.mu.Unlock()

	if !ok {
		return nil, false
	}
	m.finishClose(s, reason)
	return s, true
}

// CloseByConnection removes every session referencing the connection id on
// either side and returns them so dependent pending commands can be evicted.
func (m *Manager) CloseByConnection(connID string, reason CloseReason) []*Session {
	m.mu.Lock()
	var closed []*Session
	for id := range m.byConn[connID] {
		if s, ok := m.removeLocked(id); ok {
			closed = append(closed, s)
		}
	}
	delete(m.byConn, connID)
	m.mu.Unlock()

	for _, s := range closed {
		m.finishClose(s, reason)
	}
	return closed
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown stops the idle sweep.
func (m *Manager) Shutdown() {
	close(m.done)
}

// removeLocked unindexes a session. Caller holds mu.
func (m *Manager) removeLocked(sessionID string) (*Session, bool) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(m.sessions, sessionID)
	delete(m.byTab, tabKey{uiConnID: s.UIConnID, tabID: s.TabID})
	m.unindexConn(s.UIConnID, sessionID)
	m.unindexConn(s.AgentConnID, sessionID)
	s.State = StateClosed
	out := *s
	return &out, true
}

// SetCloseHandler installs the close callback after construction, for wiring
// cycles where the handler needs the manager itself.
func (m *Manager) SetCloseHandler(fn func(s *Session, reason CloseReason)) {
	m.mu.Lock()
	m.onClosed = fn
	m.mu.Unlock()
}

func (m *Manager) finishClose(s *Session, reason CloseReason) {
	m.logger.Info("session closed",
		"session_id", s.ID,
		"tab_id", s.TabID,
		"target_host", s.TargetHost,
		"reason", reason,
	)
	m.mu.RLock()
	handler := m.onClosed
	m.mu.RUnlock()
	if handler != nil {
		handler(s, reason)
	}
}

func (m *Manager) indexConn(connID, sessionID string) {
	set, ok := m.byConn[connID]
	if !ok {
		set = make(map[string]struct{})
		m.byConn[connID] = set
	}
	set[sessionID] = struct{}{}
}

func (m *Manager) unindexConn(connID, sessionID string) {
	if set, ok := m.byConn[connID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(m.byConn, connID)
		}
	}
}

// sweep closes sessions with no traffic inside the idle window.
func (m *Manager) sweep() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.closeIdle(now)
		}
	}
}

func (m *Manager) closeIdle(now time.Time) {
	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if now.Sub(s.LastActivity) >= m.cfg.IdleTimeout {
			if closed, ok := m.removeLocked(id); ok {
				idle = append(idle, closed)
			}
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.finishClose(s, ReasonIdle)
	}
}
