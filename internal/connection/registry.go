// ABOUTME: Registry tracks live connections keyed by stable identity.
// ABOUTME: Removal closes the connection and returns its attached dependents.

package connection

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// ErrAlreadyRegistered indicates a connection with the same id is already live.
var ErrAlreadyRegistered = errors.New("connection already registered")

// Registry owns one side's live connections. Sessions and pending commands
// hold only connection ids and resolve them here at use time; the registry is
// the single point controlling a connection's lifetime.
type Registry struct {
	side   Side
	logger *slog.Logger

	mu         sync.RWMutex
	conns      map[string]*Conn
	dependents map[string]map[string]struct{}
}

// NewRegistry creates an empty registry for one side.
func NewRegistry(side Side, logger *slog.Logger) *Registry {
	return &Registry{
		side:       side,
		logger:     logger.With("component", string(side)+"-registry"),
		conns:      make(map[string]*Conn),
		dependents: make(map[string]map[string]struct{}),
	}
}

// Register adds a live connection. Returns ErrAlreadyRegistered if the id is
// taken; disconnect cleanup must complete before an id can be reused.
func (r *Registry) Register(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[c.ID()]; exists {
		return ErrAlreadyRegistered
	}
	r.conns[c.ID()] = c
	r.logger.Info("connection registered", "conn_id", c.ID(), "total", len(r.conns))
	return nil
}

// Lookup resolves an id to its live connection.
func (r *Registry) Lookup(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Remove closes and drops the connection and returns the ids of its attached
// dependents (sessions) so the caller can cascade the teardown. Removing an
// unknown id is a no-op: disconnect notifications race with explicit closes.
func (r *Registry) Remove(id string) []string {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.conns, id)

	deps := make([]string, 0, len(r.dependents[id]))
	for dep := range r.dependents[id] {
		deps = append(deps, dep)
	}
	delete(r.dependents, id)
	total := len(r.conns)
	r.mu.Unlock()

	c.Close()
	sort.Strings(deps)
	r.logger.Info("connection removed", "conn_id", id, "dependents", len(deps), "total", total)
	return deps
}

// Attach records a dependent (session id) on a live connection so that Remove
// can report it. Attaching to an unknown connection is a no-op and returns
// false; the caller treats that as the connection having already gone away.
func (r *Registry) Attach(connID, depID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		return false
	}
	set, ok := r.dependents[connID]
	if !ok {
		set = make(map[string]struct{})
		r.dependents[connID] = set
	}
	set[depID] = struct{}{}
	return true
}

// Detach drops a dependent reference. Unknown ids are ignored.
func (r *Registry) Detach(connID, depID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.dependents[connID]; ok {
		delete(set, depID)
		if len(set) == 0 {
			delete(r.dependents, connID)
		}
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IDs returns the ids of all live connections, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}
