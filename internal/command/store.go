// ABOUTME: Correlation store for in-flight commands awaiting agent responses.
// ABOUTME: Matches responses by correlation id and evicts commands past deadline.

package command

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrDuplicateCorrelation indicates a correlation id that is still tracked.
// Ids may be reused only after the previous command is removed.
var ErrDuplicateCorrelation = errors.New("correlation id already tracked")

// Pending is the durable record of one in-flight command. The envelope itself
// is not retained; this record is what survives the pipeline stage.
type Pending struct {
	CorrelationID uint64
	SessionID     string
	IssuedAt      time.Time
	Deadline      time.Time
}

// Config carries the store's sweep cadence and timeout callback.
type Config struct {
	SweepInterval time.Duration
	Logger        *slog.Logger

	// OnTimeout is invoked (outside store locks) for each command evicted by
	// the sweep, so the caller can surface a timeout failure to the UI side.
	OnTimeout func(p Pending)
}

// Store tracks pending commands. Track, Resolve, and eviction race freely;
// every command gets exactly one outcome because removal happens under one
// lock and only the remover reports the record.
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	onTimeout func(p Pending)
	pending   map[uint64]*Pending
	bySession map[string]map[uint64]struct{}

	done chan struct{}
}

// NewStore creates a Store. A positive SweepInterval starts the timer-driven
// eviction sweep; Shutdown stops it.
func NewStore(cfg Config) *Store {
	s := &Store{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "command-store"),
		onTimeout: cfg.OnTimeout,
		pending:   make(map[uint64]*Pending),
		bySession: make(map[string]map[uint64]struct{}),
		done:      make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go s.sweep()
	}
	return s
}

// Track records a command forwarded to an agent. The correlation id must be
// unique among currently-pending commands.
func (s *Store) Track(correlationID uint64, sessionID string, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pending[correlationID]; exists {
		return ErrDuplicateCorrelation
	}
	s.pending[correlationID] = &Pending{
		CorrelationID: correlationID,
		SessionID:     sessionID,
		IssuedAt:      time.Now(),
		Deadline:      deadline,
	}
	set, ok := s.bySession[sessionID]
	if !ok {
		set = make(map[uint64]struct{})
		s.bySession[sessionID] = set
	}
	set[correlationID] = struct{}{}
	return nil
}

// Resolve matches a response to its pending command, removing the record.
// The second return is false for late, duplicate, or forged correlation ids;
// such responses are logged and dropped by the caller, never propagated.
func (s *Store) Resolve(correlationID uint64) (Pending, bool) {
	s.mu.Lock()
	p, ok := s.removeLocked(correlationID)
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("response for unknown correlation id", "correlation_id", correlationID)
		return Pending{}, false
	}
	return p, true
}

// EvictExpired removes every command past its deadline and returns them.
func (s *Store) EvictExpired(now time.Time) []Pending {
	s.mu.Lock()
	var expired []Pending
	for id, p := range s.pending {
		if !now.Before(p.Deadline) {
			if removed, ok := s.removeLocked(id); ok {
				expired = append(expired, removed)
			}
		}
	}
	s.mu.Unlock()

	for _, p := range expired {
		s.logger.Warn("command timed out",
			"correlation_id", p.CorrelationID,
			"session_id", p.SessionID,
			"issued_at", p.IssuedAt,
		)
	}
	return expired
}

// EvictBySession removes every pending command tied to a session, for
// immediate eviction when an endpoint disconnects rather than waiting out
// the deadline.
func (s *Store) EvictBySession(sessionID string) []Pending {
	s.mu.Lock()
	var evicted []Pending
	for id := range s.bySession[sessionID] {
		if removed, ok := s.removeLocked(id); ok {
			evicted = append(evicted, removed)
		}
	}
	delete(s.bySession, sessionID)
	s.mu.Unlock()
	return evicted
}

// Len returns the number of pending commands.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SetTimeoutHandler installs the timeout callback after construction, for
// wiring cycles where the handler needs the store itself.
func (s *Store) SetTimeoutHandler(fn func(p Pending)) {
	s.mu.Lock()
	s.onTimeout = fn
	s.mu.Unlock()
}

// Shutdown stops the eviction sweep.
func (s *Store) Shutdown() {
	close(s.done)
}

// removeLocked drops one record. Caller holds mu.
func (s *Store) removeLocked(correlationID uint64) (Pending, bool) {
	p, ok := s.pending[correlationID]
	if !ok {
		return Pending{}, false
	}
	delete(s.pending, correlationID)
	if set, ok := s.bySession[p.SessionID]; ok {
		delete(set, correlationID)
		if len(set) == 0 {
			delete(s.bySession, p.SessionID)
		}
	}
	return *p, true
}

// sweep runs on its own schedule; per-request paths never block on it.
func (s *Store) sweep() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			expired := s.EvictExpired(now)
			s.mu.Lock()
			handler := s.onTimeout
			s.mu.Unlock()
			if handler == nil {
				continue
			}
			for _, p := range expired {
				handler(p)
			}
		}
	}
}
