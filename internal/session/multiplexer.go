// ABOUTME: TabMultiplexer scopes tab ids to their owning UI connection.
// ABOUTME: Extracts tabs on the inbound path and rebuilds envelopes outbound.

package session

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/yanweibing/bistoury/internal/codec"
)

// TabRef addresses one tab scoped to one UI connection. Identical tab ids on
// different UI connections are unrelated.
type TabRef struct {
	UIConnID string
	TabID    string
}

// Multiplexer demultiplexes the tabs sharing one physical UI connection into
// independently addressable sub-streams and remultiplexes responses back.
// Tabs have no lifecycle of their own: when the owning connection closes, all
// of its tabs go with it.
type Multiplexer struct {
	logger *slog.Logger

	mu   sync.Mutex
	tabs map[string]map[string]struct{}
}

// NewMultiplexer creates an empty multiplexer.
func NewMultiplexer(logger *slog.Logger) *Multiplexer {
	return &Multiplexer{
		logger: logger.With("component", "tab-mux"),
		tabs:   make(map[string]map[string]struct{}),
	}
}

// Route extracts the tab from an inbound envelope, recording it under the
// owning connection, and returns the scoped reference.
func (m *Multiplexer) Route(uiConnID string, env *codec.Envelope) TabRef {
	m.mu.Lock()
	set, ok := m.tabs[uiConnID]
	if !ok {
		set = make(map[string]struct{})
		m.tabs[uiConnID] = set
	}
	if _, seen := set[env.TabID]; !seen {
		set[env.TabID] = struct{}{}
		m.logger.Debug("tab opened", "ui_conn_id", uiConnID, "tab_id", env.TabID)
	}
	m.mu.Unlock()

	return TabRef{UIConnID: uiConnID, TabID: env.TabID}
}

// WrapResponse remultiplexes an agent response onto the tab's sub-stream.
func (m *Multiplexer) WrapResponse(tab TabRef, correlationID uint64, status codec.Status, payload []byte) *codec.Envelope {
	return &codec.Envelope{
		TabID:         tab.TabID,
		Kind:          codec.KindResponse,
		CorrelationID: correlationID,
		Status:        status,
		Payload:       payload,
	}
}

// WrapError builds a terminal error envelope for the tab. A correlation id of
// zero means the failure predates command tracking (e.g. authorization).
func (m *Multiplexer) WrapError(tab TabRef, correlationID uint64, status codec.Status, detail string) *codec.Envelope {
	return &codec.Envelope{
		TabID:         tab.TabID,
		Kind:          codec.KindError,
		CorrelationID: correlationID,
		Status:        status,
		Payload:       []byte(detail),
	}
}

// CloseConnection forgets every tab owned by the connection and returns them.
func (m *Multiplexer) CloseConnection(uiConnID string) []TabRef {
	m.mu.Lock()
	set := m.tabs[uiConnID]
	delete(m.tabs, uiConnID)
	m.mu.Unlock()

	refs := make([]TabRef, 0, len(set))
	for tabID := range set {
		refs = append(refs, TabRef{UIConnID: uiConnID, TabID: tabID})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].TabID < refs[j].TabID })
	return refs
}

// CloseTab forgets a single tab, for explicit close commands.
func (m *Multiplexer) CloseTab(tab TabRef) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.tabs[tab.UIConnID]; ok {
		delete(set, tab.TabID)
		if len(set) == 0 {
			delete(m.tabs, tab.UIConnID)
		}
	}
}

// Tabs returns the known tab ids for a connection, sorted.
func (m *Multiplexer) Tabs(uiConnID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.tabs[uiConnID]))
	for tabID := range m.tabs[uiConnID] {
		ids = append(ids, tabID)
	}
	sort.Strings(ids)
	return ids
}
