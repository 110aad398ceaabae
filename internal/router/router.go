// ABOUTME: Router composes the pipeline stages for both traffic directions.
// ABOUTME: Decrypt, decode, authorize, correlate, and forward between UI and agents.

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yanweibing/bistoury/internal/codec"
	"github.com/yanweibing/bistoury/internal/command"
	"github.com/yanweibing/bistoury/internal/connection"
	"github.com/yanweibing/bistoury/internal/encryption"
	"github.com/yanweibing/bistoury/internal/session"
)

// ErrProtocolViolation marks failures fatal to the offending connection:
// undecryptable or undecodable frames indicate corruption or tampering, so
// the transport must close the connection rather than retry.
var ErrProtocolViolation = errors.New("protocol violation")

// Config carries the router's collaborators. Registries and stores are
// constructed once at startup and passed in explicitly; the router holds the
// only references that touch both connection registries.
type Config struct {
	UIConns    *connection.Registry
	AgentConns *connection.Registry
	Sessions   *session.Manager
	Commands   *command.Store
	Tabs       *session.Multiplexer
	Crypto     encryption.Codec

	// CommandTimeout bounds how long a forwarded command may stay pending.
	CommandTimeout time.Duration

	// SaturationWait bounds how long forwarding pauses behind a saturated
	// peer before surfacing ConnectionSaturated.
	SaturationWait time.Duration

	Logger *slog.Logger
}

// Router wires the registries, session manager, correlation store, and
// codecs into the two mirrored pipelines.
type Router struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Router and installs its cascade handlers on the session
// manager and command store.
func New(cfg Config) *Router {
	r := &Router{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "router"),
	}
	cfg.Sessions.SetCloseHandler(r.onSessionClosed)
	cfg.Commands.SetTimeoutHandler(r.onCommandTimeout)
	return r
}

// HandleUIFrame runs the inbound-from-UI pipeline for one frame:
// decrypt, decode, demux tab, resolve session, track correlation, forward.
// A returned error wraps ErrProtocolViolation and is fatal to the
// connection; recoverable failures are answered on the originating tab and
// reported as nil.
func (r *Router) HandleUIFrame(ctx context.Context, uiConnID string, frame []byte) error {
	plaintext, err := r.cfg.Crypto.Decrypt(frame)
	if err != nil {
		r.logger.Warn("dropping undecryptable UI frame", "ui_conn_id", uiConnID, "error", err)
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	env, err := codec.Decode(plaintext)
	if err != nil {
		r.logger.Warn("dropping malformed UI frame", "ui_conn_id", uiConnID, "error", err)
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	if env.Kind != codec.KindCommand {
		return fmt.Errorf("%w: unexpected %s frame from UI", ErrProtocolViolation, env.Kind)
	}

	tab := r.cfg.Tabs.Route(uiConnID, env)

	if env.Op == codec.OpClose {
		r.closeTab(ctx, tab, env.CorrelationID)
		return nil
	}

	sess, err := r.cfg.Sessions.Resolve(ctx, uiConnID, env.TabID, env.TargetHost)
	if err != nil {
		r.respondResolveFailure(ctx, tab, env.CorrelationID, err)
		return nil
	}

	// Make the cascade visible to the registries: either endpoint's removal
	// must report this session.
	r.cfg.UIConns.Attach(sess.UIConnID, sess.ID)
	if !r.cfg.AgentConns.Attach(sess.AgentConnID, sess.ID) {
		// The agent vanished between lookup and attach.
		r.cfg.Sessions.Close(sess.ID, session.ReasonAgentDisconnect)
		r.notifyUI(ctx, tab, r.cfg.Tabs.WrapError(tab, env.CorrelationID, codec.StatusAgentUnreachable, "agent connection lost"))
		return nil
	}

	agentConn, ok := r.cfg.AgentConns.Lookup(sess.AgentConnID)
	if !ok {
		r.cfg.Sessions.Close(sess.ID, session.ReasonAgentDisconnect)
		r.notifyUI(ctx, tab, r.cfg.Tabs.WrapError(tab, env.CorrelationID, codec.StatusAgentUnreachable, "agent connection lost"))
		return nil
	}

	deadline := time.Now().Add(r.cfg.CommandTimeout)
	if err := r.cfg.Commands.Track(env.CorrelationID, sess.ID, deadline); err != nil {
		r.notifyUI(ctx, tab, r.cfg.Tabs.WrapError(tab, env.CorrelationID, codec.StatusFailed, "correlation id already in flight"))
		return nil
	}

	outbound := &codec.Envelope{
		TabID:         env.TabID,
		Kind:          codec.KindCommand,
		CorrelationID: env.CorrelationID,
		Op:            env.Op,
		Payload:       env.Payload,
	}
	if err := r.sendEnvelope(ctx, agentConn, outbound); err != nil {
		// The command never reached the agent; deliver its single outcome now.
		r.cfg.Commands.Resolve(env.CorrelationID)
		r.respondForwardFailure(ctx, tab, env.CorrelationID, sess, err)
		return nil
	}

	r.logger.Debug("command forwarded",
		"session_id", sess.ID,
		"tab_id", env.TabID,
		"correlation_id", env.CorrelationID,
		"op", env.Op,
		"agent_conn_id", sess.AgentConnID,
	)
	return nil
}

// HandleAgentFrame runs the inbound-from-agent pipeline for one frame:
// decrypt, decode, correlate, remux onto the UI tab, forward.
func (r *Router) HandleAgentFrame(ctx context.Context, agentConnID string, frame []byte) error {
	plaintext, err := r.cfg.Crypto.Decrypt(frame)
	if err != nil {
		r.logger.Warn("dropping undecryptable agent frame", "agent_conn_id", agentConnID, "error", err)
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	env, err := codec.Decode(plaintext)
	if err != nil {
		r.logger.Warn("dropping malformed agent frame", "agent_conn_id", agentConnID, "error", err)
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	if env.Kind != codec.KindResponse && env.Kind != codec.KindError {
		return fmt.Errorf("%w: unexpected %s frame from agent", ErrProtocolViolation, env.Kind)
	}

	if env.CorrelationID == 0 {
		r.logger.Warn("dropping agent frame without correlation id", "agent_conn_id", agentConnID)
		return nil
	}

	pending, ok := r.cfg.Commands.Resolve(env.CorrelationID)
	if !ok {
		// Late, duplicate, or forged: the originating session may already be
		// closed. Logged by the store and dropped.
		return nil
	}

	sess, ok := r.cfg.Sessions.Get(pending.SessionID)
	if !ok {
		r.logger.Warn("response for closed session",
			"session_id", pending.SessionID,
			"correlation_id", env.CorrelationID,
		)
		return nil
	}
	r.cfg.Sessions.Touch(sess.ID)

	uiConn, ok := r.cfg.UIConns.Lookup(sess.UIConnID)
	if !ok {
		r.logger.Warn("response for vanished UI connection",
			"ui_conn_id", sess.UIConnID,
			"correlation_id", env.CorrelationID,
		)
		return nil
	}

	tab := session.TabRef{UIConnID: sess.UIConnID, TabID: sess.TabID}
	status := env.Status
	if status == "" {
		status = codec.StatusOK
	}
	out := r.cfg.Tabs.WrapResponse(tab, env.CorrelationID, status, env.Payload)
	if env.Kind == codec.KindError {
		out.Kind = codec.KindError
	}

	if err := r.sendEnvelope(ctx, uiConn, out); err != nil {
		r.logger.Warn("dropping agent response, UI side unwritable",
			"ui_conn_id", sess.UIConnID,
			"correlation_id", env.CorrelationID,
			"error", err,
		)
	}
	return nil
}

// HandleUIDisconnect cascades a UI connection loss: the registry reports the
// dependent sessions, each of which closes and evicts its pending commands.
func (r *Router) HandleUIDisconnect(uiConnID string) {
	deps := r.cfg.UIConns.Remove(uiConnID)
	r.cfg.Tabs.CloseConnection(uiConnID)
	for _, sessionID := range deps {
		r.cfg.Sessions.Close(sessionID, session.ReasonUIDisconnect)
	}
	// Sessions the registry never saw attached are still indexed by the
	// manager; sweep those too.
	r.cfg.Sessions.CloseByConnection(uiConnID, session.ReasonUIDisconnect)
}

// HandleAgentDisconnect cascades an agent connection loss. Pending commands
// are evicted immediately, not left to their deadlines, and each affected UI
// learns its agent is gone.
func (r *Router) HandleAgentDisconnect(agentConnID string) {
	deps := r.cfg.AgentConns.Remove(agentConnID)
	for _, sessionID := range deps {
		r.cfg.Sessions.Close(sessionID, session.ReasonAgentDisconnect)
	}
	r.cfg.Sessions.CloseByConnection(agentConnID, session.ReasonAgentDisconnect)
}

// closeTab handles the reserved close op: the session ends without
// contacting the agent, and the UI gets the terminal response for its close
// command.
func (r *Router) closeTab(ctx context.Context, tab session.TabRef, correlationID uint64) {
	if sess, ok := r.cfg.Sessions.Lookup(tab.UIConnID, tab.TabID); ok {
		r.cfg.Sessions.Close(sess.ID, session.ReasonExplicitClose)
	}
	r.cfg.Tabs.CloseTab(tab)
	r.notifyUI(ctx, tab, r.cfg.Tabs.WrapResponse(tab, correlationID, codec.StatusOK, nil))
}

// onSessionClosed is the session manager's close hook. It detaches the
// session from both registries, evicts its pending commands, and delivers
// each evicted command's terminal failure to the UI side if it is still live.
func (r *Router) onSessionClosed(s *session.Session, reason session.CloseReason) {
	r.cfg.UIConns.Detach(s.UIConnID, s.ID)
	r.cfg.AgentConns.Detach(s.AgentConnID, s.ID)

	evicted := r.cfg.Commands.EvictBySession(s.ID)
	if reason == session.ReasonUIDisconnect {
		return
	}

	tab := session.TabRef{UIConnID: s.UIConnID, TabID: s.TabID}
	status := codec.StatusSessionClosed
	detail := "session closed"
	if reason == session.ReasonAgentDisconnect {
		status = codec.StatusAgentUnreachable
		detail = "agent disconnected"
	}

	ctx := context.Background()
	for _, p := range evicted {
		r.notifyUI(ctx, tab, r.cfg.Tabs.WrapError(tab, p.CorrelationID, status, detail))
	}
	if reason == session.ReasonAgentDisconnect || reason == session.ReasonIdle {
		r.notifyUI(ctx, tab, r.cfg.Tabs.WrapError(tab, 0, status, detail))
	}
}

// onCommandTimeout is the correlation store's sweep hook: the UI receives the
// command's single terminal outcome as a timeout failure. The session stays
// open; only the command is dead.
func (r *Router) onCommandTimeout(p command.Pending) {
	sess, ok := r.cfg.Sessions.Get(p.SessionID)
	if !ok {
		return
	}
	tab := session.TabRef{UIConnID: sess.UIConnID, TabID: sess.TabID}
	r.notifyUI(context.Background(), tab, r.cfg.Tabs.WrapError(tab, p.CorrelationID, codec.StatusTimeout, "command timed out"))
}

func (r *Router) respondResolveFailure(ctx context.Context, tab session.TabRef, correlationID uint64, err error) {
	var status codec.Status
	var detail string
	switch {
	case errors.Is(err, session.ErrUnauthorizedHost):
		status, detail = codec.StatusUnauthorized, "target host is not an authorized server"
	case errors.Is(err, session.ErrAgentUnreachable):
		status, detail = codec.StatusAgentUnreachable, "no live agent for target host"
	case errors.Is(err, session.ErrNoTargetHost):
		status, detail = codec.StatusFailed, "first command for a tab must name a target host"
	default:
		r.logger.Error("session resolution failed", "ui_conn_id", tab.UIConnID, "tab_id", tab.TabID, "error", err)
		status, detail = codec.StatusFailed, "internal error resolving session"
	}
	r.notifyUI(ctx, tab, r.cfg.Tabs.WrapError(tab, correlationID, status, detail))
}

func (r *Router) respondForwardFailure(ctx context.Context, tab session.TabRef, correlationID uint64, sess *session.Session, err error) {
	if errors.Is(err, connection.ErrSaturated) {
		r.notifyUI(ctx, tab, r.cfg.Tabs.WrapError(tab, correlationID, codec.StatusSaturated, "agent connection saturated"))
		return
	}
	// The agent connection died underneath us.
	r.cfg.Sessions.Close(sess.ID, session.ReasonAgentDisconnect)
	r.notifyUI(ctx, tab, r.cfg.Tabs.WrapError(tab, correlationID, codec.StatusAgentUnreachable, "agent connection lost"))
}

// sendEnvelope encodes, encrypts, and queues an envelope. A saturated peer
// pauses forwarding for up to SaturationWait before the send is retried; a
// still-saturated peer surfaces ErrSaturated to the caller.
func (r *Router) sendEnvelope(ctx context.Context, conn *connection.Conn, env *codec.Envelope) error {
	plaintext, err := codec.Encode(env)
	if err != nil {
		return err
	}
	frame, err := r.cfg.Crypto.Encrypt(plaintext)
	if err != nil {
		return err
	}

	err = conn.Send(frame)
	if !errors.Is(err, connection.ErrSaturated) {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.SaturationWait)
	defer cancel()
	if waitErr := conn.AwaitWritable(waitCtx); waitErr != nil {
		if errors.Is(waitErr, connection.ErrClosed) {
			return connection.ErrClosed
		}
		return connection.ErrSaturated
	}
	return conn.Send(frame)
}

// notifyUI delivers a structured error or response to a UI tab, best effort.
// Every rejected or failed command yields exactly one terminal envelope; if
// the UI connection is gone there is nobody left to wait.
func (r *Router) notifyUI(ctx context.Context, tab session.TabRef, env *codec.Envelope) {
	uiConn, ok := r.cfg.UIConns.Lookup(tab.UIConnID)
	if !ok {
		return
	}
	if err := r.sendEnvelope(ctx, uiConn, env); err != nil {
		r.logger.Warn("failed to notify UI",
			"ui_conn_id", tab.UIConnID,
			"tab_id", tab.TabID,
			"status", env.Status,
			"error", err,
		)
	}
}
