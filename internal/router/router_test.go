// ABOUTME: End-to-end tests for the router pipelines over in-memory transports.
// ABOUTME: Covers forwarding, correlation, timeouts, disconnect cascades, saturation.

package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yanweibing/bistoury/internal/codec"
	"github.com/yanweibing/bistoury/internal/command"
	"github.com/yanweibing/bistoury/internal/connection"
	"github.com/yanweibing/bistoury/internal/directory"
	"github.com/yanweibing/bistoury/internal/encryption"
	"github.com/yanweibing/bistoury/internal/session"
)

// plainCodec is a passthrough encryption codec for pipeline tests.
type plainCodec struct{}

func (plainCodec) Encrypt(b []byte) ([]byte, error) { return b, nil }
func (plainCodec) Decrypt(b []byte) ([]byte, error) { return b, nil }

// rejectingCodec fails every decrypt, simulating tampered ciphertext.
type rejectingCodec struct{}

func (rejectingCodec) Encrypt(b []byte) ([]byte, error) { return b, nil }
func (rejectingCodec) Decrypt(b []byte) ([]byte, error) {
	return nil, encryptionFailed
}

var encryptionFailed = errors.New("decryption failed")

// memorySink collects frames delivered to a connection.
type memorySink struct {
	mu     sync.Mutex
	frames [][]byte
	gate   chan struct{}
	closed bool
}

func (s *memorySink) WriteFrame(frame []byte) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// envelopes decodes everything written so far.
func (s *memorySink) envelopes(t *testing.T) []*codec.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*codec.Envelope, 0, len(s.frames))
	for _, frame := range s.frames {
		env, err := codec.Decode(frame)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

// memoryAuthorizer allows a fixed host set without a database.
type memoryAuthorizer map[string]bool

func (m memoryAuthorizer) IsAuthorized(ctx context.Context, hostname string) (bool, error) {
	return m[hostname], nil
}

// registryLocator resolves target hosts against the agent registry, counting
// lookups so tests can assert the registry was never consulted.
type registryLocator struct {
	reg *connection.Registry

	mu      sync.Mutex
	lookups map[string]int
}

func (l *registryLocator) Locate(targetHost string) (string, bool) {
	l.mu.Lock()
	l.lookups[targetHost]++
	l.mu.Unlock()
	_, ok := l.reg.Lookup(targetHost)
	return targetHost, ok
}

func (l *registryLocator) lookupCount(host string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lookups[host]
}

type harness struct {
	router     *Router
	uiConns    *connection.Registry
	agentConns *connection.Registry
	sessions   *session.Manager
	commands   *command.Store
	locator    *registryLocator

	uiSink    *memorySink
	agentSink *memorySink
}

type harnessOpts struct {
	crypto         encryption.Codec
	sweepInterval  time.Duration
	commandTimeout time.Duration
	agentSink      *memorySink
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	uiConns := connection.NewRegistry(connection.SideUI, logger)
	agentConns := connection.NewRegistry(connection.SideAgent, logger)
	locator := &registryLocator{reg: agentConns, lookups: make(map[string]int)}

	sessions := session.NewManager(session.Config{
		Authorizer: memoryAuthorizer{"h1": true, "h2": true},
		Agents:     locator,
		Logger:     logger,
	})
	t.Cleanup(sessions.Shutdown)

	commands := command.NewStore(command.Config{
		SweepInterval: opts.sweepInterval,
		Logger:        logger,
	})
	t.Cleanup(commands.Shutdown)

	commandTimeout := opts.commandTimeout
	if commandTimeout == 0 {
		commandTimeout = time.Minute
	}

	var crypto encryption.Codec = plainCodec{}
	if opts.crypto != nil {
		crypto = opts.crypto
	}

	r := New(Config{
		UIConns:        uiConns,
		AgentConns:     agentConns,
		Sessions:       sessions,
		Commands:       commands,
		Tabs:           session.NewMultiplexer(logger),
		Crypto:         crypto,
		CommandTimeout: commandTimeout,
		SaturationWait: 20 * time.Millisecond,
		Logger:         logger,
	})

	h := &harness{
		router:     r,
		uiConns:    uiConns,
		agentConns: agentConns,
		sessions:   sessions,
		commands:   commands,
		locator:    locator,
		uiSink:     &memorySink{},
		agentSink:  opts.agentSink,
	}
	if h.agentSink == nil {
		h.agentSink = &memorySink{}
	}

	wm := connection.Watermarks{Low: 64 * 1024, High: 128 * 1024}
	require.NoError(t, uiConns.Register(connection.New("u1", connection.SideUI, h.uiSink, wm, logger)))
	require.NoError(t, agentConns.Register(connection.New("h1", connection.SideAgent, h.agentSink, wm, logger)))
	return h
}

func (h *harness) sendUICommand(t *testing.T, tabID, targetHost string, correlationID uint64) {
	t.Helper()
	frame, err := codec.Encode(&codec.Envelope{
		TabID:         tabID,
		Kind:          codec.KindCommand,
		CorrelationID: correlationID,
		TargetHost:    targetHost,
		Op:            "threadDump",
		Payload:       []byte("args"),
	})
	require.NoError(t, err)
	require.NoError(t, h.router.HandleUIFrame(context.Background(), "u1", frame))
}

func (h *harness) sendAgentResponse(t *testing.T, tabID string, correlationID uint64, status codec.Status) {
	t.Helper()
	frame, err := codec.Encode(&codec.Envelope{
		TabID:         tabID,
		Kind:          codec.KindResponse,
		CorrelationID: correlationID,
		Status:        status,
		Payload:       []byte("result"),
	})
	require.NoError(t, err)
	require.NoError(t, h.router.HandleAgentFrame(context.Background(), "h1", frame))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestCommandResponseRoundTrip(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	h.sendUICommand(t, "console", "h1", 1)

	// The command reaches the agent and a pending record exists.
	waitFor(t, func() bool { return len(h.agentSink.envelopes(t)) == 1 })
	forwarded := h.agentSink.envelopes(t)[0]
	assert.Equal(t, codec.KindCommand, forwarded.Kind)
	assert.Equal(t, uint64(1), forwarded.CorrelationID)
	assert.Equal(t, "console", forwarded.TabID)
	assert.Empty(t, forwarded.TargetHost, "target host is not forwarded to the agent")
	assert.Equal(t, 1, h.commands.Len())

	h.sendAgentResponse(t, "console", 1, codec.StatusOK)

	waitFor(t, func() bool { return len(h.uiSink.envelopes(t)) == 1 })
	resp := h.uiSink.envelopes(t)[0]
	assert.Equal(t, codec.KindResponse, resp.Kind)
	assert.Equal(t, "console", resp.TabID)
	assert.Equal(t, uint64(1), resp.CorrelationID)
	assert.Equal(t, codec.StatusOK, resp.Status)
	assert.Equal(t, 0, h.commands.Len())
}

func TestUnauthorizedHost_NoSessionNoAgentContact(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	h.sendUICommand(t, "console", "rogue", 1)

	waitFor(t, func() bool { return len(h.uiSink.envelopes(t)) == 1 })
	errEnv := h.uiSink.envelopes(t)[0]
	assert.Equal(t, codec.KindError, errEnv.Kind)
	assert.Equal(t, codec.StatusUnauthorized, errEnv.Status)
	assert.Equal(t, uint64(1), errEnv.CorrelationID)

	assert.Equal(t, 0, h.sessions.Len())
	assert.Equal(t, 0, h.commands.Len())
	assert.Equal(t, 0, h.locator.lookupCount("rogue"))
	assert.Empty(t, h.agentSink.envelopes(t))
}

func TestAgentUnreachable(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	// h2 is authorized but no agent connection reports it.
	h.sendUICommand(t, "console", "h2", 1)

	waitFor(t, func() bool { return len(h.uiSink.envelopes(t)) == 1 })
	errEnv := h.uiSink.envelopes(t)[0]
	assert.Equal(t, codec.StatusAgentUnreachable, errEnv.Status)
	assert.Equal(t, 0, h.sessions.Len())
}

func TestCommandTimeout(t *testing.T) {
	h := newHarness(t, harnessOpts{
		sweepInterval:  10 * time.Millisecond,
		commandTimeout: 30 * time.Millisecond,
	})

	h.sendUICommand(t, "console", "h1", 1)
	waitFor(t, func() bool { return h.commands.Len() == 1 })

	// No agent response: the sweep delivers the timeout outcome.
	waitFor(t, func() bool { return len(h.uiSink.envelopes(t)) == 1 })
	timeoutEnv := h.uiSink.envelopes(t)[0]
	assert.Equal(t, codec.KindError, timeoutEnv.Kind)
	assert.Equal(t, codec.StatusTimeout, timeoutEnv.Status)
	assert.Equal(t, uint64(1), timeoutEnv.CorrelationID)
	assert.Equal(t, "console", timeoutEnv.TabID)
	assert.Equal(t, 0, h.commands.Len())

	// A straggler response after the timeout is dropped, not delivered.
	h.sendAgentResponse(t, "console", 1, codec.StatusOK)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.uiSink.envelopes(t), 1)
}

func TestAgentDisconnect_EvictsPendingImmediately(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	h.sendUICommand(t, "console", "h1", 1)
	waitFor(t, func() bool { return h.commands.Len() == 1 })

	h.router.HandleAgentDisconnect("h1")

	assert.Equal(t, 0, h.commands.Len(), "pending commands evicted without waiting for deadline")
	assert.Equal(t, 0, h.sessions.Len())

	waitFor(t, func() bool { return len(h.uiSink.envelopes(t)) >= 2 })
	envs := h.uiSink.envelopes(t)

	var perCommand, notice *codec.Envelope
	for _, env := range envs {
		if env.CorrelationID == 1 {
			perCommand = env
		}
		if env.CorrelationID == 0 {
			notice = env
		}
	}
	require.NotNil(t, perCommand, "pending command gets its terminal outcome")
	assert.Equal(t, codec.StatusAgentUnreachable, perCommand.Status)
	require.NotNil(t, notice, "tab learns the agent is gone")
	assert.Equal(t, codec.StatusAgentUnreachable, notice.Status)
}

func TestUIDisconnect_CascadesTeardown(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	h.sendUICommand(t, "console", "h1", 1)
	h.sendUICommand(t, "heap", "h1", 2)
	waitFor(t, func() bool { return h.commands.Len() == 2 })
	require.Equal(t, 2, h.sessions.Len())

	h.router.HandleUIDisconnect("u1")

	assert.Equal(t, 0, h.sessions.Len())
	assert.Equal(t, 0, h.commands.Len())
	_, ok := h.uiConns.Lookup("u1")
	assert.False(t, ok)

	// Repeating the disconnect is a no-op.
	h.router.HandleUIDisconnect("u1")
}

func TestExplicitClose(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	h.sendUICommand(t, "console", "h1", 1)
	waitFor(t, func() bool { return h.sessions.Len() == 1 })

	closeFrame, err := codec.Encode(&codec.Envelope{
		TabID:         "console",
		Kind:          codec.KindCommand,
		CorrelationID: 2,
		Op:            codec.OpClose,
	})
	require.NoError(t, err)
	require.NoError(t, h.router.HandleUIFrame(context.Background(), "u1", closeFrame))

	assert.Equal(t, 0, h.sessions.Len())
	assert.Equal(t, 0, h.commands.Len(), "pending command evicted on explicit close")

	// The close command itself is acknowledged.
	waitFor(t, func() bool {
		for _, env := range h.uiSink.envelopes(t) {
			if env.CorrelationID == 2 && env.Kind == codec.KindResponse {
				return true
			}
		}
		return false
	})

	// The tab can rebind afterwards.
	h.sendUICommand(t, "console", "h1", 3)
	waitFor(t, func() bool { return h.sessions.Len() == 1 })
}

func TestMalformedUIFrame_IsProtocolViolation(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	err := h.router.HandleUIFrame(context.Background(), "u1", []byte("not a frame"))
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestUndecryptableFrame_IsProtocolViolation(t *testing.T) {
	h := newHarness(t, harnessOpts{crypto: rejectingCodec{}})

	err := h.router.HandleUIFrame(context.Background(), "u1", []byte("ciphertext"))
	assert.ErrorIs(t, err, ErrProtocolViolation)

	err = h.router.HandleAgentFrame(context.Background(), "h1", []byte("ciphertext"))
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestResponseFromAgent_UnknownCorrelationDropped(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	h.sendAgentResponse(t, "console", 99, codec.StatusOK)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.uiSink.envelopes(t))
}

func TestDuplicateCorrelationRejected(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	h.sendUICommand(t, "console", "h1", 1)
	waitFor(t, func() bool { return h.commands.Len() == 1 })

	h.sendUICommand(t, "console", "h1", 1)

	waitFor(t, func() bool {
		for _, env := range h.uiSink.envelopes(t) {
			if env.Kind == codec.KindError && env.Status == codec.StatusFailed {
				return true
			}
		}
		return false
	})
	assert.Equal(t, 1, h.commands.Len())
}

func TestSaturatedAgent_SurfacesBackpressure(t *testing.T) {
	gated := &memorySink{gate: make(chan struct{})}
	h := newHarness(t, harnessOpts{agentSink: gated})
	defer close(gated.gate)

	// Saturate the agent connection directly.
	agentConn, ok := h.agentConns.Lookup("h1")
	require.True(t, ok)
	filler := make([]byte, 130*1024)
	require.NoError(t, agentConn.Send(filler))
	require.True(t, agentConn.Saturated())

	h.sendUICommand(t, "console", "h1", 1)

	waitFor(t, func() bool {
		for _, env := range h.uiSink.envelopes(t) {
			if env.Status == codec.StatusSaturated {
				return true
			}
		}
		return false
	})
	assert.Equal(t, 0, h.commands.Len(), "untracked after the forward failed")
}

func TestDirectoryBackedAuthorization(t *testing.T) {
	// The SQLite directory satisfies the manager's Authorizer contract.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir, err := directory.NewSQLiteDirectory(":memory:", logger)
	require.NoError(t, err)
	defer dir.Close()

	require.NoError(t, dir.AddServer(context.Background(), "h1", "order-svc"))

	var _ session.Authorizer = dir
	ok, err := dir.IsAuthorized(context.Background(), "h1")
	require.NoError(t, err)
	assert.True(t, ok)
}
