// ABOUTME: Proxy orchestrator that coordinates the UI, agent, and admin HTTP servers.
// ABOUTME: Wires registries, session manager, command store, and router lifecycle.

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/yanweibing/bistoury/internal/command"
	"github.com/yanweibing/bistoury/internal/config"
	"github.com/yanweibing/bistoury/internal/connection"
	"github.com/yanweibing/bistoury/internal/directory"
	"github.com/yanweibing/bistoury/internal/encryption"
	"github.com/yanweibing/bistoury/internal/router"
	"github.com/yanweibing/bistoury/internal/session"
)

// Proxy orchestrates the diagnostics relay components. It manages the two
// WebSocket listeners (UI clients and agents) and the HTTP server for health
// checks and the authorized-server API.
type Proxy struct {
	config    *config.Config
	logger    *slog.Logger
	directory *directory.SQLiteDirectory
	crypto    encryption.Codec

	uiConns    *connection.Registry
	agentConns *connection.Registry
	sessions   *session.Manager
	commands   *command.Store
	tabs       *session.Multiplexer
	router     *router.Router

	uiServer    *http.Server
	agentServer *http.Server
	httpServer  *http.Server

	// handshakeLimiter bounds UI connection churn; nil means unlimited.
	handshakeLimiter *rate.Limiter
}

// registryLocator resolves target hosts to live agent connections. Agents
// register under their hostname, so location is a registry lookup.
type registryLocator struct {
	agents *connection.Registry
}

func (l registryLocator) Locate(targetHost string) (string, bool) {
	if _, ok := l.agents.Lookup(targetHost); !ok {
		return "", false
	}
	return targetHost, true
}

// New creates a Proxy from configuration. It loads the RSA key pair, opens
// the server directory, and wires the routing components together.
func New(cfg *config.Config, logger *slog.Logger) (*Proxy, error) {
	crypto, err := encryption.LoadKeyPair(cfg.Encryption.PublicKeyPath, cfg.Encryption.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading RSA key pair: %w", err)
	}

	dir, err := directory.NewSQLiteDirectory(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening server directory: %w", err)
	}

	p := &Proxy{
		config:     cfg,
		logger:     logger.With("component", "proxy"),
		directory:  dir,
		crypto:     crypto,
		uiConns:    connection.NewRegistry(connection.SideUI, logger),
		agentConns: connection.NewRegistry(connection.SideAgent, logger),
		tabs:       session.NewMultiplexer(logger),
	}

	p.sessions = session.NewManager(session.Config{
		Authorizer:    dir,
		Agents:        registryLocator{agents: p.agentConns},
		IdleTimeout:   cfg.Sessions.IdleTimeout,
		SweepInterval: cfg.Sessions.SweepInterval,
		Logger:        logger,
	})

	p.commands = command.NewStore(command.Config{
		SweepInterval: cfg.Commands.SweepInterval,
		Logger:        logger,
	})

	p.router = router.New(router.Config{
		UIConns:        p.uiConns,
		AgentConns:     p.agentConns,
		Sessions:       p.sessions,
		Commands:       p.commands,
		Tabs:           p.tabs,
		Crypto:         crypto,
		CommandTimeout: cfg.Commands.Timeout,
		SaturationWait: cfg.Connections.SaturationWait,
		Logger:         logger,
	})

	if cfg.Server.HandshakeRate > 0 {
		burst := cfg.Server.HandshakeBurst
		if burst <= 0 {
			burst = 1
		}
		p.handshakeLimiter = rate.NewLimiter(rate.Limit(cfg.Server.HandshakeRate), burst)
	}

	p.uiServer = &http.Server{Handler: http.HandlerFunc(p.handleUIConnect)}
	p.agentServer = &http.Server{Handler: http.HandlerFunc(p.handleAgentConnect)}
	p.httpServer = &http.Server{Handler: p.apiMux()}

	return p, nil
}

// apiMux builds the admin HTTP routes.
func (p *Proxy) apiMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", p.handleHealth)
	mux.HandleFunc("/health/ready", p.handleReady)
	mux.HandleFunc("/api/servers", p.handleServers)
	mux.HandleFunc("/api/stats", p.handleStats)
	return mux
}

// setupListeners opens the three TCP listeners.
func (p *Proxy) setupListeners() (uiLn, agentLn, httpLn net.Listener, err error) {
	p.logger.Info("starting proxy",
		"ui_addr", p.config.Server.UIAddr,
		"agent_addr", p.config.Server.AgentAddr,
		"http_addr", p.config.Server.HTTPAddr,
	)

	uiLn, err = net.Listen("tcp", p.config.Server.UIAddr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("listening on UI address: %w", err)
	}

	agentLn, err = net.Listen("tcp", p.config.Server.AgentAddr)
	if err != nil {
		_ = uiLn.Close()
		return nil, nil, nil, fmt.Errorf("listening on agent address: %w", err)
	}

	httpLn, err = net.Listen("tcp", p.config.Server.HTTPAddr)
	if err != nil {
		_ = uiLn.Close()
		_ = agentLn.Close()
		return nil, nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return uiLn, agentLn, httpLn, nil
}

// Run starts all three servers and blocks until the context is canceled or
// a server fails. Returns nil on graceful shutdown.
func (p *Proxy) Run(ctx context.Context) error {
	uiLn, agentLn, httpLn, err := p.setupListeners()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	serve := func(name string, srv *http.Server, ln net.Listener) {
		g.Go(func() error {
			p.logger.Info(name+" server listening", "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", name, err)
			}
			return nil
		})
	}

	serve("ui", p.uiServer, uiLn)
	serve("agent", p.agentServer, agentLn)
	serve("http", p.httpServer, httpLn)

	g.Go(func() error {
		<-ctx.Done()
		p.logger.Info("context canceled, initiating shutdown")
		return p.gracefulShutdown()
	})

	return g.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is already
// canceled.
func (p *Proxy) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, closes every live connection, and releases
// the background sweeps and the directory.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down proxy")

	var errs []error
	errs = appendCloseError(errs, "UI server shutdown", p.uiServer.Shutdown(ctx))
	errs = appendCloseError(errs, "agent server shutdown", p.agentServer.Shutdown(ctx))
	errs = appendCloseError(errs, "HTTP server shutdown", p.httpServer.Shutdown(ctx))

	// Server.Shutdown does not touch hijacked WebSocket connections; removing
	// them closes the sinks, which unblocks every read loop.
	for _, id := range p.uiConns.IDs() {
		p.router.HandleUIDisconnect(id)
	}
	for _, id := range p.agentConns.IDs() {
		p.router.HandleAgentDisconnect(id)
	}

	p.sessions.Shutdown()
	p.commands.Shutdown()
	errs = appendCloseError(errs, "directory close", p.directory.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is connected.
func (p *Proxy) handleReady(w http.ResponseWriter, r *http.Request) {
	n := p.agentConns.Len()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}

// ServerResponse is the JSON shape for an authorized server entry.
type ServerResponse struct {
	Hostname     string `json:"hostname"`
	AppCode      string `json:"app_code,omitempty"`
	RegisteredAt string `json:"registered_at"`
}

// AddServerRequest is the JSON request body for POST /api/servers.
type AddServerRequest struct {
	Hostname string `json:"hostname"`
	AppCode  string `json:"app_code,omitempty"`
}

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	UIConnections    int `json:"ui_connections"`
	AgentConnections int `json:"agent_connections"`
	Sessions         int `json:"sessions"`
	PendingCommands  int `json:"pending_commands"`
}

// handleServers dispatches /api/servers by method: GET lists authorized
// servers, POST registers one, DELETE removes one by hostname.
func (p *Proxy) handleServers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		p.handleListServers(w, r)
	case http.MethodPost:
		p.handleAddServer(w, r)
	case http.MethodDelete:
		p.handleRemoveServer(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (p *Proxy) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := p.directory.ListServers(r.Context())
	if err != nil {
		p.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := make([]ServerResponse, 0, len(servers))
	for _, s := range servers {
		response = append(response, ServerResponse{
			Hostname:     s.Hostname,
			AppCode:      s.AppCode,
			RegisteredAt: s.RegisteredAt.Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (p *Proxy) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var req AddServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		p.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Hostname = strings.TrimSpace(req.Hostname)
	if req.Hostname == "" {
		p.sendJSONError(w, http.StatusBadRequest, "hostname is required")
		return
	}

	if err := p.directory.AddServer(r.Context(), req.Hostname, req.AppCode); err != nil {
		if errors.Is(err, directory.ErrDuplicateServer) {
			p.sendJSONError(w, http.StatusConflict, "server already registered")
			return
		}
		p.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	p.logger.Info("server authorized", "hostname", req.Hostname, "app_code", req.AppCode)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"hostname": req.Hostname})
}

func (p *Proxy) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	hostname := r.URL.Query().Get("hostname")
	if hostname == "" {
		p.sendJSONError(w, http.StatusBadRequest, "hostname query parameter is required")
		return
	}

	if err := p.directory.RemoveServer(r.Context(), hostname); err != nil {
		if errors.Is(err, directory.ErrServerNotFound) {
			p.sendJSONError(w, http.StatusNotFound, "server not found")
			return
		}
		p.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	p.logger.Info("server deauthorized", "hostname", hostname)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"hostname": hostname})
}

// handleStats returns current connection, session, and command counts.
func (p *Proxy) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	response := StatsResponse{
		UIConnections:    p.uiConns.Len(),
		AgentConnections: p.agentConns.Len(),
		Sessions:         p.sessions.Len(),
		PendingCommands:  p.commands.Len(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// sendJSONError writes a JSON error response.
func (p *Proxy) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
