// Package gateway is the WebSocket control plane: one JSON-frame
// protocol carrying request/response RPCs and a seq-ordered event
// stream shared by every connected client.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clawdis/clawdis/internal/agent/providers"
	"github.com/clawdis/clawdis/internal/auth"
	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/cron"
	"github.com/clawdis/clawdis/internal/heartbeat"
	"github.com/clawdis/clawdis/internal/nodes"
	"github.com/clawdis/clawdis/internal/pairing"
	"github.com/clawdis/clawdis/internal/scheduler"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/internal/skills"
)

const statusPollInterval = 15 * time.Second

// Deps are the subsystems the control plane fronts. Scheduler, Store,
// Transcripts, and Resolver are required; the rest degrade to empty
// responses when absent.
type Deps struct {
	Scheduler   *scheduler.Scheduler
	Store       sessions.Store
	Transcripts *sessions.Transcripts
	Resolver    *sessions.Resolver
	Channels    *channels.Registry
	Providers   *providers.Registry
	Cron        *cron.Scheduler
	Skills      *skills.Service
	Pairing     *pairing.Store
	Nodes       *nodes.Store
	Heartbeat   *heartbeat.Runner
	Hub         *Hub
	Version     string
}

// Server owns the listener, the HTTP mux, and every client connection.
type Server struct {
	cfg             *config.Config
	configPath      string
	logger          *slog.Logger
	auth            *auth.Service
	hub             *Hub
	upgrader        websocket.Upgrader
	rpcTimeout      time.Duration
	tailscaleHeader string
	version         string
	startedAt       time.Time

	scheduler   *scheduler.Scheduler
	store       sessions.Store
	transcripts *sessions.Transcripts
	resolver    *sessions.Resolver
	channels    *channels.Registry
	providers   *providers.Registry
	cron        *cron.Scheduler
	skills      *skills.Service
	pairing     *pairing.Store
	nodes       *nodes.Store
	heartbeat   *heartbeat.Runner
	webLogin    *webLoginService
	qrLogin     *qrLoginService

	ctx        context.Context
	cancel     context.CancelFunc
	listener   net.Listener
	httpServer *http.Server
}

// New wires a server. It refuses bind configurations that would expose
// an unauthenticated gateway beyond loopback.
func New(cfg *config.Config, configPath string, deps Deps, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("gateway: config is required")
	}
	if deps.Scheduler == nil || deps.Store == nil || deps.Transcripts == nil || deps.Resolver == nil {
		return nil, errors.New("gateway: scheduler, store, transcripts, and resolver are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	authSvc := auth.NewService(cfg.Auth, cfg.Web)
	if err := authSvc.CheckBind(cfg.Gateway.Host); err != nil {
		return nil, err
	}

	hub := deps.Hub
	if hub == nil {
		hub = NewHub(logger)
	}

	version := deps.Version
	if version == "" {
		version = "dev"
	}
	tailscaleHeader := cfg.Auth.TailscaleHeader
	if tailscaleHeader == "" {
		tailscaleHeader = config.DefaultTailscaleHeader
	}

	s := &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		auth:       authSvc,
		hub:        hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers send an Origin; identity comes from the hello
			// frame, not the origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rpcTimeout:      cfg.Gateway.RPCTimeout(),
		tailscaleHeader: tailscaleHeader,
		version:         version,
		startedAt:       time.Now(),

		scheduler:   deps.Scheduler,
		store:       deps.Store,
		transcripts: deps.Transcripts,
		resolver:    deps.Resolver,
		channels:    deps.Channels,
		providers:   deps.Providers,
		cron:        deps.Cron,
		skills:      deps.Skills,
		pairing:     deps.Pairing,
		nodes:       deps.Nodes,
		heartbeat:   deps.Heartbeat,
		qrLogin:     newQRLoginService(),
	}
	if cfg.Web.Enabled {
		s.webLogin = newWebLoginService(authSvc.WebTokens(), cfg.Gateway.DeepLinkKey)
	}
	return s, nil
}

// Hub returns the event hub so the wiring layer can hand it to event
// producers before Start.
func (s *Server) Hub() *Hub { return s.hub }

// Start binds the listener and begins serving. Non-blocking; Stop
// releases everything.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/weblogin/confirm", s.handleWebLoginConfirm)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.hub.run(s.ctx)
	go s.statusWatcher(s.ctx)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway serve failed", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", listener.Addr().String(), "authMode", s.auth.Mode())
	return nil
}

// Addr returns the bound address, for callers that listened on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains HTTP, then drops websocket clients.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.qrLogin.Stop()
	var err error
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err = s.httpServer.Shutdown(shutdownCtx)
	}
	s.hub.closeAll()
	return err
}

func (s *Server) methodTimeout(method string) time.Duration {
	if d, ok := s.cfg.Gateway.RPCTimeoutFor(method); ok {
		return d
	}
	switch method {
	case "chat.send", "web.login.wait":
		// Bounded by their own semantics: expectFinal waits for the
		// run, wait carries a client-chosen timeout.
		return 0
	}
	return s.rpcTimeout
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.healthSnapshot()); err != nil {
		s.logger.Warn("healthz encode failed", "error", err)
	}
}

func (s *Server) handleWebLoginConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.webLogin == nil {
		http.Error(w, "web login disabled", http.StatusNotFound)
		return
	}
	query := r.URL.Query()
	err := s.webLogin.Confirm(query.Get("login"), query.Get("key"), query.Get("user"))
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"confirmed":true}`+"\n")
	case errors.Is(err, errLoginNotFound):
		http.Error(w, "login not found or expired", http.StatusNotFound)
	default:
		http.Error(w, "forbidden", http.StatusForbidden)
	}
}

// statusWatcher polls adapter status and pushes a channels.status event
// when anything changed. The first poll primes the baseline; clients
// already got that snapshot in helloOk.
func (s *Server) statusWatcher(ctx context.Context) {
	if s.channels == nil {
		return
	}
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	var last []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary := s.channels.StatusAll()
			data, err := json.Marshal(summary)
			if err != nil {
				continue
			}
			changed := last != nil && !bytes.Equal(data, last)
			last = data
			if changed {
				s.hub.Broadcast(EventChannelsStatus, map[string]any{"channels": summary})
			}
		}
	}
}
