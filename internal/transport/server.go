// Package transport exposes modules to observers over WebSocket and serves
// the health, module listing and metrics endpoints.
package transport

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
	"git.home.luguber.info/inful/applianced/internal/logfields"
	"git.home.luguber.info/inful/applianced/internal/module"
)

// Options configures a Server.
type Options struct {
	Listen string
	// MetricsPath and MetricsHandler mount the Prometheus endpoint when both are set.
	MetricsPath    string
	MetricsHandler http.Handler
	// WriteTimeout bounds a single outbound WebSocket frame.
	WriteTimeout time.Duration
	// PingInterval keeps idle WebSocket connections alive.
	PingInterval time.Duration
}

// Server is the daemon HTTP front end.
type Server struct {
	opts    Options
	adapter *ferrors.HTTPErrorAdapter
	mchain  func(http.Handler) http.Handler

	mu      sync.RWMutex
	modules map[string]*module.Module

	httpServer *http.Server
	listener   net.Listener
	started    time.Time
}

// NewServer creates a server with no modules registered.
func NewServer(opts Options) *Server {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	adapter := ferrors.NewHTTPErrorAdapter(slog.Default())
	return &Server{
		opts:    opts,
		adapter: adapter,
		mchain:  chain(slog.Default(), adapter),
		modules: make(map[string]*module.Module),
	}
}

// Register exposes m at /ws/{name}.
func (s *Server) Register(m *module.Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[m.Name()] = m
}

func (s *Server) lookup(name string) (*module.Module, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modules[name]
	return m, ok
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws/{module}", s.mchain(http.HandlerFunc(s.handleWebSocket)))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /api/modules", s.mchain(http.HandlerFunc(s.handleModules)))
	if s.opts.MetricsPath != "" && s.opts.MetricsHandler != nil {
		mux.Handle("GET "+s.opts.MetricsPath, s.opts.MetricsHandler)
	}
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.opts.Listen)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryDaemon, "failed to bind HTTP listener").
			WithContext("listen", s.opts.Listen).
			Build()
	}
	s.listener = ln
	s.started = time.Now()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", logfields.Error(err))
		}
	}()
	slog.Info("HTTP server started", slog.String("listen", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down. Hijacked WebSocket connections end when their
// module disconnects its observers.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryDaemon, "HTTP server shutdown").Build()
	}
	slog.Info("HTTP server stopped")
	return nil
}

// ModuleInfo is one entry of GET /api/modules.
type ModuleInfo struct {
	Name      string   `json:"name"`
	Observers int      `json:"observers"`
	Plugins   []string `json:"plugins"`
	Jobs      []string `json:"jobs"`
}

func (s *Server) handleModules(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	infos := make([]ModuleInfo, 0, len(s.modules))
	for _, m := range s.modules {
		infos = append(infos, ModuleInfo{
			Name:      m.Name(),
			Observers: m.ObserverCount(),
			Plugins:   m.Plugins(),
			Jobs:      m.JobNames(),
		})
	}
	s.mu.RUnlock()
	slices.SortFunc(infos, func(a, b ModuleInfo) int { return cmp.Compare(a.Name, b.Name) })
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	n := len(s.modules)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"modules": n,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode JSON response", logfields.Error(err))
	}
}
