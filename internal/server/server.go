// Package server exposes the mapping store over HTTP. Mappings, files and
// stats are served as JSON and store changes are streamed to WebSocket
// clients.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/conneroisu/eltag/internal/cache"
	"github.com/conneroisu/eltag/internal/logging"
	"github.com/conneroisu/eltag/internal/mapping"
	"github.com/conneroisu/eltag/internal/pipeline"
	"github.com/conneroisu/eltag/internal/version"
)

// Options configure a Server.
type Options struct {
	Host string
	Port int
	// AllowedOrigins are extra host:port pairs accepted on WebSocket
	// upgrades, in addition to the server's own address and localhost.
	AllowedOrigins []string
	// Root bounds the files the preview endpoint may read. Empty disables
	// previews.
	Root string
}

// Addr returns the listen address.
func (o Options) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Server serves the HTTP API.
type Server struct {
	opts     Options
	store    *mapping.Store
	pipeline *pipeline.Pipeline
	cache    *cache.Cache
	logger   logging.Logger
	started  time.Time

	register   chan *Client
	unregister chan *websocket.Conn
	broadcast  chan []byte

	clients      map[*websocket.Conn]*Client
	clientsMutex sync.RWMutex
}

// New creates a server for the pipeline's store and cache.
func New(opts Options, p *pipeline.Pipeline, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{
		opts:       opts,
		store:      p.Store(),
		pipeline:   p,
		cache:      p.Cache(),
		logger:     logger.WithComponent("server"),
		started:    time.Now(),
		register:   make(chan *Client),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan []byte, 100),
		clients:    make(map[*websocket.Conn]*Client),
	}
}

// Handler returns the router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/mappings", s.handleListMappings)
		r.Get("/mappings/{id}", s.handleGetMapping)
		r.Get("/files", s.handleListFiles)
		r.Get("/files/*", s.handleGetFile)
		r.Get("/stats", s.handleStats)
		r.Get("/preview/*", s.handlePreview)
	})
	return r
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	hubCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.StartHub(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "Serving", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer done()
	s.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug(r.Context(), "Request", "method", r.Method, "path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMutex.RLock()
	clients := len(s.clients)
	s.clientsMutex.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   version.Short(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"store":     s.store.Path(),
		"dirty":     s.store.Dirty(),
		"files":     len(s.store.Files()),
		"wsClients": clients,
	})
}
