package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bargom/sidequest/pkg/ports"
	"github.com/go-chi/chi/v5"
)

// Server wraps an HTTP server with port fallback and graceful shutdown.
type Server struct {
	server *http.Server
	router chi.Router
	logger *slog.Logger

	host          string
	preferredPort int
	maxPort       int

	// port is the port actually bound, set by Start. Atomic because callers
	// poll it from other goroutines while Start blocks in Serve.
	port atomic.Int32
}

// ServerConfig controls where the server binds.
type ServerConfig struct {
	Host string

	// Port is tried first; when taken, the binder walks upward to MaxPort.
	Port    int
	MaxPort int
}

// NewServer creates a Server for the given router.
func NewServer(router chi.Router, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		router: router,
		logger: logger.With("component", "http"),
		server: &http.Server{
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		host:          cfg.Host,
		preferredPort: cfg.Port,
		maxPort:       cfg.MaxPort,
	}
}

// Start binds a listener, falling back to nearby ports when the preferred
// one is taken, then serves until Shutdown. It blocks.
func (s *Server) Start() error {
	listener, port, err := ports.ListenWithFallback(ports.Config{
		Host:          s.host,
		PreferredPort: s.preferredPort,
		MaxPort:       s.maxPort,
	})
	if err != nil {
		return fmt.Errorf("bind api server: %w", err)
	}

	s.port.Store(int32(port))
	if port != s.preferredPort {
		s.logger.Warn("preferred port taken, using fallback", "preferred", s.preferredPort, "port", port)
	}
	s.logger.Info("api server listening", "addr", listener.Addr().String())

	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Port returns the port bound by Start, or zero before Start.
func (s *Server) Port() int {
	return int(s.port.Load())
}

// Router returns the server's router.
func (s *Server) Router() chi.Router {
	return s.router
}
