package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/gobridge/internal/bridge"
	"github.com/me/gobridge/internal/channel"
	"github.com/me/gobridge/internal/config"
	"github.com/me/gobridge/internal/store"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Server is the bridged REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	registry  *bridge.Registry
	values    *channel.Store
	store     store.Store  // optional; history endpoints return 503 without it
	metrics   http.Handler // optional; served at /metrics
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithStore enables the cycle and fault history endpoints.
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, reg *bridge.Registry, values *channel.Store, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		registry:  reg,
		values:    values,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Route("/bridges", func(r chi.Router) {
			r.Get("/", s.handleListBridges)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetBridge)
				r.Get("/cycles", s.handleListCycles)
				r.Get("/faults", s.handleListFaults)
				r.Post("/write", s.handleTriggerWrite)
				r.Post("/reinitialize", s.handleReinitialize)
				r.Route("/defective", func(r chi.Router) {
					r.Get("/", s.handleListDefective)
					r.Put("/{endpoint}", s.handleMarkDefective)
					r.Delete("/{endpoint}", s.handleClearDefective)
				})
			})
		})

		r.Route("/channels", func(r chi.Router) {
			r.Get("/", s.handleListChannels)
			r.Put("/{device}/{channel}", s.handleSetpoint)
		})
	})
}
