// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/lens/internal/core/domain"
	"github.com/vietddude/lens/internal/orchestrator"
	"github.com/vietddude/lens/internal/provider"
)

// Service is the orchestrator surface the HTTP API needs.
type Service interface {
	Identify(ctx context.Context, data []byte, opts orchestrator.Options) (*domain.AggregationResult, error)
	Aggregate(outcomes []domain.Outcome, opts orchestrator.Options) []domain.AggregatedIdentification
	HealthStatus(ctx context.Context) domain.HealthStatus
	ResetBreaker(name string) error
	ForceOpenBreaker(name string) error
}

// Config holds HTTP server configuration.
type Config struct {
	Addr         string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxBodyBytes bounds request bodies. Larger uploads are rejected as
	// invalid input.
	MaxBodyBytes int64
}

// Server provides the identification API plus health and metrics endpoints.
type Server struct {
	cfg    Config
	svc    Service
	log    *slog.Logger
	router chi.Router
	server *http.Server
}

// New creates a server with all routes registered.
func New(cfg Config, svc Service, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = provider.DefaultMaxPayloadBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware(cfg.CORSOrigins))

	s := &Server{cfg: cfg, svc: svc, log: log, router: r}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/identify", s.handleIdentify)
		r.Post("/aggregate", s.handleAggregate)
	})
	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleDetailed)
	r.Route("/admin/breakers/{name}", func(r chi.Router) {
		r.Post("/reset", s.handleBreakerReset)
		r.Post("/open", s.handleBreakerOpen)
	})
	r.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", "addr", s.cfg.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	})
}
