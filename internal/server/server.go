package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/raggate/raggate/internal/audit"
	"github.com/raggate/raggate/internal/handler"
	"github.com/raggate/raggate/internal/metrics"
	"github.com/raggate/raggate/internal/rag"
	"github.com/raggate/raggate/internal/server/middleware"
	"github.com/raggate/raggate/internal/store"
	"github.com/raggate/raggate/internal/token"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	APIKeyHeader    string
	EmbedPerMinute  int
	QueryPerMinute  int
	TopK            int
	Version         string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		APIKeyHeader:    "x-api-key",
		EmbedPerMinute:  10,
		QueryPerMinute:  20,
		TopK:            rag.DefaultTopK,
		Version:         "dev",
	}
}

// Deps bundles the backends the server routes over. Embed and Searcher may
// be nil; the routes that need them answer 503 instead.
type Deps struct {
	Store    *store.Store
	Manager  *token.Manager
	Auditor  *audit.Auditor
	Metrics  *metrics.Metrics
	Embed    *rag.EmbedClient
	Searcher *rag.Searcher
}

// Server is the top-level HTTP server. It owns the Chi router and wires the
// authentication middleware in front of every route except the health probe.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(s.logger, s.deps.Metrics))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", s.cfg.APIKeyHeader, "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(chimw.Compress(5))

	healthHandler := handler.NewHealthHandler(s.deps.Store, s.deps.Embed, s.deps.Searcher, s.cfg.Version)

	// The health probe is the only unauthenticated route.
	r.Get("/health", healthHandler.Health)

	auth := &middleware.Auth{
		Manager: s.deps.Manager,
		Auditor: s.deps.Auditor,
		Store:   s.deps.Store,
		Metrics: s.deps.Metrics,
		Logger:  s.logger,
		Header:  s.cfg.APIKeyHeader,
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)

		ragHandler := handler.NewRAGHandler(s.deps.Embed, s.deps.Searcher, s.cfg.TopK, s.logger)
		tokenHandler := handler.NewTokenHandler(s.deps.Manager)
		securityHandler := handler.NewSecurityHandler(s.deps.Auditor)

		// Each inference route carries its own quota. Usage recording sits
		// behind the limiter so throttled requests never count as use.
		r.With(
			middleware.RouteLimit(s.cfg.EmbedPerMinute, s.deps.Auditor, s.deps.Metrics, s.logger),
			auth.RecordUsage,
		).Post("/embed", ragHandler.Embed)
		r.With(
			middleware.RouteLimit(s.cfg.QueryPerMinute, s.deps.Auditor, s.deps.Metrics, s.logger),
			auth.RecordUsage,
		).Post("/rag/query", ragHandler.Query)

		r.With(auth.RecordUsage).Get("/tokens/usage", tokenHandler.Usage)
		r.With(auth.RecordUsage).Post("/tokens/prune", tokenHandler.Prune)
		r.With(auth.RecordUsage).Get("/security/audit", securityHandler.Audit)
		r.With(auth.RecordUsage).Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	})

	s.router = r
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests before returning.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if s.deps.Searcher != nil {
		s.deps.Searcher.Close()
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
