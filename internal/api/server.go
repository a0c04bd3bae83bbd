// Package api provides the HTTP API server for stackpilot.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/narvanalabs/stackpilot/internal/api/handlers"
	"github.com/narvanalabs/stackpilot/internal/api/health"
	"github.com/narvanalabs/stackpilot/internal/api/middleware"
	"github.com/narvanalabs/stackpilot/internal/auth"
	"github.com/narvanalabs/stackpilot/internal/metrics"
	"github.com/narvanalabs/stackpilot/internal/orchestrator"
	"github.com/narvanalabs/stackpilot/internal/webhook"
	"github.com/narvanalabs/stackpilot/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Deps are the services the API exposes.
type Deps struct {
	Orchestrator *orchestrator.Service
	Webhook      *webhook.Processor
	Auth         *auth.Service
	Metrics      *metrics.Metrics
	// Health components, keyed by name.
	Health map[string]health.Pinger
}

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	deps          Deps
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker

	// streams is cancelled on shutdown to end hijacked log streams.
	streams       context.Context
	cancelStreams context.CancelFunc
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		deps:          deps,
		config:        cfg,
		logger:        logger,
		healthChecker: health.NewChecker(Version),
	}
	s.streams, s.cancelStreams = context.WithCancel(context.Background())
	for name, p := range deps.Health {
		s.healthChecker.Register(name, p)
	}

	s.setupRouter()
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.httpServer.RegisterOnShutdown(s.cancelStreams)
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(middleware.Metrics(s.deps.Metrics))

	r.Get("/health", s.healthChecker.Handler())
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	limiter := middleware.NewRateLimiter(s.config.Webhook.RateLimit, s.config.Webhook.Burst, s.deps.Metrics)
	webhookHandler := handlers.NewWebhookHandler(s.deps.Webhook, s.logger)
	r.With(limiter.Limit, chimiddleware.Timeout(60*time.Second)).
		Post("/webhooks/github", webhookHandler.GitHub)

	authMiddleware := middleware.NewAuthMiddleware(s.deps.Auth, s.logger)
	applicationHandler := handlers.NewApplicationHandler(s.deps.Orchestrator, s.logger)
	deploymentHandler := handlers.NewDeploymentHandler(s.deps.Orchestrator.Tracker(), s.logger)
	deploymentHandler.CloseOn(s.streams)
	stackHandler := handlers.NewStackHandler(s.deps.Orchestrator, s.logger)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)
		r.Use(limiter.Limit)

		// Long-lived websocket, exempt from the request timeout.
		r.Get("/deployments/{deployId}/logs/stream", deploymentHandler.Stream)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(60 * time.Second))

			r.Route("/applications", func(r chi.Router) {
				r.Post("/deploy", applicationHandler.Deploy)
				r.Post("/check", applicationHandler.Check)
				r.Get("/config", applicationHandler.Config)
				r.Post("/previews", applicationHandler.Previews)
				r.Delete("/", applicationHandler.Remove)
				r.Get("/deployments", applicationHandler.History)
				r.Get("/logs", applicationHandler.Logs)
			})

			r.Get("/deployments/{deployId}/logs", deploymentHandler.Logs)

			r.Route("/databases", func(r chi.Router) {
				r.Post("/", stackHandler.DeployDatabase)
				r.Get("/{deployId}", stackHandler.GetDatabase)
				r.Delete("/{deployId}", stackHandler.RemoveDatabase)
			})

			r.Route("/services", func(r chi.Router) {
				r.Post("/{template}", stackHandler.DeployService)
				r.Get("/{name}", stackHandler.GetService)
				r.Delete("/{name}", stackHandler.RemoveService)
			})

			r.Get("/dashboard", stackHandler.Dashboard)
		})
	})

	s.router = r
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting API server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server and ends open log streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
