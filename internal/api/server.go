package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mattjoyce/conduit/internal/agent"
	"github.com/mattjoyce/conduit/internal/auth"
	"github.com/mattjoyce/conduit/internal/chain"
	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/protocol"
)

// ChainEngine is the part of *chain.Engine the API drives.
type ChainEngine interface {
	Get(ctx context.Context, stateID string) (*chain.PluginChainState, error)
	Advance(ctx context.Context, src protocol.Source, out *protocol.PluginOutput) (chain.Outcome, error)
}

// JobEngine is the part of *agent.Engine the API drives.
type JobEngine interface {
	CreateJob(ctx context.Context, req agent.JobRequest, cb agent.Callback) (string, error)
	Get(ctx context.Context, jobID string) (*agent.AgentJobState, error)
	HandleResponse(ctx context.Context, jobID string, resp map[string]any) (*agent.AgentJobState, error)
	HandleError(ctx context.Context, jobID string, msg string) (*agent.AgentJobState, error)
	Watch(ctx context.Context, jobID string) (<-chan *agent.AgentJobState, error)
}

// AutomationLister reports the loaded automations.
type AutomationLister interface {
	Automations() []config.Automation
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the admin bearer token (full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// KeepAlive is the ping interval of job watch streams.
	KeepAlive time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config      Config
	chains      ChainEngine
	jobs        JobEngine
	automations AutomationLister
	logger      *slog.Logger
	server      *http.Server
	startedAt   time.Time
}

// New creates a new API server instance
func New(config Config, chains ChainEngine, jobs JobEngine, automations AutomationLister, logger *slog.Logger) *Server {
	if config.KeepAlive <= 0 {
		config.KeepAlive = 15 * time.Second
	}
	return &Server{
		config:      config,
		chains:      chains,
		jobs:        jobs,
		automations: automations,
		logger:      logger,
		startedAt:   time.Now(),
	}
}

// Handler returns the instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.setupRoutes(), "api")
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Watch streams stay open until the job finishes.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopeChainsRO)).Get("/chains/{stateID}", s.handleGetChain)
		r.With(s.requireScopes(auth.ScopeChainsRW)).Post("/chains/{stateID}/output", s.handleChainOutput)

		r.With(s.requireScopes(auth.ScopeJobsRW)).Post("/jobs", s.handleCreateJob)
		r.With(s.requireScopes(auth.ScopeJobsRO)).Get("/jobs/{jobID}", s.handleGetJob)
		r.With(s.requireScopes(auth.ScopeJobsRO)).Get("/jobs/{jobID}/watch", s.handleWatchJob)
		r.With(s.requireScopes(auth.ScopeJobsRW)).Post("/jobs/{jobID}/response", s.handleJobResponse)
		r.With(s.requireScopes(auth.ScopeJobsRW)).Post("/jobs/{jobID}/error", s.handleJobError)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
