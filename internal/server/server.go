package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/scopeware/periscope/internal/model"
	"github.com/scopeware/periscope/internal/orchestrator"
	"github.com/scopeware/periscope/internal/ratelimit"
	"github.com/scopeware/periscope/internal/storage"
)

// Server is the Periscope HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// StepDriver executes a step claim won by an advance call.
// *orchestrator.Pipeline satisfies it.
type StepDriver interface {
	DriveClaimed(ctx context.Context, res orchestrator.AdvanceResult) error
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	// Required dependencies.
	DB     *storage.DB
	Orc    *orchestrator.Orchestrator
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter ratelimit.Limiter
	// Driver executes claims won by the advance endpoint. When nil,
	// claimed steps wait for the background poll loop's sweep instead.
	Driver StepDriver

	// Coverage policy applied when a request carries no overrides.
	Threshold model.CoverageThreshold

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	MaxCitationBatch    int
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := newHandlers(cfg)

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	rl := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Orchestration endpoints.
	mux.Handle("POST /v1/projects/{project_id}/advance", rl(http.HandlerFunc(h.HandleAdvance)))
	mux.Handle("GET /v1/projects/{project_id}/run", rl(http.HandlerFunc(h.HandleGetRun)))
	mux.Handle("GET /v1/projects/{project_id}/runs", rl(http.HandlerFunc(h.HandleListRuns)))

	// Evidence endpoints.
	mux.Handle("POST /v1/projects/{project_id}/citations", rl(http.HandlerFunc(h.HandleIngestCitations)))
	mux.Handle("GET /v1/projects/{project_id}/coverage", rl(http.HandlerFunc(h.HandleCoverage)))

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
