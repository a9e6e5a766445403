package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/miru-ai/miru/internal/ingest"
	"github.com/miru-ai/miru/internal/metric"
	"github.com/miru-ai/miru/internal/query"
	"github.com/miru-ai/miru/internal/storage"
)

// Server is the Miru HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	// Required dependencies.
	DB      *storage.DB
	Ingest  *ingest.Service
	Query   *query.Service
	Metrics *metric.Service
	Logger  *slog.Logger

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	IngestTimeout       time.Duration
	QueryTimeout        time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Ingest:              cfg.Ingest,
		Query:               cfg.Query,
		Metrics:             cfg.Metrics,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		IngestTimeout:       cfg.IngestTimeout,
		QueryTimeout:        cfg.QueryTimeout,
	})

	mux := http.NewServeMux()

	// Ingest.
	mux.HandleFunc("POST /v1/traces", h.HandleIngest)

	// Query endpoints. Literal segments win over {trace_id} in the mux.
	mux.HandleFunc("GET /v1/traces/query", h.HandleQueryTraces)
	mux.HandleFunc("GET /v1/traces/metrics", h.HandleTraceMetrics)
	mux.HandleFunc("GET /v1/traces/{trace_id}", h.HandleGetTrace)
	mux.HandleFunc("GET /v1/spans/query", h.HandleQuerySpans)
	mux.HandleFunc("GET /v1/span/{span_id}/metrics", h.HandleSpanMetrics)

	// Aggregations.
	mux.HandleFunc("GET /v1/sessions/query", h.HandleQuerySessions)
	mux.HandleFunc("GET /v1/sessions/{session_id}/traces", h.HandleSessionTraces)
	mux.HandleFunc("GET /v1/users/query", h.HandleQueryUsers)
	mux.HandleFunc("GET /v1/users/{user_id}/sessions", h.HandleUserSessions)
	mux.HandleFunc("GET /v1/users/{user_id}/traces", h.HandleUserTraces)

	// Health (no middleware requirements beyond the standard chain).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
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
