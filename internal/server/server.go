package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/flowtrace/internal/flows"
	"github.com/ashita-ai/flowtrace/internal/hooks"
	"github.com/ashita-ai/flowtrace/internal/model"
	"github.com/ashita-ai/flowtrace/internal/ratelimit"
	"github.com/ashita-ai/flowtrace/internal/service/archive"
	"github.com/ashita-ai/flowtrace/internal/service/correlate"
)

// Server is the flowtrace HTTP server.
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
// Optional fields (nil-safe): Archive, Buffer, Broker, QueryLimiter, MCPServer,
// OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Hooks    *hooks.Adapter
	Registry *flows.Registry
	Table    *correlate.Table
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Archive      Archive
	Buffer       *archive.Buffer
	Broker       *Broker
	QueryLimiter ratelimit.Limiter // Per-client limit on query routes.

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	HookToken           string

	MCPServer   *mcpserver.MCPServer // Query tools for MCP clients, served at /v1/mcp.
	OpenAPISpec []byte               // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Hooks:               cfg.Hooks,
		Registry:            cfg.Registry,
		Table:               cfg.Table,
		Archive:             cfg.Archive,
		Buffer:              cfg.Buffer,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	mux := http.NewServeMux()

	// Hook bridge: one call per host event.
	mux.HandleFunc("POST /v1/hooks/flows-started", h.HandleFlowsStarted)
	mux.HandleFunc("POST /v1/hooks/flows-stopped", h.HandleFlowsStopped)
	mux.HandleFunc("POST /v1/hooks/pre-route", h.HandlePreRoute)
	mux.HandleFunc("POST /v1/hooks/post-deliver", h.HandlePostDeliver)
	mux.HandleFunc("POST /v1/hooks/receive", h.HandleReceive)
	mux.HandleFunc("POST /v1/hooks/complete", h.HandleComplete)

	// Query routes, rate limited per client IP.
	queryRL := ratelimit.Middleware(cfg.QueryLimiter, ratelimit.IPKeyFunc, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "too many requests")
	})
	mux.Handle("GET /v1/flows", queryRL(http.HandlerFunc(h.HandleFlows)))
	mux.Handle("GET /v1/traces", queryRL(http.HandlerFunc(h.HandleInFlight)))

	// Archive (503 when disabled).
	mux.Handle("GET /v1/traces/recent", queryRL(http.HandlerFunc(h.HandleRecentTraces)))
	mux.Handle("GET /v1/traces/health", queryRL(http.HandlerFunc(h.HandleTraceHealth)))
	mux.Handle("GET /v1/traces/{trace_id}", queryRL(http.HandlerFunc(h.HandleGetTrace)))

	// Closed-trace stream (long-lived connection).
	mux.Handle("GET /v1/traces/subscribe", queryRL(http.HandlerFunc(h.HandleSubscribe)))

	// MCP StreamableHTTP transport (same bearer token as the hooks).
	if cfg.MCPServer != nil {
		mux.Handle("/v1/mcp", queryRL(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	// OpenAPI spec and health (no auth).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.HookToken, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
