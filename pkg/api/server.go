// Package api exposes the execution core over HTTP: session CRUD, run
// lifecycle, event streaming (SSE and WebSocket), and health.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codelia/codelia/pkg/agentpool"
	"github.com/codelia/codelia/pkg/database"
	"github.com/codelia/codelia/pkg/events"
	"github.com/codelia/codelia/pkg/scheduler"
	"github.com/codelia/codelia/pkg/services"
)

// Server wires the service layer to a gin router. The database client,
// worker pool, and connection manager are optional: the memory backend runs
// without any of them, and an api-only replica runs without the pool.
type Server struct {
	runs     *services.RunService
	sessions *services.SessionService
	agents   *agentpool.Pool

	dbClient    *database.Client
	workerPool  *scheduler.WorkerPool
	connManager *events.ConnectionManager

	healthOnly bool

	logger *slog.Logger
	engine *gin.Engine
	http   *http.Server
}

// ServerOption configures optional Server dependencies.
type ServerOption func(*Server)

// WithDatabase attaches the Postgres client for the health endpoint.
func WithDatabase(client *database.Client) ServerOption {
	return func(s *Server) { s.dbClient = client }
}

// WithWorkerPool attaches the worker pool for the health endpoint.
func WithWorkerPool(pool *scheduler.WorkerPool) ServerOption {
	return func(s *Server) { s.workerPool = pool }
}

// WithConnectionManager enables the /ws streaming endpoint.
func WithConnectionManager(m *events.ConnectionManager) ServerOption {
	return func(s *Server) { s.connManager = m }
}

// WithHealthOnly limits routing to the health endpoints. Worker-only
// replicas use it so probes keep working without exposing the run API.
func WithHealthOnly() ServerOption {
	return func(s *Server) { s.healthOnly = true }
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates the HTTP server. Panics if a required service is nil.
func NewServer(runs *services.RunService, sessions *services.SessionService, agents *agentpool.Pool, opts ...ServerOption) *Server {
	if runs == nil {
		panic("api.NewServer: run service is required")
	}
	if sessions == nil {
		panic("api.NewServer: session service is required")
	}
	if agents == nil {
		panic("api.NewServer: agent pool is required")
	}

	s := &Server{
		runs:     runs,
		sessions: sessions,
		agents:   agents,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")
	s.engine = s.buildEngine()
	return s
}

func (s *Server) buildEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(s.logger))
	engine.Use(securityHeaders())
	_ = engine.SetTrustedProxies(nil)

	engine.GET("/health", s.healthHandler)
	if s.healthOnly {
		engine.GET("/api/v1/health", s.healthHandler)
		return engine
	}
	engine.GET("/ws", s.wsHandler)

	v1 := engine.Group("/api/v1")
	{
		v1.GET("/health", s.healthHandler)
		v1.GET("/ws", s.wsHandler)

		v1.POST("/sessions", s.createSessionHandler)
		v1.GET("/sessions", s.listSessionsHandler)
		v1.GET("/sessions/:session_id", s.getSessionHandler)
		v1.DELETE("/sessions/:session_id", s.deleteSessionHandler)
		v1.POST("/sessions/:session_id/cancel", s.cancelSessionHandler)

		v1.POST("/runs", s.createRunHandler)
		v1.GET("/runs", s.listRunsHandler)
		v1.GET("/runs/:run_id", s.getRunHandler)
		v1.POST("/runs/:run_id/cancel", s.cancelRunHandler)
		v1.GET("/runs/:run_id/events", s.listRunEventsHandler)
		v1.GET("/runs/:run_id/events/stream", s.streamRunEventsHandler)
	}

	return engine
}

// Handler returns the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start runs the HTTP server on addr. Blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown stops accepting new requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
