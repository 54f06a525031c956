// Package api exposes the review pipeline over HTTP: synchronous reviews,
// async task submission, SSE progress streams, and a websocket task feed.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/r3labs/sse/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/docsurge/docsurge/internal/config"
	"github.com/docsurge/docsurge/internal/task"
)

// Server is the DocSurge HTTP API server.
type Server struct {
	router    *http.ServeMux
	orch      *task.Orchestrator
	redis     *redis.Client
	cfg       *config.Config
	logger    zerolog.Logger
	sse       *sse.Server
	startTime time.Time
	version   string
}

// NewServer creates and configures the API server with all routes.
func NewServer(orch *task.Orchestrator, redisClient *redis.Client, cfg *config.Config, logger zerolog.Logger) *Server {
	sseServer := sse.New()
	sseServer.AutoReplay = true
	sseServer.AutoStream = false

	s := &Server{
		router:    http.NewServeMux(),
		orch:      orch,
		redis:     redisClient,
		cfg:       cfg,
		logger:    logger.With().Str("component", "api").Logger(),
		sse:       sseServer,
		startTime: time.Now(),
		version:   "1.0.0",
	}

	s.setupRoutes()
	return s
}

// setupRoutes registers all REST endpoints.
func (s *Server) setupRoutes() {
	// Health (no /api prefix)
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /health/live", s.handleLiveness)
	s.router.HandleFunc("GET /health/ready", s.handleReadiness)

	// Review submission, one route family per delivery mode
	s.router.HandleFunc("POST /api/review/{agent}", s.handleSyncReview)
	s.router.HandleFunc("POST /api/review/{agent}/tasks", s.handleAsyncSubmit)
	s.router.HandleFunc("POST /api/review/{agent}/stream", s.handleStreamReview)

	// Task inspection and control
	s.router.HandleFunc("GET /api/tasks/{task_id}", s.handleGetTask)
	s.router.HandleFunc("GET /api/tasks/{task_id}/unified", s.handleGetUnified)
	s.router.HandleFunc("GET /api/tasks/{task_id}/flat", s.handleGetFlat)
	s.router.HandleFunc("GET /api/tasks/{task_id}/rebuilt", s.handleGetRebuilt)
	s.router.HandleFunc("DELETE /api/tasks/{task_id}", s.handleDeleteTask)

	// Admin
	s.router.HandleFunc("POST /api/admin/cleanup", s.handleCleanup)

	// WebSocket task feed
	if s.cfg.API.Websockets {
		s.router.HandleFunc("GET /ws/tasks", s.handleTaskFeed)
	}
}

// Handler returns the full middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router

	// Innermost first: the request ID wrapper runs before everything else.
	h = RateLimitMiddleware(s.cfg.API.RateLimit, h)
	h = MetricsMiddleware(h)
	h = CORSMiddleware(h)
	h = RecoveryMiddleware(s.logger, h)
	h = LoggerMiddleware(s.logger, h)
	h = RequestIDMiddleware(s.logger, h)

	return h
}

// ListenAndServe builds the http.Server with sane timeouts. WriteTimeout is
// generous because synchronous reviews and SSE streams hold the connection
// for the whole task run.
func (s *Server) ListenAndServe(addr string) *http.Server {
	if addr == "" {
		addr = fmt.Sprintf(":%d", s.cfg.API.Port)
	}

	return &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: s.cfg.Review.TaskTimeout + time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// Shutdown releases API-held resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("API server shutting down")
	s.sse.Close()
	return nil
}
