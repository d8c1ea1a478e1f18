package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quantgrid/flowbot/internal/domain"
	"github.com/quantgrid/flowbot/internal/server/handler"
	"github.com/quantgrid/flowbot/internal/server/middleware"
	"github.com/quantgrid/flowbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimiter, when set, caps requests per client IP.
	RateLimiter domain.RateLimiter
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Engine  *handler.EngineHandler
	Replay  *handler.ReplayHandler
	Archive *handler.ArchiveHandler
}

// Server is the headless HTTP + WebSocket API for the engine and the replay
// control surface.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux. It
// wires up middleware (logging, CORS, auth, rate limiting) and attaches the
// WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Engine endpoints.
	if handlers.Engine != nil {
		mux.HandleFunc("GET /api/engine/status", handlers.Engine.Status)
		mux.HandleFunc("GET /api/signals/recent", handlers.Engine.RecentSignals)
		mux.HandleFunc("GET /api/bars/{key}/latest", handlers.Engine.LatestBar)
		mux.HandleFunc("GET /api/bars/{key}", handlers.Engine.ListBars)
		mux.HandleFunc("GET /api/trades/{key}/exits", handlers.Engine.ListExits)
	}

	// Replay control surface.
	if handlers.Replay != nil {
		mux.HandleFunc("POST /api/replay/start", handlers.Replay.Start)
		mux.HandleFunc("POST /api/replay/pause", handlers.Replay.Pause)
		mux.HandleFunc("POST /api/replay/resume", handlers.Replay.Resume)
		mux.HandleFunc("POST /api/replay/stop", handlers.Replay.Stop)
		mux.HandleFunc("PUT /api/replay/speed", handlers.Replay.SetSpeed)
		mux.HandleFunc("GET /api/replay/status", handlers.Replay.Status)
	}

	// Archive browsing, registered only when cold storage is configured.
	if handlers.Archive != nil {
		mux.HandleFunc("GET /api/archive/objects", handlers.Archive.List)
		mux.HandleFunc("GET /api/archive/objects/{path...}", handlers.Archive.Download)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply per-client rate limiting when a limiter is configured.
	if cfg.RateLimiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimit, cfg.RateWindow)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
