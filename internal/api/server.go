// Package api exposes the engine over HTTP: event ingestion, alert and
// block-list queries, analyst actions and a WebSocket notification stream.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"socwatch/internal/config"
	"socwatch/internal/engine"
	"socwatch/internal/middleware"
)

// Server serves the HTTP API for one engine.
type Server struct {
	engine     *engine.Engine
	hub        *Hub
	limiter    *middleware.RateLimiter
	cfg        *config.Config
	logger     *slog.Logger
	maxPayload int
	maxBatch   int
	startTime  time.Time
}

// NewServer creates a Server. hub may be nil, in which case /v1/stream
// answers 503.
func NewServer(cfg *config.Config, eng *engine.Engine, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:     eng,
		hub:        hub,
		limiter:    middleware.NewRateLimiter(cfg.RateLimit, logger.With("component", "ratelimit")),
		cfg:        cfg,
		logger:     logger,
		maxPayload: cfg.Server.MaxPayloadSize,
		maxBatch:   cfg.Server.MaxBatchSize,
		startTime:  time.Now(),
	}
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/alerts", s.handleListAlerts)
	mux.HandleFunc("GET /v1/alerts/{id}", s.handleGetAlert)
	mux.HandleFunc("POST /v1/alerts/{id}/acknowledge", s.handleAcknowledge)
	mux.HandleFunc("POST /v1/alerts/{id}/patch", s.handlePatch)
	mux.HandleFunc("POST /v1/alerts/{id}/escalate", s.handleEscalate)
	mux.HandleFunc("POST /v1/alerts/{id}/ignore", s.handleIgnore)

	mux.HandleFunc("GET /v1/patches", s.handleListPatches)
	mux.HandleFunc("GET /v1/patches/stats", s.handlePatchStats)
	mux.HandleFunc("POST /v1/patches/{event_id}/fail", s.handleFailPatch)

	mux.HandleFunc("GET /v1/blocked-sources", s.handleBlockedSources)
	mux.HandleFunc("GET /v1/blocked-sources/history", s.handleBlockHistory)
	mux.HandleFunc("GET /v1/blocked-sources/stats", s.handleBlockStats)
	mux.HandleFunc("POST /v1/blocked-sources/{ip}/unblock", s.handleUnblock)
	mux.HandleFunc("GET /v1/sources/{ip}", s.handleSource)

	mux.HandleFunc("GET /v1/correlation/stats", s.handleCorrelationStats)
	mux.HandleFunc("GET /v1/rules", s.handleRules)
	mux.HandleFunc("POST /v1/rules", s.handleCreateRule)
	mux.HandleFunc("GET /v1/rules/{id}", s.handleGetRule)
	mux.HandleFunc("DELETE /v1/rules/{id}", s.handleDeleteRule)
	mux.HandleFunc("GET /v1/cases", s.handleCases)
	mux.HandleFunc("POST /v1/cases/{id}/resolve", s.handleResolveCase)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("POST /v1/reset", s.handleReset)
	mux.HandleFunc("POST /v1/cleanup", s.handleCleanup)

	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.Chain(mux,
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.SecurityHeaders,
		middleware.CORS(s.cfg.CORS),
		s.limiter.Middleware,
	)
}

// Close releases background resources held by the server.
func (s *Server) Close() {
	s.limiter.Stop()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		respondError(w, r, http.StatusServiceUnavailable, "notification stream disabled")
		return
	}
	s.hub.ServeWS(w, r)
}

// handleHealth reports "degraded" once the partition queues are over 90% full.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()

	status := "healthy"
	if stats.QueueCapacity > 0 && stats.Queued > int(float64(stats.QueueCapacity)*0.9) {
		status = "degraded"
	}

	resp := map[string]any{
		"status":         status,
		"queue_depth":    stats.Queued,
		"queue_capacity": stats.QueueCapacity,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	}
	respondJSON(w, http.StatusOK, resp)
}
