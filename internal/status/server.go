// Package status serves the logwatch HTTP status API.
//
// Route layout:
//
//	GET /healthz         liveness and queue summary (no authentication)
//	GET /metrics         Prometheus exposition (no authentication)
//	GET /api/v1/targets  tracked files and watched directories (JWT when configured)
package status

import (
	"crypto/rsa"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tripwire/logwatch/internal/watch"
)

// Engine is the read-only view of the watch engine the status API needs.
// *watch.Watcher satisfies it.
type Engine interface {
	Targets() []watch.TargetStatus
	Directories() []string
	QueueDepth() int
	QueueCapacity() int
}

// Server holds the dependencies of the status handlers.
type Server struct {
	engine  Engine
	metrics http.Handler
	started time.Time
	logger  *slog.Logger
}

// NewServer returns a Server over engine. metrics serves /metrics; nil
// leaves the route returning 404.
func NewServer(engine Engine, metrics http.Handler, logger *slog.Logger) *Server {
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, metrics: metrics, started: time.Now(), logger: logger}
}

// NewRouter returns the chi router for s. When pub is non-nil every
// /api/v1 route requires an RS256 bearer token verified against it.
func NewRouter(s *Server, pub *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics)

	r.Route("/api/v1", func(r chi.Router) {
		if pub != nil {
			r.Use(JWTMiddleware(pub, s.logger))
		}
		r.Get("/targets", s.handleTargets)
	})
	return r
}

// Health is the /healthz response body.
type Health struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_s"`
	QueueDepth    int     `json:"queue_depth"`
	QueueCapacity int     `json:"queue_capacity"`
	TrackedFiles  int     `json:"tracked_files"`
}

// TargetsResponse is the /api/v1/targets response body.
type TargetsResponse struct {
	Files       []watch.TargetStatus `json:"files"`
	Directories []string             `json:"directories"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Health{
		Status:        "ok",
		UptimeSeconds: time.Since(s.started).Seconds(),
		QueueDepth:    s.engine.QueueDepth(),
		QueueCapacity: s.engine.QueueCapacity(),
		TrackedFiles:  len(s.engine.Targets()),
	})
}

func (s *Server) handleTargets(w http.ResponseWriter, _ *http.Request) {
	resp := TargetsResponse{
		Files:       s.engine.Targets(),
		Directories: s.engine.Directories(),
	}
	if resp.Files == nil {
		resp.Files = []watch.TargetStatus{}
	}
	if resp.Directories == nil {
		resp.Directories = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
