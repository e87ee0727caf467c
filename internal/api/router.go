// Package api is the operational HTTP surface: queue reads for the
// acquisition consumer, monitor start/stop/status and configuration.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"carminepf/internal/acquire"
	"carminepf/internal/metrics"
	"carminepf/internal/model"
	"carminepf/internal/scheduler"
)

// Monitor controls the discovery loop.
type Monitor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() scheduler.Status
}

// Queue hands out queued candidates.
type Queue interface {
	ReadBatch(ctx context.Context, limit int) ([]model.Item, error)
	Pending(ctx context.Context) (int64, error)
}

// Configs reads and replaces the monitoring configuration. Ping reports
// whether the backing store is reachable.
type Configs interface {
	GetConfig(ctx context.Context) (*model.MonitorConfig, error)
	ReplaceConfig(ctx context.Context, upd model.ConfigUpdate) (*model.MonitorConfig, error)
	Ping(ctx context.Context) error
}

// Attempts exposes recent acquisition outcomes.
type Attempts interface {
	Completed() []acquire.Outcome
	Failed() []acquire.Outcome
	Rejected() int
}

type Handler struct {
	monitor  Monitor
	queue    Queue
	configs  Configs
	attempts Attempts
	metrics  *metrics.Metrics
	apiKey   string
	log      *slog.Logger
}

// NewHandler creates a Handler. apiKey substitutes the placeholder in
// submitted feed URLs. attempts may be nil.
func NewHandler(monitor Monitor, queue Queue, configs Configs, attempts Attempts, m *metrics.Metrics, apiKey string, log *slog.Logger) *Handler {
	return &Handler{
		monitor:  monitor,
		queue:    queue,
		configs:  configs,
		attempts: attempts,
		metrics:  m,
		apiKey:   apiKey,
		log:      log,
	}
}

// NewRouter mounts the agent endpoints and the health and metrics routes.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(h.recoverMiddleware)
	r.Use(h.loggingMiddleware)

	r.Get("/healthz", h.health)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/items", h.readItems)
		r.Get("/status", h.getStatus)
		r.Post("/monitor/start", h.startMonitor)
		r.Post("/monitor/stop", h.stopMonitor)
		r.Get("/config", h.getConfig)
		r.Put("/config", h.putConfig)
		r.Get("/attempts", h.listAttempts)
	})
	return r
}
