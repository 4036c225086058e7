package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/healthfirst/availability-scheduling/internal/metrics"
)

type RouterConfig struct {
	Service  AvailabilityService
	DB       Pinger
	Redis    *redis.Client
	Log      zerolog.Logger
	Metrics  *metrics.HTTPMetrics
	Gatherer prometheus.Gatherer // nil disables /metrics
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) (http.Handler, error) {
	v, err := NewRequestValidator()
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log))
	r.Use(RecoveryMiddleware(cfg.Log))
	r.Use(MetricsMiddleware(cfg.Metrics))

	health := NewHealthHandler(cfg.DB, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	svc := cfg.Service
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/providers/{providerID}/availability", func(r chi.Router) {
			r.Post("/", createAvailabilityHandler(svc, v))
			r.Get("/", providerAvailabilityHandler(svc, v))
			r.Get("/summary", availabilitySummaryHandler(svc, v))
			r.Get("/conflicts", checkConflictsHandler(svc, v))
		})

		r.Route("/slots", func(r chi.Router) {
			r.Post("/bulk-update", bulkUpdateSlotsHandler(svc, v))
			r.Put("/{slotID}", updateSlotHandler(svc, v))
			r.Delete("/{slotID}", deleteSlotHandler(svc))
			r.Post("/{slotID}/book", bookSlotHandler(svc, v))
			r.Post("/{slotID}/cancel", cancelSlotHandler(svc))
		})

		r.Get("/availability/search", searchAvailabilityHandler(svc, v))
	})

	return r, nil
}
