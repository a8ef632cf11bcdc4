package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"bitriver-ingest/internal/observability/logging"
	"bitriver-ingest/internal/observability/metrics"
)

// NewRouter mounts the handler's endpoints with request ID, logging and
// metrics middleware.
func NewRouter(h *Handler) http.Handler {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(logger))
	r.Use(logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger}))
	r.Use(func(next http.Handler) http.Handler { return metrics.HTTPMiddleware(h.Metrics, next) })

	r.Get("/healthz", h.Health)
	r.Get("/metrics", h.Metrics.Handler(h.refreshGauges).ServeHTTP)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/streams", h.ListStreams)
		r.Get("/streams/{key}", h.StreamStatus)
		r.Get("/encoders", h.ListEncoders)
		r.Get("/sessions", h.ListSessions)
	})
	return r
}
