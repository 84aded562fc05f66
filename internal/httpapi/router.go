// Package httpapi is the ingress HTTP surface: the upload endpoint
// wrapping the Upload Assembler, task status/report reads, and
// liveness/readiness probes (spec.md §6, SPEC_FULL.md "Supplemented
// Features"). Routing is github.com/go-chi/chi/v5, the teacher's own
// fs/rc/rcserver and lib/http test dependency.
package httpapi

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mac-lisowski/reservation-ingest/internal/config"
	"github.com/mac-lisowski/reservation-ingest/internal/metrics"
)

// NewRouter assembles the full ingress route tree.
func NewRouter(cfg config.Config, h *Handlers, health *HealthChecker) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", health.healthz)
	r.Get("/readyz", health.readyz)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	r.Route("/v1/task", func(v1 chi.Router) {
		v1.Use(authMiddleware(cfg.Auth.RootAPIKey))
		v1.Post("/upload", h.UploadChunk)
		v1.Delete("/upload/{uploadId}", h.AbortUpload)
		v1.Get("/status/{taskId}", h.TaskStatus)
		v1.Get("/report/{taskId}", h.TaskReport)
	})

	return r
}
