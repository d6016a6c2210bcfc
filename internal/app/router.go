// Package app wires configuration, adapters and the HTTP surface into a
// runnable service: router construction, readiness checks and the stuck
// job sweeper live here so cmd/ stays thin.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alephworks/alephauto/internal/adapter/httpserver"
	"github.com/alephworks/alephauto/internal/adapter/observability"
	"github.com/alephworks/alephauto/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// REST routes run under a request deadline. The WebSocket routes must
	// stay outside it: http.TimeoutHandler cannot hand over the connection
	// for the upgrade, and the stream outlives any sane deadline.
	r.Group(func(api chi.Router) {
		api.Use(httpserver.TimeoutMiddleware(30 * time.Second))

		// Rate limit mutating endpoints.
		api.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/api/scans/start", srv.StartScanHandler())
			wr.Post("/api/scans/start-multi", srv.StartMultiScanHandler())
			wr.Post("/api/jobs/{id}/cancel", srv.CancelJobHandler())
		})

		// Read-only API.
		api.Get("/api/status", srv.StatusHandler())
		api.Get("/api/pipelines/{id}/jobs", srv.PipelineJobsHandler())
		api.Get("/api/jobs", srv.JobsHandler())
		api.Get("/api/scans/{jobId}/status", srv.ScanStatusHandler())
		api.Get("/api/scans/{jobId}/results", srv.ScanResultsHandler())

		// Health and metrics.
		api.Get("/health", srv.HealthHandler())
		api.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
		api.Get("/readyz", srv.ReadyzHandler())
		api.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	})

	// WebSocket endpoints. The status path is static so chi matches it
	// ahead of any parametric siblings.
	r.Get("/ws/status", srv.WSStatusHandler())
	if srv.Hub != nil {
		r.Get("/ws", srv.Hub.Handler())
	}

	return httpserver.SecurityHeaders(r)
}
