// Package app wires configuration, adapters and usecases into runnable
// server and worker processes.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/creator-discovery/internal/adapter/httpserver"
	"github.com/fairyhunter13/creator-discovery/internal/adapter/observability"
	"github.com/fairyhunter13/creator-discovery/internal/config"
	"github.com/fairyhunter13/creator-discovery/internal/domain"
)

// ParseOrigins splits a comma-separated origin list into a slice,
// trimming spaces. An empty input means all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and
// routes. The events route stays outside the timeout group so SSE
// streams are not cut off.
func BuildRouter(cfg config.Config, srv *httpserver.Server, keys domain.APIKeyRepository) http.Handler {
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
		ExposedHeaders:   []string{"X-Request-Id", "X-RateLimit-Scope", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	auth := httpserver.APIKeyAuth(keys)

	r.Group(func(ar chi.Router) {
		ar.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		ar.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		ar.Use(auth)
		ar.Post("/pipeline/start", srv.StartHandler())
		ar.Get("/pipeline/jobs", srv.ListJobsHandler())
		ar.Get("/pipeline/jobs/{id}", srv.GetJobHandler())
		ar.Get("/pipeline/jobs/{id}/results", srv.ResultsHandler())
		ar.Get("/pipeline/jobs/{id}/artifacts/{kind}", srv.ArtifactHandler())
		ar.Post("/pipeline/jobs/{id}/cancel", srv.CancelHandler())
		ar.Post("/weaviate/search", srv.SearchHandler())
	})

	// Long-lived streaming route, authenticated but untimed.
	r.Group(func(sr chi.Router) {
		sr.Use(auth)
		sr.Get("/pipeline/jobs/{id}/events", srv.EventsHandler())
	})

	r.Get("/health", srv.HealthHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
