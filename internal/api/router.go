// Package api provides the HTTP surface of the jobs server.
package api

import (
	"net/http"
	"time"

	"github.com/bargom/sidequest/internal/api/handlers"
	"github.com/bargom/sidequest/internal/api/ws"
	"github.com/bargom/sidequest/pkg/logging"
	"github.com/bargom/sidequest/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterConfig carries the optional pieces of the router.
type RouterConfig struct {
	// Hub serves the websocket activity channel when set.
	Hub *ws.Hub

	// Metrics enables request instrumentation and the /metrics endpoint.
	Metrics *metrics.Registry

	// MigrationKey guards mutating routes when non-empty.
	MigrationKey string
}

// NewRouter creates a Chi router with all routes and middleware configured.
func NewRouter(h *handlers.Handler, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestIDIntoLogs)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(metrics.HTTPMiddleware(cfg.Metrics))
	}

	guard := requireMigrationKey(cfg.MigrationKey)

	// JSON routes get the request timeout; the websocket upgrade must stay
	// outside it because those connections outlive any sane deadline.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(jsonContentType)

		r.Get("/health", h.Health)

		r.Route("/api", func(r chi.Router) {
			r.Get("/status", h.Status)

			r.Route("/sidequest", func(r chi.Router) {
				r.Route("/pipeline-runners/{id}", func(r chi.Router) {
					r.Get("/jobs", h.ListJobs)
					r.With(guard).Post("/trigger", h.TriggerJob)
				})
				r.With(guard).Post("/jobs/import", h.ImportJobs)
			})

			r.With(guard).Post("/scans/start", h.StartScan)
		})
	})

	if cfg.Hub != nil {
		r.Get("/ws/activity", cfg.Hub.ServeHTTP)
	}

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	return r
}

// jsonContentType sets the Content-Type header to application/json.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDIntoLogs copies chi's request id into the logging context so
// every record emitted while serving the request carries it.
func requestIDIntoLogs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(logging.ContextWithRequest(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
