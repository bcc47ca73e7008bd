// Package api mounts the hub's transports and operational endpoints on an HTTP router.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eleven-am/roomhub/hub"
	"github.com/eleven-am/roomhub/internal/metrics"
)

// RouterOptions carries the optional collaborators of the router.
type RouterOptions struct {
	// Collector records HTTP metrics when set.
	Collector *metrics.Collector

	// Gatherer backs /metrics. Defaults to the Prometheus default registry.
	Gatherer prometheus.Gatherer

	// AllowedOrigins for CORS on the SSE push endpoint. Empty allows any origin.
	AllowedOrigins []string

	// Checks are run by /health.
	Checks map[string]Check
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, manager *hub.Manager, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	if opts.Collector != nil {
		r.Use(Metrics(opts.Collector))
	}

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(logger))
	r.Use(chimw.Recoverer)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", hub.ConnectionIDHeader, hub.PushTokenHeader},
		ExposedHeaders:   []string{hub.ConnectionIDHeader, hub.PushTokenHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Method(http.MethodGet, "/health", &healthHandler{hub: manager.Hub(), checks: opts.Checks})

	r.Get("/ws", manager.ServeWS)
	r.Get("/sse", manager.ServeSSE)
	r.Post("/sse/{connectionId}", func(w http.ResponseWriter, r *http.Request) {
		manager.PushSSE(w, r, chi.URLParam(r, "connectionId"))
	})

	return r
}
