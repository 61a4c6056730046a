// Package api serves the dispatcher's operations and monitoring HTTP API
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.flowcatalyst.tech/dispatcher/internal/common/health"
	"go.flowcatalyst.tech/dispatcher/internal/common/metrics"
	"go.flowcatalyst.tech/dispatcher/internal/router/warning"
)

// Handlers groups everything mounted by NewRouter. Nil handlers are skipped.
type Handlers struct {
	Health      *health.Checker
	Monitoring  *MonitoringHandler
	Pools       *PoolHandler
	Breakers    *BreakerHandler
	Jobs        *JobHandler
	Warnings    *warning.Handler
	CORSOrigins []string
}

// NewRouter builds the HTTP handler
func NewRouter(h Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	if len(h.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}

	if h.Health != nil {
		r.Get("/q/health", h.Health.HandleHealth)
		r.Get("/q/health/live", h.Health.HandleLive)
		r.Get("/q/health/ready", h.Health.HandleReady)
	}

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	r.Route("/monitoring", func(r chi.Router) {
		if h.Monitoring != nil {
			h.Monitoring.RegisterRoutes(r)
		}
		if h.Warnings != nil {
			h.Warnings.RegisterRoutes(r)
		}
	})

	r.Route("/api", func(r chi.Router) {
		if h.Pools != nil {
			h.Pools.RegisterRoutes(r)
		}
		if h.Breakers != nil {
			h.Breakers.RegisterRoutes(r)
		}
		if h.Jobs != nil {
			h.Jobs.RegisterRoutes(r)
		}
	})

	return r
}

// instrument records request counts and latency by route pattern
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := sonic.Marshal(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
