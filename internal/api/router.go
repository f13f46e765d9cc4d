// Courier - Transactional Email Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/courier

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/courier/internal/metrics"
)

// RouterConfig holds routing and middleware settings.
type RouterConfig struct {
	// RateLimitEnabled toggles per-IP rate limiting on API routes.
	RateLimitEnabled bool

	// RequestsPerMinute is the per-IP budget when rate limiting is on.
	RequestsPerMinute int
}

// Setup wires all routes and middleware into an http.Handler.
func Setup(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(prometheusMetrics)

	// Health endpoints stay unthrottled so probes never get rejected.
	r.Route("/api/v1/email-queue", func(r chi.Router) {
		r.Get("/health/live", h.HealthLive)
		r.Get("/health/ready", h.HealthReady)
		r.Get("/health", h.Health)

		if cfg.RateLimitEnabled {
			r = r.With(rateLimit(cfg.RequestsPerMinute))
		}
		r.Post("/events", h.Publish)
		r.Get("/metrics", h.Metrics)
		r.Get("/statistics", h.Statistics)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/failed-jobs", h.FailedJobs)
			r.Post("/failed-jobs/{id}/replay", h.ReplayFailedJob)
			r.Get("/audit", h.Audit)
		})
	})

	// Prometheus scrape endpoint.
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func rateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 300
	}
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.APIRateLimitHits.WithLabelValues(r.URL.Path).Inc()
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
		}),
	)
}

// prometheusMetrics records request counts and latency per route pattern.
func prometheusMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.RecordAPIRequest(r.Method, pattern, ww.Status(), time.Since(start))
	})
}
