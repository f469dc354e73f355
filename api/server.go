/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counter and latency histogram
  5. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /health               Liveness
  /metrics              Prometheus scrape endpoint
  /api/accounts/*       Accounts and leaderboard
  /api/transactions/*   Admission
  /api/log/*            Audit tails
  /api/tickets/*        Ticket ledger
  /api/admin/*          Admin operations

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/credit-ledger/metrics"
)

// DefaultCORSOrigins is used when NewRouter gets no origins.
var DefaultCORSOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	if len(corsOrigins) == 0 {
		corsOrigins = DefaultCORSOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Get("/{id}", h.GetAccount)
			r.Put("/{id}", h.UpsertAccount)
			r.Get("/{id}/effective-balance", h.GetEffectiveBalance)
			r.Get("/{id}/next-sequence", h.GetNextSequence)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.SubmitTransaction)
			r.Post("/multitip", h.MultiTip)
			r.Get("/pending", h.ListPending)
		})

		r.Route("/log", func(r chi.Router) {
			r.Get("/applied", h.AppliedLog)
			r.Get("/rejected", h.RejectedLog)
		})

		r.Get("/tickets/{item}", h.Tickets)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/settle", h.TriggerSettlement)
		})
	})

	return r
}

// instrument records request count and latency by route pattern, so ids in
// the path do not explode label cardinality.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
