/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack and route definitions for
  the ledger node.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed into logs
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for browser clients

ROUTE GROUPS:
  /api/jobs/*     Job lifecycle and reads
  /api/escrow     Custody summary
  /api/scenarios  Demo data loaders (Handler.Demo only)
  /metrics        Prometheus exposition
  /healthz        Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/escrow-ledger/metrics"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", ActorHeader},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Post("/", h.CreateJob)
			r.Get("/count", h.CountJobs)

			r.Route("/open", func(r chi.Router) {
				r.Get("/", h.ListOpenJobs)
				r.Get("/count", h.CountOpenJobs)
				r.Get("/{index}", h.GetOpenJobID)
			})

			r.Get("/{id}", h.GetJob)
			r.Get("/{id}/history", h.GetHistory)
			r.Post("/{id}/actions", h.ApplyAction)
		})

		r.Get("/escrow", h.GetEscrow)

		if h.Demo {
			r.Get("/scenarios", h.ListScenarios)
			r.Post("/scenarios/load", h.LoadScenario)
		}
	})

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", h.Healthz)

	return r
}
