/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for dashboards

SECURITY NOTE:
  No authentication middleware. The service is meant to sit behind the
  data-platform network boundary, not on the public internet.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/historian/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultOrigins is the CORS allow-list used when the config names none:
// the local dashboard dev server and the service's own port.
var DefaultOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured. origins is the
// CORS allow-list; pass nil to use DefaultOrigins.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = DefaultOrigins
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/snapshots", func(r chi.Router) {
			r.Post("/employees", h.ApplyEmployees)
			r.Post("/requests", h.ApplyRequests)
			r.Post("/payments", h.ApplyPayments)
		})

		r.Route("/enrichments", func(r chi.Router) {
			r.Post("/payments", h.EnrichPayments)
		})

		r.Get("/batches", h.ListBatches)

		r.Route("/history", func(r chi.Router) {
			r.Get("/employees/{ref}", h.EmployeeHistory)
			r.Get("/requests/{ref}", h.RequestHistory)
			r.Get("/payments/{ref}", h.PaymentHistory)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
