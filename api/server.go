/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/accounts/*        Account registry and balances
  /api/transactions/*    Posting, lifecycle, history
  /api/rules/*           Allocation rules
  /api/reconciliations/* Reconciliation runs and review
  /api/audit             Audit trail queries
  /api/scenarios/*       Demo scenario loading (-demo only)
  /health                Liveness probe

SECURITY NOTE:
  Token verification is an upstream concern; this layer only extracts the
  pre-verified actor headers. Do not expose the server without a verifying
  proxy in front.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor-ID", "X-Actor-Role"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.CreateAccount)
			r.Get("/{code}", h.GetAccount)
			r.Put("/{code}/status", h.SetAccountStatus)
			r.Get("/{code}/balance", h.GetBalance)
			r.Get("/{code}/transactions", h.GetTransactions)
		})

		// Transaction routes
		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.PostTransaction)
			r.Post("/draft", h.DraftTransaction)
			r.Get("/{id}", h.GetTransaction)
			r.Get("/{id}/children", h.GetChildren)
			r.Post("/{id}/commit", h.CommitTransaction)
			r.Post("/{id}/reverse", h.ReverseTransaction)
			r.Delete("/{id}", h.CancelTransaction)
		})

		// Allocation rule routes
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Get("/{name}", h.GetRule)
			r.Put("/{name}", h.UpdateRule)
			r.Delete("/{name}", h.DeactivateRule)
		})

		// Reconciliation routes
		r.Route("/reconciliations", func(r chi.Router) {
			r.Get("/", h.ListReconciliations)
			r.Post("/", h.RunReconciliation)
			r.Post("/batch", h.RunReconciliationBatch)
			r.Get("/{id}", h.GetReconciliation)
			r.Post("/{id}/review", h.ReviewReconciliation)
		})

		// Audit routes
		r.Get("/audit", h.QueryAudit)

		// Demo scenario routes (404 unless the server runs with -demo)
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Get("/health", h.Health)

	return r
}
