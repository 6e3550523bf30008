/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in error logs
  2. RealIP:     Client address from X-Forwarded-For (recorded on property views)
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the web frontend
  6. Metrics:    Prometheus request count and duration per route pattern

ROUTE GROUPS:
  /api/credits/*        Credit ledger (caller's account)
  /api/escrows/*        Escrows, their proofs and disputes
  /api/proofs/*         Proof verification
  /api/disputes/*       Dispute review and resolution
  /api/users/*          Registration hook
  /api/admin/*          Admin operations
  /metrics              Prometheus exposition
  /healthz              Liveness, pings the store

SECURITY NOTE:
  No authentication middleware. The gateway in front of this service
  authenticates callers and sets X-User-ID / X-User-Role.

SEE ALSO:
  - handlers.go, handlers_escrow.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/property237/credit-escrow/metrics"
)

// NewRouter creates a new router with all routes configured. rec may be nil.
func NewRouter(h *Handler, rec *metrics.Recorder, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", headerUserID, headerUserRole},
		AllowCredentials: true,
	}))
	r.Use(rec.Middleware)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", rec.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Credit routes
		r.Route("/credits", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/statistics", h.GetStatistics)
			r.Get("/transactions", h.ListTransactions)
			r.Get("/property-views", h.ListPropertyViews)
			r.Get("/reconcile", h.Reconcile)
			r.Get("/check-access/{propertyID}", h.CheckAccess)
			r.Get("/packages", h.ListPackages)
			r.Get("/pricing", h.ListPricing)
			r.Get("/pricing/{action}", h.GetPrice)
			r.Post("/purchase", h.PurchaseCredits)
			r.Post("/use", h.UseCredits)
			r.Post("/refund", h.RefundCredits)
		})

		// Escrow routes
		r.Route("/escrows", func(r chi.Router) {
			r.Get("/", h.ListEscrows)
			r.Post("/", h.CreateEscrow)
			r.Get("/{id}", h.GetEscrow)
			r.Get("/{id}/events", h.ListEvents)
			r.Post("/{id}/initiate", h.InitiatePayment)
			r.Post("/{id}/fund", h.FundEscrow)
			r.Post("/{id}/confirm", h.ConfirmPayment)
			r.Post("/{id}/release", h.ReleaseEscrow)
			r.Post("/{id}/refund", h.RefundEscrow)
			r.Post("/{id}/cancel", h.CancelEscrow)
			r.Post("/{id}/disputes", h.OpenDispute)
			r.Get("/{id}/proofs", h.ListProofs)
			r.Post("/{id}/proofs", h.AddProof)
		})

		r.Post("/proofs/{id}/verify", h.VerifyProof)

		r.Route("/disputes", func(r chi.Router) {
			r.Post("/{id}/review", h.ReviewDispute)
			r.Post("/{id}/resolve", h.ResolveDispute)
		})

		r.Post("/users/{id}/created", h.UserCreated)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/credits/adjust", h.AdjustBalance)
			r.Post("/credits/bonus", h.GrantBonus)
			r.Post("/escrows/sweep", h.SweepDeadlines)
		})
	})

	return r
}
