/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the operations console

ROUTE GROUPS:
  /api/runs/*         Monthly orchestrator
  /api/schedule       Scheduling rule
  /api/billing/*      Billing strategies
  /api/commissions/*  Commission rows and payouts
  /api/invoices/*     Invoices and payments
  /api/ledger/*       Accounting boundary
  /api/scenarios/*    Demo data (dev only)
  /healthz            Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/runs/monthly", func(r chi.Router) {
			r.Get("/", h.ListMonthlyRuns)
			r.Post("/", h.TriggerMonthlyRun)
			r.Get("/due", h.GetDue)
		})
		r.Get("/schedule", h.GetSchedule)

		r.Route("/billing", func(r chi.Router) {
			r.Post("/group", h.TriggerGroupBilling)
			r.Post("/individual", h.TriggerIndividualBilling)
			r.Get("/runs", h.ListBillingRuns)
		})

		r.Route("/commissions", func(r chi.Router) {
			r.Get("/", h.ListCommissions)
			r.Post("/pay", h.PayCommissions)
			r.Post("/{id}/approve", h.ApproveCommission)
			r.Post("/{id}/payable", h.MarkCommissionPayable)
			r.Post("/{id}/reverse", h.ReverseCommission)
		})

		r.Route("/invoices", func(r chi.Router) {
			r.Get("/", h.ListInvoices)
			r.Post("/overdue", h.MarkOverdue)
			r.Post("/{id}/payments", h.RecordPayment)
		})

		r.Route("/ledger", func(r chi.Router) {
			r.Post("/claims", h.PostClaimApproved)
			r.Get("/entries", h.ListJournalEntries)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetStore)
		})
	})

	return r
}
