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
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. CORS:       Cross-origin requests for the lab dashboard

ROUTE GROUPS:
  /api/invoices/*   Invoice lifecycle and ledger
  /api/orders/*     Order read model and pre-invoice expenses
  /api/admin/*      Price book, surcharge rule, manual sweep

SECURITY NOTE:
  Actor identity comes from X-User-ID / X-User-Role headers set by the
  platform gateway. This service does not verify them itself.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID", "X-User-Role"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Invoice routes
		r.Route("/invoices", func(r chi.Router) {
			r.Post("/", h.GenerateInvoice)
			r.Get("/", h.ListInvoices)
			r.Get("/{id}", h.GetInvoice)
			r.Post("/{id}/lock", h.LockInvoice)
			r.Post("/{id}/finalize", h.FinalizeInvoice)
			r.Post("/{id}/adjustments", h.AddAdjustment)
			r.Post("/{id}/expenses", h.AddInvoiceExpense)
			r.Put("/{id}/payment", h.UpdatePayment)
			r.Post("/{id}/dispute", h.RaiseDispute)
			r.Post("/{id}/dispute/resolve", h.ResolveDispute)
		})

		// Order routes
		r.Route("/orders", func(r chi.Router) {
			r.Get("/eligible", h.ListEligibleOrders)
			r.Put("/{id}", h.UpsertOrder)
			r.Post("/{id}/expenses", h.AddOrderExpense)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Put("/prices", h.SetPrice)
			r.Put("/surcharge", h.SetSurcharge)
			r.Post("/sweep-overdue", h.SweepOverdue)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// requestLogger logs each request through the handler's zerolog logger.
func requestLogger(h *Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			h.Log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
