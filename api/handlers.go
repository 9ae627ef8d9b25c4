/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the invoice ledger via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the billing service.

ENDPOINTS:
  Invoices:
    POST   /api/invoices                       Generate invoice from order
    GET    /api/invoices                       List invoices (?status=)
    GET    /api/invoices/{id}                  Full detail with audit trail
    POST   /api/invoices/{id}/lock             generated -> locked
    POST   /api/invoices/{id}/finalize         locked -> finalized
    POST   /api/invoices/{id}/adjustments      Append adjustment
    POST   /api/invoices/{id}/expenses         Append expense
    PUT    /api/invoices/{id}/payment          Record payment
    POST   /api/invoices/{id}/dispute          Raise dispute
    POST   /api/invoices/{id}/dispute/resolve  Resolve dispute

  Orders:
    GET    /api/orders/eligible                Orders awaiting invoicing
    PUT    /api/orders/{id}                    Upsert order read model
    POST   /api/orders/{id}/expenses           Pre-invoice expense

  Admin:
    PUT    /api/admin/prices                   Upsert price book entry
    PUT    /api/admin/surcharge                Upsert urgency surcharge rule
    POST   /api/admin/sweep-overdue            Manual overdue sweep

ACTOR:
  Every mutating handler reads the acting user from X-User-ID and
  X-User-Role headers and passes an explicit billing.Actor into the
  service. Requests without X-User-ID are rejected with 400.

ERROR HANDLING:
  Domain errors map to HTTP status via httpStatus():
  - 400: malformed input, unknown types
  - 403: role not permitted
  - 404: invoice or order not found
  - 409: duplicate invoice, concurrent modification, already disputed
  - 422: ineligible order, missing price, bad transition, short reason,
         overpayment
  - 500: everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - billing/errors.go: Error taxonomy
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dentalab/billing-engine/billing"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *billing.Service
	Log     zerolog.Logger
}

// NewHandler creates a new handler around the billing service.
func NewHandler(svc *billing.Service, log zerolog.Logger) *Handler {
	return &Handler{Service: svc, Log: log}
}

// actorFrom extracts the acting user from request headers.
func actorFrom(r *http.Request) (billing.Actor, error) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		return billing.Actor{}, errors.New("X-User-ID header required")
	}
	role := billing.Role(r.Header.Get("X-User-Role"))
	if role == "" {
		role = billing.RoleClinic
	}
	return billing.Actor{UserID: userID, Role: role}, nil
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// GenerateInvoice creates an invoice from an eligible order.
// POST /api/invoices
func (h *Handler) GenerateInvoice(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing actor", err)
		return
	}

	var req GenerateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "order_id is required", nil)
		return
	}

	inv, err := h.Service.Generate(r.Context(), billing.OrderID(req.OrderID), actor)
	if err != nil {
		writeDomainError(w, "Failed to generate invoice", err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(inv))
}

// ListInvoices returns invoices, optionally filtered by ?status=.
// GET /api/invoices
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	var status *billing.InvoiceStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := billing.InvoiceStatus(s)
		status = &st
	}

	invoices, err := h.Service.ListInvoices(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list invoices", err)
		return
	}

	dtos := make([]InvoiceDTO, len(invoices))
	for i, inv := range invoices {
		dtos[i] = toInvoiceDTO(inv)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetInvoice returns one invoice with line items, adjustments, expenses,
// and the audit trail.
// GET /api/invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id := billing.InvoiceID(chi.URLParam(r, "id"))

	detail, err := h.Service.GetInvoiceDetail(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDetailDTO(detail))
}

// LockInvoice transitions generated -> locked.
// POST /api/invoices/{id}/lock
func (h *Handler) LockInvoice(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Service.Lock)
}

// FinalizeInvoice transitions locked -> finalized.
// POST /api/invoices/{id}/finalize
func (h *Handler) FinalizeInvoice(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Service.Finalize)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id billing.InvoiceID, actor billing.Actor) (*billing.Invoice, error)) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing actor", err)
		return
	}
	id := billing.InvoiceID(chi.URLParam(r, "id"))

	inv, err := fn(r.Context(), id, actor)
	if err != nil {
		writeDomainError(w, "Transition failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// AddAdjustment appends a signed adjustment to a locked invoice.
// POST /api/invoices/{id}/adjustments
func (h *Handler) AddAdjustment(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing actor", err)
		return
	}
	id := billing.InvoiceID(chi.URLParam(r, "id"))

	var req AddAdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	adj, err := h.Service.AddAdjustment(r.Context(), id,
		billing.AdjustmentType(req.Type), amount, req.Reason, actor)
	if err != nil {
		writeDomainError(w, "Failed to add adjustment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAdjustmentDTO(*adj))
}

// AddInvoiceExpense records an expense against an existing invoice.
// POST /api/invoices/{id}/expenses
func (h *Handler) AddInvoiceExpense(w http.ResponseWriter, r *http.Request) {
	h.addExpense(w, r, "", billing.InvoiceID(chi.URLParam(r, "id")))
}

// AddOrderExpense records an expense against an order, before any
// invoice exists. It attaches automatically if one does.
// POST /api/orders/{id}/expenses
func (h *Handler) AddOrderExpense(w http.ResponseWriter, r *http.Request) {
	h.addExpense(w, r, billing.OrderID(chi.URLParam(r, "id")), "")
}

func (h *Handler) addExpense(w http.ResponseWriter, r *http.Request, orderID billing.OrderID, invoiceID billing.InvoiceID) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing actor", err)
		return
	}

	var req AddExpenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	exp, err := h.Service.AddExpense(r.Context(), orderID, invoiceID,
		billing.ExpenseType(req.Type), amount, req.Description, req.ReceiptRef, actor)
	if err != nil {
		writeDomainError(w, "Failed to add expense", err)
		return
	}
	writeJSON(w, http.StatusCreated, toExpenseDTO(*exp))
}

// UpdatePayment records the amount paid and optionally moves the due date.
// PUT /api/invoices/{id}/payment
func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing actor", err)
		return
	}
	id := billing.InvoiceID(chi.URLParam(r, "id"))

	var req UpdatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.AmountPaid)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount_paid", err)
		return
	}
	var dueDate *time.Time
	if req.DueDate != "" {
		t, err := time.Parse(time.RFC3339, req.DueDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid due_date", err)
			return
		}
		dueDate = &t
	}

	inv, err := h.Service.UpdatePayment(r.Context(), id, amount, dueDate, actor)
	if err != nil {
		writeDomainError(w, "Failed to update payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// RaiseDispute opens a dispute on a generated or locked invoice.
// POST /api/invoices/{id}/dispute
func (h *Handler) RaiseDispute(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing actor", err)
		return
	}
	id := billing.InvoiceID(chi.URLParam(r, "id"))

	var req RaiseDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	inv, err := h.Service.RaiseDispute(r.Context(), id, req.Reason, actor)
	if err != nil {
		writeDomainError(w, "Failed to raise dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// ResolveDispute closes a dispute.
// POST /api/invoices/{id}/dispute/resolve
func (h *Handler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing actor", err)
		return
	}
	id := billing.InvoiceID(chi.URLParam(r, "id"))

	var req ResolveDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	var adjustmentAmount *decimal.Decimal
	if req.AdjustmentAmount != "" {
		d, err := decimal.NewFromString(req.AdjustmentAmount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid adjustment_amount", err)
			return
		}
		adjustmentAmount = &d
	}

	inv, err := h.Service.ResolveDispute(r.Context(), id,
		billing.DisputeAction(req.Action), req.Notes, adjustmentAmount, actor)
	if err != nil {
		writeDomainError(w, "Failed to resolve dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// ListEligibleOrders returns orders awaiting invoicing.
// GET /api/orders/eligible
func (h *Handler) ListEligibleOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Service.ListEligibleOrders(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list eligible orders", err)
		return
	}

	dtos := make([]OrderDTO, len(orders))
	for i, o := range orders {
		dtos[i] = toOrderDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// UpsertOrder syncs one order read model entry.
// PUT /api/orders/{id}
func (h *Handler) UpsertOrder(w http.ResponseWriter, r *http.Request) {
	id := billing.OrderID(chi.URLParam(r, "id"))

	var req UpsertOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	o := billing.Order{
		ID:              id,
		ClinicID:        req.ClinicID,
		RestorationType: req.RestorationType,
		UnitCount:       req.UnitCount,
		Urgent:          req.Urgent,
	}
	if req.DeliveredAt != "" {
		t, err := time.Parse(time.RFC3339, req.DeliveredAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid delivered_at", err)
			return
		}
		o.DeliveredAt = &t
	}
	if req.DeliveryConfirmedAt != "" {
		t, err := time.Parse(time.RFC3339, req.DeliveryConfirmedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid delivery_confirmed_at", err)
			return
		}
		o.DeliveryConfirmedAt = &t
	}

	if err := h.Service.SaveOrder(r.Context(), o); err != nil {
		writeDomainError(w, "Failed to save order", err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// SetPrice upserts a price book entry.
// PUT /api/admin/prices
func (h *Handler) SetPrice(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing actor", err)
		return
	}

	var req SetPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	price, err := decimal.NewFromString(req.UnitPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid unit_price", err)
		return
	}
	scope := billing.PriceScope(req.Scope)
	if scope != billing.PriceScopeLab && scope != billing.PriceScopeTemplate {
		writeError(w, http.StatusBadRequest, "Invalid scope", nil)
		return
	}
	if req.RestorationType == "" {
		writeError(w, http.StatusBadRequest, "restoration_type is required", nil)
		return
	}

	p := billing.Price{Scope: scope, RestorationType: req.RestorationType, UnitPrice: price}
	if err := h.Service.SetPrice(r.Context(), p, actor); err != nil {
		writeDomainError(w, "Failed to set price", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SetSurcharge upserts the urgency surcharge rule.
// PUT /api/admin/surcharge
func (h *Handler) SetSurcharge(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing actor", err)
		return
	}

	var req SetSurchargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	value, err := decimal.NewFromString(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid value", err)
		return
	}
	mode := billing.SurchargeMode(req.Mode)
	if mode != billing.SurchargePercent && mode != billing.SurchargeFixed {
		writeError(w, http.StatusBadRequest, "Invalid mode", nil)
		return
	}

	rule := billing.SurchargeRule{Mode: mode, Value: value}
	if err := h.Service.SetSurchargeRule(r.Context(), rule, actor); err != nil {
		writeDomainError(w, "Failed to set surcharge rule", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SweepOverdue runs the overdue sweep immediately.
// POST /api/admin/sweep-overdue
func (h *Handler) SweepOverdue(w http.ResponseWriter, r *http.Request) {
	n, err := h.Service.SweepOverdue(r.Context(), time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResultDTO{MarkedOverdue: n})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps billing errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, httpStatus(err), message, err)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, billing.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, billing.ErrAlreadyExists),
		errors.Is(err, billing.ErrConcurrentModification),
		errors.Is(err, billing.ErrAlreadyDisputed):
		return http.StatusConflict
	case errors.Is(err, billing.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrNotEligible),
		errors.Is(err, billing.ErrNoPriceConfigured),
		errors.Is(err, billing.ErrInvalidStatus),
		errors.Is(err, billing.ErrInvalidTransition),
		errors.Is(err, billing.ErrInvalidReason),
		errors.Is(err, billing.ErrOverpaymentRejected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
