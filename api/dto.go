/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Money travels as decimal strings ("125.50"), never floats. Handlers
  parse with decimal.NewFromString and reject unparseable amounts.

VALIDATION:
  Structural validation (parseable amounts, known enum values) happens in
  handlers; business rules live in the billing package.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: Domain model
*/
package api

import (
	"time"

	"github.com/dentalab/billing-engine/billing"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// GenerateInvoiceRequest asks for invoice generation from an order.
type GenerateInvoiceRequest struct {
	OrderID string `json:"order_id"`
}

// AddAdjustmentRequest appends a signed adjustment to a locked invoice.
type AddAdjustmentRequest struct {
	Type   string `json:"type"`
	Amount string `json:"amount"`
	Reason string `json:"reason"`
}

// AddExpenseRequest records a logistics expense against an invoice or,
// via the order route, against an order that has no invoice yet.
type AddExpenseRequest struct {
	Type        string `json:"type"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
	ReceiptRef  string `json:"receipt_ref,omitempty"`
}

// UpdatePaymentRequest sets the amount paid and optionally the due date.
type UpdatePaymentRequest struct {
	AmountPaid string `json:"amount_paid"`
	DueDate    string `json:"due_date,omitempty"` // RFC 3339
}

// RaiseDisputeRequest opens a dispute on an invoice.
type RaiseDisputeRequest struct {
	Reason string `json:"reason"`
}

// ResolveDisputeRequest closes a dispute with one of the three actions.
type ResolveDisputeRequest struct {
	Action           string `json:"action"` // accepted | rejected | adjusted
	Notes            string `json:"notes"`
	AdjustmentAmount string `json:"adjustment_amount,omitempty"` // required for adjusted
}

// UpsertOrderRequest syncs the order read model from the order subsystem.
type UpsertOrderRequest struct {
	ClinicID            string `json:"clinic_id"`
	RestorationType     string `json:"restoration_type"`
	UnitCount           int    `json:"unit_count"`
	Urgent              bool   `json:"urgent"`
	DeliveredAt         string `json:"delivered_at,omitempty"`          // RFC 3339
	DeliveryConfirmedAt string `json:"delivery_confirmed_at,omitempty"` // RFC 3339
}

// SetPriceRequest upserts one price book entry.
type SetPriceRequest struct {
	Scope           string `json:"scope"` // lab | template
	RestorationType string `json:"restoration_type"`
	UnitPrice       string `json:"unit_price"`
}

// SetSurchargeRequest upserts the urgency surcharge rule.
type SetSurchargeRequest struct {
	Mode  string `json:"mode"` // percent | fixed
	Value string `json:"value"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// InvoiceDTO represents an invoice in API responses.
type InvoiceDTO struct {
	ID            string `json:"id"`
	InvoiceNumber string `json:"invoice_number"`
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`

	Subtotal         string `json:"subtotal"`
	AdjustmentsTotal string `json:"adjustments_total"`
	ExpensesTotal    string `json:"expenses_total"`
	FinalTotal       string `json:"final_total"`
	AmountPaid       string `json:"amount_paid"`

	DueDate           string `json:"due_date,omitempty"`
	GeneratedAt       string `json:"generated_at"`
	LockedAt          string `json:"locked_at,omitempty"`
	FinalizedAt       string `json:"finalized_at,omitempty"`
	DisputedAt        string `json:"disputed_at,omitempty"`
	PaymentReceivedAt string `json:"payment_received_at,omitempty"`

	DisputeReason     string `json:"dispute_reason,omitempty"`
	DisputeResolution string `json:"dispute_resolution,omitempty"`
	ResolutionNotes   string `json:"resolution_notes,omitempty"`
	ResolvedBy        string `json:"resolved_by,omitempty"`
	ResolvedAt        string `json:"resolved_at,omitempty"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// LineItemDTO represents one priced line of an invoice.
type LineItemDTO struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	TotalPrice  string `json:"total_price"`
	SourceKind  string `json:"source_kind"`
}

// AdjustmentDTO represents one adjustment row.
type AdjustmentDTO struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Amount    string `json:"amount"`
	Reason    string `json:"reason"`
	CreatedBy string `json:"created_by"`
	SourceRef string `json:"source_ref,omitempty"`
	CreatedAt string `json:"created_at"`
}

// ExpenseDTO represents one expense row.
type ExpenseDTO struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id"`
	InvoiceID   string `json:"invoice_id,omitempty"`
	Type        string `json:"type"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
	RecordedBy  string `json:"recorded_by"`
	ReceiptRef  string `json:"receipt_ref,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// AuditEntryDTO represents one audit log entry.
type AuditEntryDTO struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	ActorID   string         `json:"actor_id"`
	ActorRole string         `json:"actor_role"`
	Before    map[string]any `json:"before,omitempty"`
	After     map[string]any `json:"after,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// InvoiceDetailDTO is the full read view of one invoice.
type InvoiceDetailDTO struct {
	Invoice     InvoiceDTO      `json:"invoice"`
	LineItems   []LineItemDTO   `json:"line_items"`
	Adjustments []AdjustmentDTO `json:"adjustments"`
	Expenses    []ExpenseDTO    `json:"expenses"`
	AuditLog    []AuditEntryDTO `json:"audit_log"`
}

// OrderDTO represents an order read model entry.
type OrderDTO struct {
	ID                  string `json:"id"`
	ClinicID            string `json:"clinic_id"`
	RestorationType     string `json:"restoration_type"`
	UnitCount           int    `json:"unit_count"`
	Urgent              bool   `json:"urgent"`
	DeliveredAt         string `json:"delivered_at,omitempty"`
	DeliveryConfirmedAt string `json:"delivery_confirmed_at,omitempty"`
}

// SweepResultDTO reports how many invoices a sweep marked overdue.
type SweepResultDTO struct {
	MarkedOverdue int `json:"marked_overdue"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toInvoiceDTO(inv *billing.Invoice) InvoiceDTO {
	return InvoiceDTO{
		ID:                string(inv.ID),
		InvoiceNumber:     inv.InvoiceNumber,
		OrderID:           string(inv.OrderID),
		Status:            string(inv.Status),
		PaymentStatus:     string(inv.PaymentStatus),
		Subtotal:          inv.Subtotal.String(),
		AdjustmentsTotal:  inv.AdjustmentsTotal.String(),
		ExpensesTotal:     inv.ExpensesTotal.String(),
		FinalTotal:        inv.FinalTotal.String(),
		AmountPaid:        inv.AmountPaid.String(),
		DueDate:           formatTimePtr(inv.DueDate),
		GeneratedAt:       inv.GeneratedAt.Format(time.RFC3339),
		LockedAt:          formatTimePtr(inv.LockedAt),
		FinalizedAt:       formatTimePtr(inv.FinalizedAt),
		DisputedAt:        formatTimePtr(inv.DisputedAt),
		PaymentReceivedAt: formatTimePtr(inv.PaymentReceivedAt),
		DisputeReason:     inv.DisputeReason,
		DisputeResolution: string(inv.DisputeResolution),
		ResolutionNotes:   inv.ResolutionNotes,
		ResolvedBy:        inv.ResolvedBy,
		ResolvedAt:        formatTimePtr(inv.ResolvedAt),
		CreatedAt:         inv.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         inv.UpdatedAt.Format(time.RFC3339),
	}
}

func toInvoiceDetailDTO(d *billing.InvoiceDetail) InvoiceDetailDTO {
	out := InvoiceDetailDTO{
		Invoice:     toInvoiceDTO(d.Invoice),
		LineItems:   make([]LineItemDTO, len(d.LineItems)),
		Adjustments: make([]AdjustmentDTO, len(d.Adjustments)),
		Expenses:    make([]ExpenseDTO, len(d.Expenses)),
		AuditLog:    make([]AuditEntryDTO, len(d.AuditLog)),
	}
	for i, it := range d.LineItems {
		out.LineItems[i] = LineItemDTO{
			ID:          it.ID,
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice.String(),
			TotalPrice:  it.TotalPrice.String(),
			SourceKind:  it.SourceKind,
		}
	}
	for i, a := range d.Adjustments {
		out.Adjustments[i] = toAdjustmentDTO(a)
	}
	for i, e := range d.Expenses {
		out.Expenses[i] = toExpenseDTO(e)
	}
	for i, e := range d.AuditLog {
		out.AuditLog[i] = AuditEntryDTO{
			ID:        e.ID,
			Action:    string(e.Action),
			ActorID:   e.ActorID,
			ActorRole: string(e.ActorRole),
			Before:    e.Before,
			After:     e.After,
			Reason:    e.Reason,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		}
	}
	return out
}

func toAdjustmentDTO(a billing.Adjustment) AdjustmentDTO {
	return AdjustmentDTO{
		ID:        a.ID,
		Type:      string(a.Type),
		Amount:    a.Amount.String(),
		Reason:    a.Reason,
		CreatedBy: a.CreatedBy,
		SourceRef: a.SourceRef,
		CreatedAt: a.CreatedAt.Format(time.RFC3339),
	}
}

func toExpenseDTO(e billing.Expense) ExpenseDTO {
	return ExpenseDTO{
		ID:          e.ID,
		OrderID:     string(e.OrderID),
		InvoiceID:   string(e.InvoiceID),
		Type:        string(e.Type),
		Amount:      e.Amount.String(),
		Description: e.Description,
		RecordedBy:  e.RecordedBy,
		ReceiptRef:  e.ReceiptRef,
		CreatedAt:   e.CreatedAt.Format(time.RFC3339),
	}
}

func toOrderDTO(o billing.Order) OrderDTO {
	return OrderDTO{
		ID:                  string(o.ID),
		ClinicID:            o.ClinicID,
		RestorationType:     o.RestorationType,
		UnitCount:           o.UnitCount,
		Urgent:              o.Urgent,
		DeliveredAt:         formatTimePtr(o.DeliveredAt),
		DeliveryConfirmedAt: formatTimePtr(o.DeliveryConfirmedAt),
	}
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
