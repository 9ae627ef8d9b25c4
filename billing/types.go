/*
Package billing provides the invoice billing ledger for the dental-lab
order platform.

PURPOSE:
  This package contains the domain types and components that turn a
  completed, delivery-confirmed service order into an immutable financial
  record: invoice generation, manual adjustments, logistics expense
  deductions, payment tracking, and dispute resolution.

KEY CONCEPTS IN THIS FILE (types.go):
  - Invoice: The financial record, one per eligible order (1:1)
  - LineItem: An immutable priced entry composing the subtotal
  - Adjustment: A reasoned, signed, append-only monetary correction
  - Expense: An unsigned logistics cost deducted from the total
  - AuditEntry: Immutable record of one mutating action
  - Actor: The acting user + coarse role, passed explicitly everywhere

DESIGN PRINCIPLES:
  1. Immutability: Line items, adjustments, expenses, and audit entries
     are append-only; finalized invoices freeze all money fields
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Derived totals: FinalTotal = Subtotal + AdjustmentsTotal - ExpensesTotal,
     always recomputed from rows, never incremented
  4. Auditability: Every mutation writes exactly one audit entry

SEE ALSO:
  - errors.go: Caller-visible error taxonomy
  - store.go: Persistence interfaces
  - generator.go, ledger.go, statemachine.go, payment.go, dispute.go:
    The five components operating on these types
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type InvoiceID string
type OrderID string

// =============================================================================
// ACTOR - Acting user + coarse role (from the external identity subsystem)
// =============================================================================

// Role is the coarse classification used to gate privileged transitions.
type Role string

const (
	// RoleClinic is the ordinary, order-owning role. It may raise disputes
	// and record payments, but cannot lock, finalize, adjust, or resolve.
	RoleClinic Role = "clinic"

	// RoleLabAdmin is the privileged role. It may trigger every transition
	// and resolve disputes.
	RoleLabAdmin Role = "lab_admin"

	// RoleSystem is used by background jobs (overdue sweep).
	RoleSystem Role = "system"
)

// Actor identifies who performs an operation. It is passed explicitly to
// every mutating call rather than read from ambient session state.
type Actor struct {
	UserID string
	Role   Role
}

// Privileged reports whether the actor may trigger privileged transitions.
func (a Actor) Privileged() bool {
	return a.Role == RoleLabAdmin || a.Role == RoleSystem
}

// =============================================================================
// INVOICE STATUS - The state machine axis
// =============================================================================

type InvoiceStatus string

const (
	// StatusDraft is reserved for pre-generation records. Not used
	// operationally: Generate creates invoices directly in StatusGenerated.
	StatusDraft InvoiceStatus = "draft"

	// StatusGenerated is the initial operational state.
	StatusGenerated InvoiceStatus = "generated"

	// StatusLocked enables adjustments. Reached only via a privileged action.
	StatusLocked InvoiceStatus = "locked"

	// StatusFinalized is terminal. Status, line items, adjustments, and
	// expenses become permanently read-only; only payment fields may change.
	StatusFinalized InvoiceStatus = "finalized"

	// StatusDisputed freezes normal progression until resolved.
	StatusDisputed InvoiceStatus = "disputed"
)

// =============================================================================
// PAYMENT STATUS - Independent axis, always derived
// =============================================================================

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
	PaymentOverdue PaymentStatus = "overdue"
)

// DerivePaymentStatus computes the payment status from amount paid, the
// invoice total, and an optional due date. It is never chosen freely:
//   - paid     if amountPaid >= finalTotal
//   - partial  if amountPaid > 0
//   - overdue  if a due date exists and is in the past
//   - pending  otherwise
func DerivePaymentStatus(amountPaid, finalTotal decimal.Decimal, dueDate *time.Time, now time.Time) PaymentStatus {
	switch {
	case amountPaid.GreaterThanOrEqual(finalTotal) && finalTotal.IsPositive():
		return PaymentPaid
	case amountPaid.IsPositive():
		if dueDate != nil && dueDate.Before(now) {
			return PaymentOverdue
		}
		return PaymentPartial
	case dueDate != nil && dueDate.Before(now):
		return PaymentOverdue
	default:
		return PaymentPending
	}
}

// =============================================================================
// INVOICE - One per eligible order
// =============================================================================

type Invoice struct {
	ID            InvoiceID
	InvoiceNumber string // unique, generated once, immutable
	OrderID       OrderID
	Status        InvoiceStatus
	PaymentStatus PaymentStatus

	// Money fields. Invariant after every mutation:
	//   FinalTotal = Subtotal + AdjustmentsTotal - ExpensesTotal
	Subtotal         decimal.Decimal
	AdjustmentsTotal decimal.Decimal // signed sum of adjustments
	ExpensesTotal    decimal.Decimal // unsigned sum, always subtracted
	FinalTotal       decimal.Decimal
	AmountPaid       decimal.Decimal

	DueDate *time.Time

	// Lifecycle timestamps
	GeneratedAt       time.Time
	LockedAt          *time.Time
	FinalizedAt       *time.Time
	DisputedAt        *time.Time
	PaymentReceivedAt *time.Time

	// Dispute metadata
	DisputeReason     string
	PreDisputeStatus  InvoiceStatus // status to revert to on resolution
	DisputeResolution DisputeAction // empty until resolved
	ResolutionNotes   string
	ResolvedBy        string
	ResolvedAt        *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReconciledTotal returns what FinalTotal must equal. Callers use this to
// verify the derived-totals invariant.
func (inv *Invoice) ReconciledTotal() decimal.Decimal {
	return inv.Subtotal.Add(inv.AdjustmentsTotal).Sub(inv.ExpensesTotal)
}

// Mutable reports whether money-affecting rows may still be appended.
func (inv *Invoice) Mutable() bool {
	return inv.Status != StatusFinalized
}

// =============================================================================
// LINE ITEM - Immutable, written once at generation time
// =============================================================================

type LineItem struct {
	ID          string
	InvoiceID   InvoiceID
	Description string
	Quantity    int
	UnitPrice   decimal.Decimal
	TotalPrice  decimal.Decimal
	// SourceKind records provenance: "restoration" for priced units,
	// "urgency_surcharge" for the surcharge item.
	SourceKind string
	CreatedAt  time.Time
}

// =============================================================================
// ADJUSTMENT - Append-only, signed, mandatory reason
// =============================================================================

type AdjustmentType string

const (
	AdjustmentDiscount   AdjustmentType = "discount"
	AdjustmentCredit     AdjustmentType = "credit"
	AdjustmentPenalty    AdjustmentType = "penalty"
	AdjustmentBonus      AdjustmentType = "bonus"
	AdjustmentCorrection AdjustmentType = "correction"
)

// MinReasonLength is the minimum length of an adjustment reason.
const MinReasonLength = 10

type Adjustment struct {
	ID        string
	InvoiceID InvoiceID
	Type      AdjustmentType
	Amount    decimal.Decimal // signed: positive charge, negative credit
	Reason    string
	CreatedBy string
	// SourceRef optionally links the adjustment to the event that caused
	// it, e.g. the dispute it resolved.
	SourceRef string
	CreatedAt time.Time
}

// ValidAdjustmentType reports whether t is a known adjustment type.
func ValidAdjustmentType(t AdjustmentType) bool {
	switch t {
	case AdjustmentDiscount, AdjustmentCredit, AdjustmentPenalty, AdjustmentBonus, AdjustmentCorrection:
		return true
	}
	return false
}

// =============================================================================
// EXPENSE - Append-only, unsigned, always subtracted
// =============================================================================

type ExpenseType string

const (
	ExpenseDelivery   ExpenseType = "delivery"
	ExpenseRedelivery ExpenseType = "re_delivery"
	ExpenseCourier    ExpenseType = "courier"
	ExpensePackaging  ExpenseType = "packaging"
	ExpensePickup     ExpenseType = "pickup"
	ExpenseOther      ExpenseType = "other"
)

type Expense struct {
	ID      string
	OrderID OrderID
	// InvoiceID is empty while the expense is recorded against the order
	// only; it is set when an invoice exists (or is later generated).
	InvoiceID   InvoiceID
	Type        ExpenseType
	Amount      decimal.Decimal // unsigned
	Description string
	RecordedBy  string
	ReceiptRef  string
	CreatedAt   time.Time
}

// ValidExpenseType reports whether t is a known expense type.
func ValidExpenseType(t ExpenseType) bool {
	switch t {
	case ExpenseDelivery, ExpenseRedelivery, ExpenseCourier, ExpensePackaging, ExpensePickup, ExpenseOther:
		return true
	}
	return false
}

// =============================================================================
// AUDIT ENTRY - Immutable record of one mutating action
// =============================================================================

type AuditAction string

const (
	AuditGenerated       AuditAction = "generated"
	AuditLocked          AuditAction = "locked"
	AuditFinalized       AuditAction = "finalized"
	AuditAdjustmentAdded AuditAction = "adjustment_added"
	AuditExpenseAdded    AuditAction = "expense_added"
	AuditPaymentUpdated  AuditAction = "payment_updated"
	AuditOverdueSwept    AuditAction = "overdue_swept"
	AuditDisputeRaised   AuditAction = "dispute_raised"
	AuditDisputeResolved AuditAction = "dispute_resolved"
)

type AuditEntry struct {
	ID        string
	InvoiceID InvoiceID
	Action    AuditAction
	ActorID   string
	ActorRole Role
	// Before/After hold field snapshots relevant to the action,
	// e.g. {"status": "generated"} -> {"status": "locked"}.
	Before    map[string]any
	After     map[string]any
	Reason    string
	CreatedAt time.Time
}

// =============================================================================
// ORDER - External read model (synced from the order subsystem)
// =============================================================================

// Order is the read-only view of a service order sufficient for billing.
// The order lifecycle itself is owned by an external subsystem.
type Order struct {
	ID              OrderID
	ClinicID        string // owning clinic, for dispute gating
	RestorationType string // e.g. "crown", "bridge", "veneer"
	UnitCount       int    // priced units (teeth)
	Urgent          bool
	DeliveredAt         *time.Time
	DeliveryConfirmedAt *time.Time
}

// Eligible reports whether the order may be invoiced: delivered with
// confirmed delivery. Invoice uniqueness is enforced by the store.
func (o *Order) Eligible() bool {
	return o.DeliveredAt != nil && o.DeliveryConfirmedAt != nil
}

// =============================================================================
// PRICE BOOK - Pricing resolution inputs
// =============================================================================

// PriceScope distinguishes lab-specific fixed prices from platform templates.
type PriceScope string

const (
	PriceScopeLab      PriceScope = "lab"
	PriceScopeTemplate PriceScope = "template"
)

// Price is a per-unit price for a restoration type at a given scope.
// Resolution order: lab price first, then template, else NoPriceConfigured.
type Price struct {
	Scope           PriceScope
	RestorationType string
	UnitPrice       decimal.Decimal
	UpdatedAt       time.Time
}

// SurchargeMode selects how the urgency surcharge is computed.
type SurchargeMode string

const (
	SurchargePercent SurchargeMode = "percent"
	SurchargeFixed   SurchargeMode = "fixed"
)

// SurchargeRule describes the urgency surcharge applied as a separate line
// item when an order is marked urgent. Value is a percentage of the units
// subtotal (e.g. 10 for 10%) or a fixed amount, per Mode.
type SurchargeRule struct {
	Mode      SurchargeMode
	Value     decimal.Decimal
	UpdatedAt time.Time
}

// Apply computes the surcharge amount for a units subtotal.
func (r SurchargeRule) Apply(unitsSubtotal decimal.Decimal) decimal.Decimal {
	if r.Mode == SurchargePercent {
		return unitsSubtotal.Mul(r.Value).Div(decimal.NewFromInt(100))
	}
	return r.Value
}
