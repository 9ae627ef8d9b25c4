/*
store.go - Persistence interfaces for the billing ledger

PURPOSE:
  Defines the interface between the billing components and the database.
  Five logical tables back the ledger: invoices, line_items, adjustments,
  expenses, audit_log - plus the order read model and the price book.

APPEND-ONLY CONTRACT:
  Line items, adjustments, expenses, and audit entries are append-only.
  The interfaces expose Add/Append and List operations only; no Update or
  Delete exists for those rows. Invoice money totals are derived by
  re-summing the full row set, never by incrementing a cached value.

ATOMICITY:
  TxStore.WithTx executes a function against a transactional view of the
  store. Every multi-step mutation in this package (row append + total
  recompute + invoice update + audit entry) runs inside one WithTx call:
  either everything persists or nothing does.

STATUS GUARD:
  UpdateInvoice takes the status the caller read. The implementation must
  apply the update only if the stored status still matches (compare-and-
  swap), returning ErrConcurrentModification otherwise. This prevents two
  racing privileged actions from both succeeding off a stale read.

IMPLEMENTATIONS:
  - store/memory.go: In-memory, for tests and dev
  - store/sqlite (top-level): Production SQLite
*/
package billing

import "context"

// Store is the persistence surface shared by all billing components.
type Store interface {
	// ---- Order read model (synced from the external order subsystem) ----

	// SaveOrder upserts an order read model.
	SaveOrder(ctx context.Context, o Order) error

	// GetOrder returns an order, or nil if it does not exist.
	GetOrder(ctx context.Context, id OrderID) (*Order, error)

	// ListEligibleOrders returns orders that are delivered, delivery-
	// confirmed, and have no invoice yet.
	ListEligibleOrders(ctx context.Context) ([]Order, error)

	// ---- Price book ----

	// SavePrice upserts a per-unit price for (scope, restoration type).
	SavePrice(ctx context.Context, p Price) error

	// GetPrice returns the price for (scope, restoration type), or nil.
	GetPrice(ctx context.Context, scope PriceScope, restorationType string) (*Price, error)

	// SaveSurchargeRule upserts the urgency surcharge rule (at most one).
	SaveSurchargeRule(ctx context.Context, r SurchargeRule) error

	// GetSurchargeRule returns the surcharge rule, or nil if none is set.
	GetSurchargeRule(ctx context.Context) (*SurchargeRule, error)

	// ---- Invoices ----

	// CreateInvoice persists a new invoice. Returns ErrAlreadyExists if an
	// invoice already exists for the order (uniqueness on order reference).
	CreateInvoice(ctx context.Context, inv *Invoice) error

	// GetInvoice returns an invoice, or nil if it does not exist.
	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)

	// GetInvoiceByOrder returns the invoice for an order, or nil.
	GetInvoiceByOrder(ctx context.Context, orderID OrderID) (*Invoice, error)

	// ListInvoices returns invoices, optionally filtered by status,
	// newest first.
	ListInvoices(ctx context.Context, status *InvoiceStatus) ([]*Invoice, error)

	// UpdateInvoice persists mutable invoice fields (status, totals,
	// payment, dispute metadata, timestamps). The update applies only if
	// the stored status equals expect; otherwise ErrConcurrentModification.
	UpdateInvoice(ctx context.Context, inv *Invoice, expect InvoiceStatus) error

	// NextInvoiceNumber returns the next number from a collision-free
	// sequence, e.g. "INV-000042". Must be called inside the generation
	// transaction so a rolled-back generation does not burn visible gaps
	// into committed invoices out of order.
	NextInvoiceNumber(ctx context.Context) (string, error)

	// ---- Line items (append-only) ----

	AddLineItems(ctx context.Context, items []LineItem) error
	ListLineItems(ctx context.Context, invoiceID InvoiceID) ([]LineItem, error)

	// ---- Adjustments (append-only) ----

	AddAdjustment(ctx context.Context, a Adjustment) error
	ListAdjustments(ctx context.Context, invoiceID InvoiceID) ([]Adjustment, error)

	// ---- Expenses (append-only rows; invoice link set at most once) ----

	AddExpense(ctx context.Context, e Expense) error
	ListExpensesByInvoice(ctx context.Context, invoiceID InvoiceID) ([]Expense, error)
	ListExpensesByOrder(ctx context.Context, orderID OrderID) ([]Expense, error)

	// LinkOrderExpenses attaches all unlinked expenses of an order to the
	// given invoice. Used once, at generation time.
	LinkOrderExpenses(ctx context.Context, orderID OrderID, invoiceID InvoiceID) error

	// ---- Audit log (append-only) ----

	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, invoiceID InvoiceID) ([]AuditEntry, error)
}

// TxStore wraps Store with transaction support. Every mutating operation in
// this package runs inside WithTx.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back; otherwise it is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
