/*
service.go - Billing service wiring and read operations

PURPOSE:
  Service binds the five billing components to one TxStore. The component
  methods live in their own files (generator.go, ledger.go, statemachine.go,
  payment.go, dispute.go); this file holds construction, shared helpers,
  and the read-side operations.

SHARED-RESOURCE POLICY:
  No component caches totals outside the store. Every read of FinalTotal
  reflects the latest committed state, since it gates further transitions.
*/
package billing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DefaultDueDays is the payment term applied at generation when no due
// date is supplied later.
const DefaultDueDays = 30

// Service exposes every billing operation over a single transactional store.
type Service struct {
	store TxStore
	log   zerolog.Logger

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time

	// dueDays is the default payment term in days.
	dueDays int
}

// NewService creates a billing service over the given store.
func NewService(store TxStore, log zerolog.Logger) *Service {
	return &Service{
		store:   store,
		log:     log,
		now:     time.Now,
		dueDays: DefaultDueDays,
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetDueDays overrides the default payment term.
func (s *Service) SetDueDays(days int) {
	if days > 0 {
		s.dueDays = days
	}
}

// newID returns a random 16-byte hex identifier.
func newID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("entropy unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}

// audit appends one audit entry inside the caller's transaction.
func (s *Service) audit(ctx context.Context, st Store, invoiceID InvoiceID, action AuditAction, actor Actor, before, after map[string]any, reason string) error {
	return st.AppendAudit(ctx, AuditEntry{
		ID:        newID(),
		InvoiceID: invoiceID,
		Action:    action,
		ActorID:   actor.UserID,
		ActorRole: actor.Role,
		Before:    before,
		After:     after,
		Reason:    reason,
		CreatedAt: s.now().UTC(),
	})
}

// recomputeTotals re-derives AdjustmentsTotal, ExpensesTotal, and
// FinalTotal by summing the full row sets. Always called inside the same
// transaction as the write that changed the rows; never an increment.
func recomputeTotals(ctx context.Context, st Store, inv *Invoice) error {
	adjustments, err := st.ListAdjustments(ctx, inv.ID)
	if err != nil {
		return fmt.Errorf("load adjustments: %w", err)
	}
	expenses, err := st.ListExpensesByInvoice(ctx, inv.ID)
	if err != nil {
		return fmt.Errorf("load expenses: %w", err)
	}

	inv.AdjustmentsTotal = decimal.Zero
	for _, a := range adjustments {
		inv.AdjustmentsTotal = inv.AdjustmentsTotal.Add(a.Amount)
	}
	inv.ExpensesTotal = decimal.Zero
	for _, e := range expenses {
		inv.ExpensesTotal = inv.ExpensesTotal.Add(e.Amount)
	}
	inv.FinalTotal = inv.Subtotal.Add(inv.AdjustmentsTotal).Sub(inv.ExpensesTotal)
	return nil
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// InvoiceDetail is the full read view of one invoice.
type InvoiceDetail struct {
	Invoice     *Invoice
	LineItems   []LineItem
	Adjustments []Adjustment
	Expenses    []Expense
	AuditLog    []AuditEntry
}

// GetInvoiceDetail returns an invoice with its line items, adjustments,
// expenses, and audit trail.
func (s *Service) GetInvoiceDetail(ctx context.Context, id InvoiceID) (*InvoiceDetail, error) {
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, ErrNotFound
	}

	detail := &InvoiceDetail{Invoice: inv}
	if detail.LineItems, err = s.store.ListLineItems(ctx, id); err != nil {
		return nil, err
	}
	if detail.Adjustments, err = s.store.ListAdjustments(ctx, id); err != nil {
		return nil, err
	}
	if detail.Expenses, err = s.store.ListExpensesByInvoice(ctx, id); err != nil {
		return nil, err
	}
	if detail.AuditLog, err = s.store.ListAudit(ctx, id); err != nil {
		return nil, err
	}
	return detail, nil
}

// ListInvoices returns invoices, optionally filtered by status.
func (s *Service) ListInvoices(ctx context.Context, status *InvoiceStatus) ([]*Invoice, error) {
	return s.store.ListInvoices(ctx, status)
}

// ListEligibleOrders returns orders currently eligible for generation.
func (s *Service) ListEligibleOrders(ctx context.Context) ([]Order, error) {
	return s.store.ListEligibleOrders(ctx)
}

// =============================================================================
// ORDER SYNC AND PRICE BOOK ADMINISTRATION
// =============================================================================

// SaveOrder upserts an order read model from the external order subsystem.
func (s *Service) SaveOrder(ctx context.Context, o Order) error {
	if o.ID == "" {
		return fmt.Errorf("order id required: %w", ErrInvalidInput)
	}
	return s.store.SaveOrder(ctx, o)
}

// SetPrice upserts a price book entry. Privileged.
func (s *Service) SetPrice(ctx context.Context, p Price, actor Actor) error {
	if !actor.Privileged() {
		return ErrForbidden
	}
	p.UpdatedAt = s.now().UTC()
	return s.store.SavePrice(ctx, p)
}

// SetSurchargeRule upserts the urgency surcharge rule. Privileged.
func (s *Service) SetSurchargeRule(ctx context.Context, r SurchargeRule, actor Actor) error {
	if !actor.Privileged() {
		return ErrForbidden
	}
	r.UpdatedAt = s.now().UTC()
	return s.store.SaveSurchargeRule(ctx, r)
}
