/*
ledger.go - Adjustments and logistics expenses

PURPOSE:
  Records discrete, reasoned, signed monetary entries against an invoice
  and recomputes its totals.

  Adjustments require the invoice to be locked (or arrive via dispute
  resolution, see dispute.go), a reason of at least MinReasonLength
  characters, and may be positive (charge) or negative (credit).

  Expenses are unsigned, always subtracted, legal at any pre-finalization
  status, and may be recorded before an invoice exists - they are then
  linked to the order only and picked up at generation time.

RECOMPUTATION:
  Totals are always derived by summing the full row set inside the same
  transaction as the row append. Never an increment of a cached total;
  that is what keeps the totals correct under concurrent writers.
*/
package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AddAdjustment appends one adjustment to a locked invoice and recomputes
// its totals.
//
// Fails with ErrInvalidStatus if the invoice is not locked, ErrInvalidReason
// if the reason is shorter than MinReasonLength.
func (s *Service) AddAdjustment(ctx context.Context, id InvoiceID, typ AdjustmentType, amount decimal.Decimal, reason string, actor Actor) (*Adjustment, error) {
	if !ValidAdjustmentType(typ) {
		return nil, fmt.Errorf("unknown adjustment type %q: %w", typ, ErrInvalidInput)
	}
	if err := validateReason("adjustment reason", reason); err != nil {
		return nil, err
	}

	var created *Adjustment
	err := s.store.WithTx(ctx, func(st Store) error {
		inv, err := st.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		if inv == nil {
			return fmt.Errorf("invoice %s: %w", id, ErrNotFound)
		}
		if inv.Status != StatusLocked {
			return &InvalidStatusError{InvoiceID: id, Current: inv.Status, Required: []InvoiceStatus{StatusLocked}}
		}

		adj := Adjustment{
			ID:        newID(),
			InvoiceID: id,
			Type:      typ,
			Amount:    amount,
			Reason:    reason,
			CreatedBy: actor.UserID,
			CreatedAt: s.now().UTC(),
		}
		before := map[string]any{
			"adjustments_total": inv.AdjustmentsTotal.String(),
			"final_total":       inv.FinalTotal.String(),
		}

		if err := st.AddAdjustment(ctx, adj); err != nil {
			return err
		}
		if err := recomputeTotals(ctx, st, inv); err != nil {
			return err
		}
		inv.UpdatedAt = s.now().UTC()
		if err := st.UpdateInvoice(ctx, inv, StatusLocked); err != nil {
			return err
		}

		if err := s.audit(ctx, st, id, AuditAdjustmentAdded, actor,
			before,
			map[string]any{
				"adjustment_type":   string(typ),
				"amount":            amount.String(),
				"adjustments_total": inv.AdjustmentsTotal.String(),
				"final_total":       inv.FinalTotal.String(),
			},
			reason,
		); err != nil {
			return err
		}

		created = &adj
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("invoice_id", string(id)).
		Str("type", string(typ)).
		Str("amount", amount.String()).
		Msg("adjustment added")
	return created, nil
}

// AddExpense records a logistics expense. When invoiceID is non-empty the
// expense is appended to that invoice, its totals recomputed, and one
// audit entry written. With only an orderID, the expense is recorded
// against the order and picked up when the invoice is generated; no audit
// entry is written since there is no invoice to attach it to yet.
//
// Fails with ErrInvalidStatus if the invoice is finalized.
func (s *Service) AddExpense(ctx context.Context, orderID OrderID, invoiceID InvoiceID, typ ExpenseType, amount decimal.Decimal, description string, receiptRef string, actor Actor) (*Expense, error) {
	if !ValidExpenseType(typ) {
		return nil, fmt.Errorf("unknown expense type %q: %w", typ, ErrInvalidInput)
	}
	if amount.IsNegative() || amount.IsZero() {
		return nil, fmt.Errorf("expense amount must be positive: %w", ErrInvalidInput)
	}

	var created *Expense
	err := s.store.WithTx(ctx, func(st Store) error {
		exp := Expense{
			ID:          newID(),
			OrderID:     orderID,
			InvoiceID:   invoiceID,
			Type:        typ,
			Amount:      amount,
			Description: description,
			RecordedBy:  actor.UserID,
			ReceiptRef:  receiptRef,
			CreatedAt:   s.now().UTC(),
		}

		if invoiceID == "" {
			// Pre-invoice expense: order link only.
			order, err := st.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			if order == nil {
				return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
			}
			// If an invoice already exists for the order, attach directly.
			if inv, err := st.GetInvoiceByOrder(ctx, orderID); err != nil {
				return err
			} else if inv != nil {
				exp.InvoiceID = inv.ID
			}
		}

		if exp.InvoiceID == "" {
			if err := st.AddExpense(ctx, exp); err != nil {
				return err
			}
			created = &exp
			return nil
		}

		inv, err := st.GetInvoice(ctx, exp.InvoiceID)
		if err != nil {
			return err
		}
		if inv == nil {
			return fmt.Errorf("invoice %s: %w", exp.InvoiceID, ErrNotFound)
		}
		if !inv.Mutable() {
			return &InvalidStatusError{
				InvoiceID: inv.ID,
				Current:   inv.Status,
				Required:  []InvoiceStatus{StatusGenerated, StatusLocked, StatusDisputed},
			}
		}
		exp.OrderID = inv.OrderID

		before := map[string]any{
			"expenses_total": inv.ExpensesTotal.String(),
			"final_total":    inv.FinalTotal.String(),
		}

		if err := st.AddExpense(ctx, exp); err != nil {
			return err
		}
		if err := recomputeTotals(ctx, st, inv); err != nil {
			return err
		}
		inv.UpdatedAt = s.now().UTC()
		if err := st.UpdateInvoice(ctx, inv, inv.Status); err != nil {
			return err
		}

		if err := s.audit(ctx, st, inv.ID, AuditExpenseAdded, actor,
			before,
			map[string]any{
				"expense_type":   string(typ),
				"amount":         amount.String(),
				"expenses_total": inv.ExpensesTotal.String(),
				"final_total":    inv.FinalTotal.String(),
			},
			description,
		); err != nil {
			return err
		}

		created = &exp
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("order_id", string(created.OrderID)).
		Str("invoice_id", string(created.InvoiceID)).
		Str("type", string(typ)).
		Str("amount", amount.String()).
		Msg("expense recorded")
	return created, nil
}

// validateReason enforces the minimum reason length.
func validateReason(field, reason string) error {
	trimmed := strings.TrimSpace(reason)
	if len(trimmed) < MinReasonLength {
		return &InvalidReasonError{Field: field, MinLength: MinReasonLength, Got: len(trimmed)}
	}
	return nil
}
