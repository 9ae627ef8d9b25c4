/*
payment.go - Payment tracking, independent of the status state machine

PURPOSE:
  Payment status is a second axis: it may change while the invoice is
  generated, locked, or finalized. The status is derived, never chosen:

    paid     amountPaid >= finalTotal
    partial  amountPaid > 0
    overdue  due date exists and has passed
    pending  otherwise

  A payment that would exceed the final total is rejected.

THE OVERDUE SWEEP:
  SweepOverdue re-derives "overdue" for invoices past their due date that
  are still pending/partial. It is idempotent and only tightens toward
  overdue - it never touches a paid invoice. Safe to run concurrently with
  itself and with ordinary mutations.
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// UpdatePayment records the amount paid (and optionally a due date) and
// re-derives the payment status.
//
// Fails with ErrOverpaymentRejected if amountPaid exceeds the final total.
func (s *Service) UpdatePayment(ctx context.Context, id InvoiceID, amountPaid decimal.Decimal, dueDate *time.Time, actor Actor) (*Invoice, error) {
	if amountPaid.IsNegative() {
		return nil, fmt.Errorf("payment amount must not be negative: %w", ErrInvalidInput)
	}

	var updated *Invoice
	err := s.store.WithTx(ctx, func(st Store) error {
		inv, err := st.GetInvoice(ctx, id)
		if err != nil {
			return err
		}
		if inv == nil {
			return fmt.Errorf("invoice %s: %w", id, ErrNotFound)
		}

		if amountPaid.GreaterThan(inv.FinalTotal) {
			return &OverpaymentError{InvoiceID: id, Paid: amountPaid, Total: inv.FinalTotal}
		}

		now := s.now().UTC()
		before := map[string]any{
			"payment_status": string(inv.PaymentStatus),
			"amount_paid":    inv.AmountPaid.String(),
		}

		inv.AmountPaid = amountPaid
		if dueDate != nil {
			d := dueDate.UTC()
			inv.DueDate = &d
		}
		inv.PaymentStatus = DerivePaymentStatus(inv.AmountPaid, inv.FinalTotal, inv.DueDate, now)
		if inv.PaymentStatus == PaymentPaid && inv.PaymentReceivedAt == nil {
			inv.PaymentReceivedAt = &now
		}
		inv.UpdatedAt = now

		if err := st.UpdateInvoice(ctx, inv, inv.Status); err != nil {
			return err
		}

		if err := s.audit(ctx, st, id, AuditPaymentUpdated, actor,
			before,
			map[string]any{
				"payment_status": string(inv.PaymentStatus),
				"amount_paid":    inv.AmountPaid.String(),
			},
			"",
		); err != nil {
			return err
		}

		updated = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("invoice_id", string(id)).
		Str("amount_paid", amountPaid.String()).
		Str("payment_status", string(updated.PaymentStatus)).
		Msg("payment updated")
	return updated, nil
}

// SweepOverdue marks invoices past their due date as overdue. Only
// pending/partial invoices move; paid and already-overdue invoices are
// left untouched, so re-running the sweep is a no-op for them. Returns
// the number of invoices swept.
func (s *Service) SweepOverdue(ctx context.Context, now time.Time) (int, error) {
	invoices, err := s.store.ListInvoices(ctx, nil)
	if err != nil {
		return 0, err
	}

	actor := Actor{UserID: "overdue-sweep", Role: RoleSystem}
	swept := 0
	for _, candidate := range invoices {
		if candidate.DueDate == nil || !candidate.DueDate.Before(now) {
			continue
		}
		if candidate.PaymentStatus != PaymentPending && candidate.PaymentStatus != PaymentPartial {
			continue
		}

		id := candidate.ID
		err := s.store.WithTx(ctx, func(st Store) error {
			inv, err := st.GetInvoice(ctx, id)
			if err != nil {
				return err
			}
			if inv == nil {
				return nil
			}
			// Re-check inside the transaction; a concurrent payment may
			// have settled the invoice since the listing.
			if inv.PaymentStatus != PaymentPending && inv.PaymentStatus != PaymentPartial {
				return nil
			}
			if inv.DueDate == nil || !inv.DueDate.Before(now) {
				return nil
			}

			before := map[string]any{"payment_status": string(inv.PaymentStatus)}
			inv.PaymentStatus = PaymentOverdue
			inv.UpdatedAt = s.now().UTC()

			if err := st.UpdateInvoice(ctx, inv, inv.Status); err != nil {
				return err
			}
			if err := s.audit(ctx, st, id, AuditOverdueSwept, actor,
				before,
				map[string]any{"payment_status": string(PaymentOverdue)},
				fmt.Sprintf("due date %s passed", inv.DueDate.Format("2006-01-02")),
			); err != nil {
				return err
			}
			swept++
			return nil
		})
		if err != nil {
			if IsRetryable(err) {
				// Lost a race with a concurrent mutation; the next sweep
				// will pick the invoice up again.
				continue
			}
			return swept, err
		}
	}

	if swept > 0 {
		s.log.Info().Int("count", swept).Msg("overdue sweep completed")
	}
	return swept, nil
}
