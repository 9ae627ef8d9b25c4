/*
statemachine.go - Invoice status transitions

PURPOSE:
  Governs the legal status progression and who may trigger each step:

    generated --lock--> locked --finalize--> finalized (terminal)
        \                  /
         \--dispute--> disputed --resolve--> (pre-dispute status)

  Finalized is terminal for money fields: after that transition, status,
  line items, adjustments, and expenses are permanently read-only. Only
  payment fields may still change. Finalized invoices are never disputable,
  including by the privileged role; see DESIGN.md for the boundary decision.

CONCURRENCY:
  Each transition is a guarded read-modify-write: the invoice status is
  re-verified by the store's compare-and-swap update inside the same
  transaction as the audit write. Two racing transitions cannot both
  succeed from a stale read; the loser sees ErrConcurrentModification.
*/
package billing

import (
	"context"
	"fmt"
)

// Lock moves a generated invoice to locked, enabling adjustments.
// Privileged action. No side effect on totals.
func (s *Service) Lock(ctx context.Context, id InvoiceID, actor Actor) (*Invoice, error) {
	return s.transition(ctx, id, StatusGenerated, StatusLocked, AuditLocked, actor)
}

// Finalize moves a locked invoice to finalized, the terminal state.
// Privileged action.
func (s *Service) Finalize(ctx context.Context, id InvoiceID, actor Actor) (*Invoice, error) {
	return s.transition(ctx, id, StatusLocked, StatusFinalized, AuditFinalized, actor)
}

// transition applies one guarded status change with its audit entry.
func (s *Service) transition(ctx context.Context, id InvoiceID, from, to InvoiceStatus, action AuditAction, actor Actor) (*Invoice, error) {
	if !actor.Privileged() {
		return nil, fmt.Errorf("%s requires the lab admin role: %w", to, ErrForbidden)
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
		if inv.Status != from {
			return &InvalidTransitionError{InvoiceID: id, From: inv.Status, To: to}
		}

		now := s.now().UTC()
		inv.Status = to
		inv.UpdatedAt = now
		switch to {
		case StatusLocked:
			inv.LockedAt = &now
		case StatusFinalized:
			inv.FinalizedAt = &now
		}

		// CAS on the status read above; a concurrent transition makes
		// this fail rather than silently double-apply.
		if err := st.UpdateInvoice(ctx, inv, from); err != nil {
			return err
		}

		if err := s.audit(ctx, st, id, action, actor,
			map[string]any{"status": string(from)},
			map[string]any{"status": string(to)},
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
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor", actor.UserID).
		Msg("invoice status transition")
	return updated, nil
}
