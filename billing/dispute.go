/*
dispute.go - Dispute raising and resolution

PURPOSE:
  A dispute freezes an invoice's normal progression. It may be raised by
  the order-owning role against a generated or locked invoice, never
  against a finalized one. The privileged role resolves it with one of:

    rejected  revert to the pre-dispute status, nothing else changes
    accepted  revert to the pre-dispute status; corrective adjustments,
              if warranted, are issued separately (accept moves no money)
    adjusted  create an adjustment AND revert, as one atomic unit

  Every resolution requires a non-empty reason and writes one audit entry.
*/
package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DisputeAction is the resolution applied to a disputed invoice.
type DisputeAction string

const (
	DisputeAccepted DisputeAction = "accepted"
	DisputeRejected DisputeAction = "rejected"
	DisputeAdjusted DisputeAction = "adjusted"
)

// RaiseDispute freezes a generated or locked invoice with a mandatory reason.
//
// Fails with ErrAlreadyDisputed if the invoice is disputed, ErrInvalidStatus
// for any other status outside {generated, locked}.
func (s *Service) RaiseDispute(ctx context.Context, id InvoiceID, reason string, actor Actor) (*Invoice, error) {
	if err := validateReason("dispute reason", reason); err != nil {
		return nil, err
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
		if inv.Status == StatusDisputed {
			return fmt.Errorf("invoice %s: %w", id, ErrAlreadyDisputed)
		}
		if inv.Status != StatusGenerated && inv.Status != StatusLocked {
			return &InvalidStatusError{
				InvoiceID: id,
				Current:   inv.Status,
				Required:  []InvoiceStatus{StatusGenerated, StatusLocked},
			}
		}

		// The ordinary role may only dispute invoices for its own orders.
		if actor.Role == RoleClinic {
			order, err := st.GetOrder(ctx, inv.OrderID)
			if err != nil {
				return err
			}
			if order != nil && order.ClinicID != "" && order.ClinicID != actor.UserID {
				return fmt.Errorf("invoice %s belongs to another clinic: %w", id, ErrForbidden)
			}
		}

		now := s.now().UTC()
		prior := inv.Status
		inv.PreDisputeStatus = prior
		inv.Status = StatusDisputed
		inv.DisputeReason = reason
		inv.DisputedAt = &now
		inv.DisputeResolution = ""
		inv.ResolutionNotes = ""
		inv.ResolvedBy = ""
		inv.ResolvedAt = nil
		inv.UpdatedAt = now

		if err := st.UpdateInvoice(ctx, inv, prior); err != nil {
			return err
		}

		if err := s.audit(ctx, st, id, AuditDisputeRaised, actor,
			map[string]any{"status": string(prior)},
			map[string]any{"status": string(StatusDisputed)},
			reason,
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
		Str("actor", actor.UserID).
		Msg("dispute raised")
	return updated, nil
}

// ResolveDispute applies one of the three resolution actions. Privileged.
// For DisputeAdjusted, adjustmentAmount is required and the adjustment plus
// the status reversion persist atomically - both or neither.
func (s *Service) ResolveDispute(ctx context.Context, id InvoiceID, action DisputeAction, notes string, adjustmentAmount *decimal.Decimal, actor Actor) (*Invoice, error) {
	if !actor.Privileged() {
		return nil, fmt.Errorf("dispute resolution requires the lab admin role: %w", ErrForbidden)
	}
	switch action {
	case DisputeAccepted, DisputeRejected, DisputeAdjusted:
	default:
		return nil, fmt.Errorf("unknown resolution action %q: %w", action, ErrInvalidInput)
	}
	if strings.TrimSpace(notes) == "" {
		return nil, &InvalidReasonError{Field: "resolution notes", MinLength: 1, Got: 0}
	}
	if action == DisputeAdjusted && adjustmentAmount == nil {
		return nil, fmt.Errorf("adjusted resolution requires an amount: %w", ErrInvalidInput)
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
		if inv.Status != StatusDisputed {
			return &InvalidStatusError{InvoiceID: id, Current: inv.Status, Required: []InvoiceStatus{StatusDisputed}}
		}

		now := s.now().UTC()
		prior := inv.PreDisputeStatus
		if prior == "" {
			prior = StatusGenerated
		}

		if action == DisputeAdjusted {
			adj := Adjustment{
				ID:        newID(),
				InvoiceID: id,
				Type:      AdjustmentCorrection,
				Amount:    *adjustmentAmount,
				Reason:    notes,
				CreatedBy: actor.UserID,
				SourceRef: "dispute:" + string(id),
				CreatedAt: now,
			}
			if err := st.AddAdjustment(ctx, adj); err != nil {
				return err
			}
			if err := recomputeTotals(ctx, st, inv); err != nil {
				return err
			}
		}

		inv.Status = prior
		inv.DisputeResolution = action
		inv.ResolutionNotes = notes
		inv.ResolvedBy = actor.UserID
		inv.ResolvedAt = &now
		inv.UpdatedAt = now

		if err := st.UpdateInvoice(ctx, inv, StatusDisputed); err != nil {
			return err
		}

		after := map[string]any{
			"status":     string(prior),
			"resolution": string(action),
		}
		if action == DisputeAdjusted {
			after["adjustment_amount"] = adjustmentAmount.String()
			after["final_total"] = inv.FinalTotal.String()
		}
		if err := s.audit(ctx, st, id, AuditDisputeResolved, actor,
			map[string]any{"status": string(StatusDisputed)},
			after,
			notes,
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
		Str("action", string(action)).
		Str("actor", actor.UserID).
		Msg("dispute resolved")
	return updated, nil
}
