/*
generator.go - Invoice generation from a completed order

PURPOSE:
  Builds exactly one new invoice per eligible order: line items priced
  from the order's attributes, an optional urgency surcharge item, and
  the computed subtotal. The invoice is created in status "generated"
  with one "generated" audit entry, all inside a single transaction.

PRICING RESOLUTION ORDER:
  1. Lab-specific fixed price for the restoration type
  2. Platform template price
  3. ErrNoPriceConfigured

INVOICE NUMBER:
  Generated from a collision-free sequence at generation time, immutable
  thereafter. The sequence row is incremented inside the generation
  transaction, so concurrent generations cannot collide.

EXPENSES RECORDED BEFORE GENERATION:
  Logistics expenses may be recorded against the order before an invoice
  exists. Generation links them to the new invoice and includes them in
  ExpensesTotal from the start.
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Generate creates the invoice for an eligible order.
//
// Fails with:
//   - ErrNotFound if the order is unknown
//   - ErrNotEligible if the order lacks confirmed delivery
//   - ErrAlreadyExists if an invoice already exists for the order
//   - ErrNoPriceConfigured if no price resolves for the restoration type
func (s *Service) Generate(ctx context.Context, orderID OrderID, actor Actor) (*Invoice, error) {
	var created *Invoice

	err := s.store.WithTx(ctx, func(st Store) error {
		order, err := st.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
		}
		if !order.Eligible() {
			return fmt.Errorf("order %s: %w", orderID, ErrNotEligible)
		}

		// Cheap pre-check; the unique constraint on order_id is the
		// authoritative guard under concurrency.
		existing, err := st.GetInvoiceByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("order %s: %w", orderID, ErrAlreadyExists)
		}

		unitPrice, err := s.resolveUnitPrice(ctx, st, order.RestorationType)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		due := now.AddDate(0, 0, s.dueDays)
		number, err := st.NextInvoiceNumber(ctx)
		if err != nil {
			return fmt.Errorf("invoice number: %w", err)
		}

		inv := &Invoice{
			ID:            InvoiceID(newID()),
			InvoiceNumber: number,
			OrderID:       orderID,
			Status:        StatusGenerated,
			PaymentStatus: PaymentPending,
			AmountPaid:    decimal.Zero,
			DueDate:       &due,
			GeneratedAt:   now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		items, err := s.buildLineItems(ctx, st, inv, order, unitPrice, now)
		if err != nil {
			return err
		}
		for _, it := range items {
			inv.Subtotal = inv.Subtotal.Add(it.TotalPrice)
		}

		if err := st.CreateInvoice(ctx, inv); err != nil {
			return err
		}
		if err := st.AddLineItems(ctx, items); err != nil {
			return err
		}

		// Attach expenses recorded against the order before generation.
		if err := st.LinkOrderExpenses(ctx, orderID, inv.ID); err != nil {
			return err
		}
		if err := recomputeTotals(ctx, st, inv); err != nil {
			return err
		}
		if err := st.UpdateInvoice(ctx, inv, StatusGenerated); err != nil {
			return err
		}

		if err := s.audit(ctx, st, inv.ID, AuditGenerated, actor,
			map[string]any{},
			map[string]any{
				"status":      string(StatusGenerated),
				"number":      inv.InvoiceNumber,
				"subtotal":    inv.Subtotal.String(),
				"final_total": inv.FinalTotal.String(),
			},
			fmt.Sprintf("invoice generated for order %s", orderID),
		); err != nil {
			return err
		}

		created = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("invoice_id", string(created.ID)).
		Str("order_id", string(orderID)).
		Str("number", created.InvoiceNumber).
		Str("final_total", created.FinalTotal.String()).
		Msg("invoice generated")
	return created, nil
}

// resolveUnitPrice applies the pricing resolution order.
func (s *Service) resolveUnitPrice(ctx context.Context, st Store, restorationType string) (decimal.Decimal, error) {
	for _, scope := range []PriceScope{PriceScopeLab, PriceScopeTemplate} {
		p, err := st.GetPrice(ctx, scope, restorationType)
		if err != nil {
			return decimal.Zero, err
		}
		if p != nil {
			return p.UnitPrice, nil
		}
	}
	return decimal.Zero, fmt.Errorf("restoration type %q: %w", restorationType, ErrNoPriceConfigured)
}

// buildLineItems produces the priced-unit item and, when the order is
// urgent and a surcharge rule exists, a separate surcharge item.
func (s *Service) buildLineItems(ctx context.Context, st Store, inv *Invoice, order *Order, unitPrice decimal.Decimal, now time.Time) ([]LineItem, error) {
	qty := order.UnitCount
	if qty < 1 {
		qty = 1
	}
	unitsTotal := unitPrice.Mul(decimal.NewFromInt(int64(qty)))

	items := []LineItem{{
		ID:          newID(),
		InvoiceID:   inv.ID,
		Description: fmt.Sprintf("%s x%d", order.RestorationType, qty),
		Quantity:    qty,
		UnitPrice:   unitPrice,
		TotalPrice:  unitsTotal,
		SourceKind:  "restoration",
		CreatedAt:   now,
	}}

	if order.Urgent {
		rule, err := st.GetSurchargeRule(ctx)
		if err != nil {
			return nil, err
		}
		if rule != nil {
			surcharge := rule.Apply(unitsTotal)
			if surcharge.IsPositive() {
				items = append(items, LineItem{
					ID:          newID(),
					InvoiceID:   inv.ID,
					Description: "urgency surcharge",
					Quantity:    1,
					UnitPrice:   surcharge,
					TotalPrice:  surcharge,
					SourceKind:  "urgency_surcharge",
					CreatedAt:   now,
				})
			}
		}
	}
	return items, nil
}
