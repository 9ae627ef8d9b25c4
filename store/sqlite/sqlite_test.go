package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentalab/billing-engine/billing"
	"github.com/dentalab/billing-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func saveEligibleOrder(t *testing.T, s *sqlite.Store, id string, units int, urgent bool) {
	t.Helper()
	delivered := time.Now().UTC().Add(-48 * time.Hour)
	confirmed := time.Now().UTC().Add(-24 * time.Hour)
	require.NoError(t, s.SaveOrder(context.Background(), billing.Order{
		ID:                  billing.OrderID(id),
		ClinicID:            "clinic-smile",
		RestorationType:     "crown",
		UnitCount:           units,
		Urgent:              urgent,
		DeliveredAt:         &delivered,
		DeliveryConfirmedAt: &confirmed,
	}))
}

func storedInvoice(id, orderID string) *billing.Invoice {
	now := time.Now().UTC().Truncate(time.Second)
	return &billing.Invoice{
		ID:            billing.InvoiceID(id),
		InvoiceNumber: "INV-" + id,
		OrderID:       billing.OrderID(orderID),
		Status:        billing.StatusGenerated,
		PaymentStatus: billing.PaymentPending,
		Subtotal:      d("100.00"),
		FinalTotal:    d("100.00"),
		AmountPaid:    decimal.Zero,
		GeneratedAt:   now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// =============================================================================
// ROUND TRIPS AND CONSTRAINTS
// =============================================================================

func TestSQLite_InvoiceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	due := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	inv := storedInvoice("inv-1", "order-1")
	inv.DueDate = &due
	require.NoError(t, s.CreateInvoice(ctx, inv))

	got, err := s.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, inv.InvoiceNumber, got.InvoiceNumber)
	assert.Equal(t, billing.StatusGenerated, got.Status)
	assert.True(t, got.Subtotal.Equal(d("100.00")))
	require.NotNil(t, got.DueDate)
	assert.True(t, got.DueDate.Equal(due))

	byOrder, err := s.GetInvoiceByOrder(ctx, "order-1")
	require.NoError(t, err)
	require.NotNil(t, byOrder)
	assert.Equal(t, got.ID, byOrder.ID)
}

func TestSQLite_OrderUniquenessEnforcedByDatabase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateInvoice(ctx, storedInvoice("inv-1", "order-1")))

	err := s.CreateInvoice(ctx, storedInvoice("inv-2", "order-1"))
	assert.ErrorIs(t, err, billing.ErrAlreadyExists)
}

func TestSQLite_UpdateInvoiceGuardsStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inv := storedInvoice("inv-1", "order-1")
	require.NoError(t, s.CreateInvoice(ctx, inv))

	inv.Status = billing.StatusFinalized
	err := s.UpdateInvoice(ctx, inv, billing.StatusLocked)
	assert.ErrorIs(t, err, billing.ErrConcurrentModification)

	missing := storedInvoice("ghost", "order-2")
	err = s.UpdateInvoice(ctx, missing, billing.StatusGenerated)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestSQLite_NextInvoiceNumberSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.NextInvoiceNumber(ctx)
	require.NoError(t, err)
	second, err := s.NextInvoiceNumber(ctx)
	require.NoError(t, err)

	assert.Equal(t, "INV-000001", first)
	assert.Equal(t, "INV-000002", second)
}

func TestSQLite_ListEligibleOrdersExcludesInvoiced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saveEligibleOrder(t, s, "order-1", 1, false)
	saveEligibleOrder(t, s, "order-2", 1, false)
	require.NoError(t, s.SaveOrder(ctx, billing.Order{
		ID:              "order-undelivered",
		RestorationType: "crown",
		UnitCount:       1,
	}))
	require.NoError(t, s.CreateInvoice(ctx, storedInvoice("inv-1", "order-1")))

	eligible, err := s.ListEligibleOrders(ctx)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, billing.OrderID("order-2"), eligible[0].ID)
}

func TestSQLite_WithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(st billing.Store) error {
		if err := st.CreateInvoice(ctx, storedInvoice("inv-1", "order-1")); err != nil {
			return err
		}
		if err := st.AddAdjustment(ctx, billing.Adjustment{
			ID:        "adj-1",
			InvoiceID: "inv-1",
			Type:      billing.AdjustmentCredit,
			Amount:    d("-10.00"),
			Reason:    "will be rolled back",
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	inv, err := s.GetInvoice(ctx, "inv-1")
	require.NoError(t, err)
	assert.Nil(t, inv)

	adjustments, err := s.ListAdjustments(ctx, "inv-1")
	require.NoError(t, err)
	assert.Empty(t, adjustments)
}

func TestSQLite_ReadsInsideTxSeeUncommittedWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(st billing.Store) error {
		if err := st.CreateInvoice(ctx, storedInvoice("inv-1", "order-1")); err != nil {
			return err
		}
		if err := st.AddExpense(ctx, billing.Expense{
			ID:      "exp-1",
			OrderID: "order-1",
			Type:    billing.ExpenseDelivery,
			Amount:  d("12.00"),
		}); err != nil {
			return err
		}
		if err := st.LinkOrderExpenses(ctx, "order-1", "inv-1"); err != nil {
			return err
		}
		linked, err := st.ListExpensesByInvoice(ctx, "inv-1")
		if err != nil {
			return err
		}
		require.Len(t, linked, 1, "expense must be visible inside the transaction")
		return nil
	})
	require.NoError(t, err)
}

func TestSQLite_PriceResolutionStorage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePrice(ctx, billing.Price{
		Scope:           billing.PriceScopeTemplate,
		RestorationType: "crown",
		UnitPrice:       d("120.00"),
		UpdatedAt:       time.Now().UTC(),
	}))

	p, err := s.GetPrice(ctx, billing.PriceScopeTemplate, "crown")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.UnitPrice.Equal(d("120.00")))

	missing, err := s.GetPrice(ctx, billing.PriceScopeLab, "crown")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// Upsert replaces in place
	require.NoError(t, s.SavePrice(ctx, billing.Price{
		Scope:           billing.PriceScopeTemplate,
		RestorationType: "crown",
		UnitPrice:       d("130.00"),
		UpdatedAt:       time.Now().UTC(),
	}))
	p, err = s.GetPrice(ctx, billing.PriceScopeTemplate, "crown")
	require.NoError(t, err)
	assert.True(t, p.UnitPrice.Equal(d("130.00")))
}

func TestSQLite_AuditRoundTripPreservesSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateInvoice(ctx, storedInvoice("inv-1", "order-1")))
	require.NoError(t, s.AppendAudit(ctx, billing.AuditEntry{
		ID:        "audit-1",
		InvoiceID: "inv-1",
		Action:    billing.AuditLocked,
		ActorID:   "admin-1",
		ActorRole: billing.RoleLabAdmin,
		Before:    map[string]any{"status": "generated"},
		After:     map[string]any{"status": "locked"},
		CreatedAt: time.Now().UTC(),
	}))

	entries, err := s.ListAudit(ctx, "inv-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, billing.AuditLocked, entries[0].Action)
	assert.Equal(t, "generated", entries[0].Before["status"])
	assert.Equal(t, "locked", entries[0].After["status"])
}

// =============================================================================
// FULL SERVICE FLOW OVER SQLITE
// =============================================================================

func TestSQLite_FullInvoiceLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	svc := billing.NewService(s, zerolog.Nop())
	admin := billing.Actor{UserID: "admin-1", Role: billing.RoleLabAdmin}

	require.NoError(t, svc.SetPrice(ctx, billing.Price{
		Scope:           billing.PriceScopeTemplate,
		RestorationType: "crown",
		UnitPrice:       d("120.00"),
	}, admin))
	saveEligibleOrder(t, s, "order-1", 3, false)

	inv, err := svc.Generate(ctx, "order-1", admin)
	require.NoError(t, err)
	assert.True(t, inv.FinalTotal.Equal(d("360.00")))

	_, err = svc.Lock(ctx, inv.ID, admin)
	require.NoError(t, err)
	_, err = svc.AddAdjustment(ctx, inv.ID, billing.AdjustmentDiscount, d("-60.00"), "quarterly volume discount", admin)
	require.NoError(t, err)
	_, err = svc.Finalize(ctx, inv.ID, admin)
	require.NoError(t, err)

	paid, err := svc.UpdatePayment(ctx, inv.ID, d("300.00"), nil, admin)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentPaid, paid.PaymentStatus)

	detail, err := svc.GetInvoiceDetail(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, detail.Invoice.FinalTotal.Equal(detail.Invoice.ReconciledTotal()))
	// generated, locked, adjustment, finalized, payment
	assert.Len(t, detail.AuditLog, 5)
}
