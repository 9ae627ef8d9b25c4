package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentalab/billing-engine/billing"
)

// lockedInvoice is the fixture for adjustment tests: generated then locked.
func lockedInvoice(t *testing.T, svc *billing.Service) *billing.Invoice {
	t.Helper()
	inv := generateInvoice(t, svc)
	locked, err := svc.Lock(context.Background(), inv.ID, adminActor)
	require.NoError(t, err)
	return locked
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

func TestAddAdjustment_PositiveChargeRaisesTotal(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := lockedInvoice(t, svc)

	// GIVEN: A locked invoice with final total 360.00
	// WHEN: Adding a +15.00 penalty
	adj, err := svc.AddAdjustment(ctx, inv.ID, billing.AdjustmentPenalty, d("15.00"), "late pickup fee per contract", adminActor)
	require.NoError(t, err)
	assert.True(t, adj.Amount.Equal(d("15.00")))

	// THEN: Totals recompute and the invariant holds
	detail, err := svc.GetInvoiceDetail(ctx, inv.ID)
	require.NoError(t, err)
	got := detail.Invoice
	assert.True(t, got.AdjustmentsTotal.Equal(d("15.00")))
	assert.True(t, got.FinalTotal.Equal(d("375.00")), "got %s", got.FinalTotal)
	assert.True(t, got.FinalTotal.Equal(got.ReconciledTotal()))
}

func TestAddAdjustment_NegativeCreditLowersTotal(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := lockedInvoice(t, svc)

	_, err := svc.AddAdjustment(ctx, inv.ID, billing.AdjustmentCredit, d("-40.00"), "goodwill credit for chipped margin", adminActor)
	require.NoError(t, err)

	detail, err := svc.GetInvoiceDetail(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, detail.Invoice.AdjustmentsTotal.Equal(d("-40.00")))
	assert.True(t, detail.Invoice.FinalTotal.Equal(d("320.00")))
}

func TestAddAdjustment_OnlyOnLockedInvoices(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// GIVEN: A generated (not locked) invoice
	inv := generateInvoice(t, svc)

	_, err := svc.AddAdjustment(ctx, inv.ID, billing.AdjustmentDiscount, d("-10.00"), "volume discount agreement", adminActor)
	assert.ErrorIs(t, err, billing.ErrInvalidStatus)

	var statusErr *billing.InvalidStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, billing.StatusGenerated, statusErr.Current)
}

func TestAddAdjustment_FinalizedInvoiceRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := lockedInvoice(t, svc)
	_, err := svc.Finalize(ctx, inv.ID, adminActor)
	require.NoError(t, err)

	_, err = svc.AddAdjustment(ctx, inv.ID, billing.AdjustmentDiscount, d("-10.00"), "too late for this discount", adminActor)
	assert.ErrorIs(t, err, billing.ErrInvalidStatus)
}

func TestAddAdjustment_ShortReasonRejected(t *testing.T) {
	svc := newTestService(t)
	inv := lockedInvoice(t, svc)

	// GIVEN: A reason shorter than the minimum after trimming
	_, err := svc.AddAdjustment(context.Background(), inv.ID, billing.AdjustmentDiscount, d("-10.00"), "  short  ", adminActor)
	assert.ErrorIs(t, err, billing.ErrInvalidReason)

	var reasonErr *billing.InvalidReasonError
	require.ErrorAs(t, err, &reasonErr)
	assert.Equal(t, billing.MinReasonLength, reasonErr.MinLength)

	// THEN: Nothing was appended
	detail, derr := svc.GetInvoiceDetail(context.Background(), inv.ID)
	require.NoError(t, derr)
	assert.Empty(t, detail.Adjustments)
}

func TestAddAdjustment_UnknownTypeRejected(t *testing.T) {
	svc := newTestService(t)
	inv := lockedInvoice(t, svc)

	_, err := svc.AddAdjustment(context.Background(), inv.ID, "rebate", d("-10.00"), "unknown type should fail", adminActor)
	assert.ErrorIs(t, err, billing.ErrInvalidInput)
}

func TestAddAdjustment_EachWritesOneAuditEntry(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := lockedInvoice(t, svc)

	_, err := svc.AddAdjustment(ctx, inv.ID, billing.AdjustmentPenalty, d("5.00"), "first penalty for late pickup", adminActor)
	require.NoError(t, err)
	_, err = svc.AddAdjustment(ctx, inv.ID, billing.AdjustmentCredit, d("-5.00"), "offsetting goodwill credit", adminActor)
	require.NoError(t, err)

	detail, err := svc.GetInvoiceDetail(ctx, inv.ID)
	require.NoError(t, err)
	// generated + locked + two adjustments
	require.Len(t, detail.AuditLog, 4)
	assert.Equal(t, billing.AuditAdjustmentAdded, detail.AuditLog[2].Action)
	assert.Equal(t, billing.AuditAdjustmentAdded, detail.AuditLog[3].Action)
	assert.Len(t, detail.Adjustments, 2)
}

// =============================================================================
// EXPENSES
// =============================================================================

func TestAddExpense_SubtractsFromFinalTotal(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := generateInvoice(t, svc)

	exp, err := svc.AddExpense(ctx, "", inv.ID, billing.ExpenseDelivery, d("18.50"), "standard delivery", "rcpt-100", adminActor)
	require.NoError(t, err)
	assert.Equal(t, inv.OrderID, exp.OrderID)

	detail, err := svc.GetInvoiceDetail(ctx, inv.ID)
	require.NoError(t, err)
	got := detail.Invoice
	assert.True(t, got.ExpensesTotal.Equal(d("18.50")))
	assert.True(t, got.FinalTotal.Equal(d("341.50")), "got %s", got.FinalTotal)
	assert.True(t, got.FinalTotal.Equal(got.ReconciledTotal()))
}

func TestAddExpense_AllowedWhileLocked(t *testing.T) {
	svc := newTestService(t)
	inv := lockedInvoice(t, svc)

	_, err := svc.AddExpense(context.Background(), "", inv.ID, billing.ExpenseRedelivery, d("30.00"), "second delivery attempt", "", adminActor)
	require.NoError(t, err)
}

func TestAddExpense_FinalizedInvoiceRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := lockedInvoice(t, svc)
	_, err := svc.Finalize(ctx, inv.ID, adminActor)
	require.NoError(t, err)

	_, err = svc.AddExpense(ctx, "", inv.ID, billing.ExpenseCourier, d("12.00"), "", "", adminActor)
	assert.ErrorIs(t, err, billing.ErrInvalidStatus)
}

func TestAddExpense_ZeroOrNegativeAmountRejected(t *testing.T) {
	svc := newTestService(t)
	inv := generateInvoice(t, svc)

	_, err := svc.AddExpense(context.Background(), "", inv.ID, billing.ExpenseCourier, d("0"), "", "", adminActor)
	assert.ErrorIs(t, err, billing.ErrInvalidInput)

	_, err = svc.AddExpense(context.Background(), "", inv.ID, billing.ExpenseCourier, d("-5.00"), "", "", adminActor)
	assert.ErrorIs(t, err, billing.ErrInvalidInput)
}

func TestAddExpense_OrderRouteAttachesToExistingInvoice(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// GIVEN: An invoice already exists for the order
	inv := generateInvoice(t, svc)

	// WHEN: An expense arrives via the order route
	exp, err := svc.AddExpense(ctx, inv.OrderID, "", billing.ExpensePickup, d("9.00"), "impression pickup", "", adminActor)
	require.NoError(t, err)

	// THEN: It attaches to the invoice directly
	assert.Equal(t, inv.ID, exp.InvoiceID)

	detail, err := svc.GetInvoiceDetail(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, detail.Invoice.ExpensesTotal.Equal(d("9.00")))
}

func TestAddExpense_UnknownOrderRejected(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.AddExpense(context.Background(), "no-such-order", "", billing.ExpenseOther, d("5.00"), "", "", adminActor)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}
