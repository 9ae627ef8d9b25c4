package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentalab/billing-engine/billing"
)

func TestUpdatePayment_PartialThenPaid(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := generateInvoice(t, svc) // final total 360.00

	// WHEN: Paying part of the total
	got, err := svc.UpdatePayment(ctx, inv.ID, d("100.00"), nil, clinicActor)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentPartial, got.PaymentStatus)
	assert.Nil(t, got.PaymentReceivedAt)

	// WHEN: Paying in full
	got, err = svc.UpdatePayment(ctx, inv.ID, d("360.00"), nil, clinicActor)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentPaid, got.PaymentStatus)
	require.NotNil(t, got.PaymentReceivedAt)
	assert.Equal(t, testNow, *got.PaymentReceivedAt)
}

func TestUpdatePayment_OverpaymentRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := generateInvoice(t, svc)

	_, err := svc.UpdatePayment(ctx, inv.ID, d("360.01"), nil, clinicActor)
	assert.ErrorIs(t, err, billing.ErrOverpaymentRejected)

	var overErr *billing.OverpaymentError
	require.ErrorAs(t, err, &overErr)
	assert.True(t, overErr.Total.Equal(d("360.00")))

	// Nothing changed
	detail, derr := svc.GetInvoiceDetail(ctx, inv.ID)
	require.NoError(t, derr)
	assert.True(t, detail.Invoice.AmountPaid.IsZero())
	assert.Equal(t, billing.PaymentPending, detail.Invoice.PaymentStatus)
}

func TestUpdatePayment_NegativeAmountRejected(t *testing.T) {
	svc := newTestService(t)
	inv := generateInvoice(t, svc)

	_, err := svc.UpdatePayment(context.Background(), inv.ID, d("-1.00"), nil, clinicActor)
	assert.ErrorIs(t, err, billing.ErrInvalidInput)
}

func TestUpdatePayment_AllowedOnFinalizedInvoice(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := generateInvoice(t, svc)
	_, err := svc.Lock(ctx, inv.ID, adminActor)
	require.NoError(t, err)
	_, err = svc.Finalize(ctx, inv.ID, adminActor)
	require.NoError(t, err)

	// Payment is the one axis that still moves after finalization
	got, err := svc.UpdatePayment(ctx, inv.ID, d("360.00"), nil, clinicActor)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusFinalized, got.Status)
	assert.Equal(t, billing.PaymentPaid, got.PaymentStatus)
}

func TestUpdatePayment_MovingDueDateRederivesStatus(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := generateInvoice(t, svc)

	// GIVEN: A due date already in the past
	past := testNow.Add(-24 * time.Hour)
	got, err := svc.UpdatePayment(ctx, inv.ID, d("0"), &past, clinicActor)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentOverdue, got.PaymentStatus)

	// WHEN: The due date moves into the future
	future := testNow.Add(24 * time.Hour)
	got, err = svc.UpdatePayment(ctx, inv.ID, d("0"), &future, clinicActor)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentPending, got.PaymentStatus)
}

// =============================================================================
// OVERDUE SWEEP
// =============================================================================

func TestSweepOverdue_MarksPastDueInvoices(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := generateInvoice(t, svc) // due 30 days after testNow

	// WHEN: Sweeping after the due date has passed
	swept, err := svc.SweepOverdue(ctx, testNow.AddDate(0, 0, 31))
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	detail, err := svc.GetInvoiceDetail(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentOverdue, detail.Invoice.PaymentStatus)

	// THEN: An audit entry records the sweep with the system actor
	last := detail.AuditLog[len(detail.AuditLog)-1]
	assert.Equal(t, billing.AuditOverdueSwept, last.Action)
	assert.Equal(t, billing.RoleSystem, last.ActorRole)
}

func TestSweepOverdue_IsIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	generateInvoice(t, svc)

	after := testNow.AddDate(0, 0, 31)
	swept, err := svc.SweepOverdue(ctx, after)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	// A second sweep finds nothing to do
	swept, err = svc.SweepOverdue(ctx, after)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}

func TestSweepOverdue_PaidInvoicesUntouched(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	seedPricing(t, svc)

	// GIVEN: One settled invoice and one still pending, both past due
	seedOrder(t, svc, "order-paid", 1, false)
	paid, err := svc.Generate(ctx, "order-paid", adminActor)
	require.NoError(t, err)
	_, err = svc.UpdatePayment(ctx, paid.ID, d("120.00"), nil, clinicActor)
	require.NoError(t, err)

	seedOrder(t, svc, "order-pending", 1, false)
	pending, err := svc.Generate(ctx, "order-pending", adminActor)
	require.NoError(t, err)

	// WHEN: Sweeping past the due date of both
	swept, err := svc.SweepOverdue(ctx, testNow.AddDate(0, 0, 31))
	require.NoError(t, err)

	// THEN: Only the pending invoice moves
	assert.Equal(t, 1, swept)

	detail, err := svc.GetInvoiceDetail(ctx, paid.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentPaid, detail.Invoice.PaymentStatus)

	detail, err = svc.GetInvoiceDetail(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.PaymentOverdue, detail.Invoice.PaymentStatus)
}
