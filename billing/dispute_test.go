package billing_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentalab/billing-engine/billing"
)

const disputeReason = "priced units do not match the delivered work"

func TestRaiseDispute_FreezesGeneratedInvoice(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := generateInvoice(t, svc)

	got, err := svc.RaiseDispute(ctx, inv.ID, disputeReason, clinicActor)
	require.NoError(t, err)

	assert.Equal(t, billing.StatusDisputed, got.Status)
	assert.Equal(t, billing.StatusGenerated, got.PreDisputeStatus)
	assert.Equal(t, disputeReason, got.DisputeReason)
	require.NotNil(t, got.DisputedAt)

	// A disputed invoice cannot progress
	_, err = svc.Lock(ctx, inv.ID, adminActor)
	assert.ErrorIs(t, err, billing.ErrInvalidTransition)
}

func TestRaiseDispute_RemembersLockedState(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := generateInvoice(t, svc)
	_, err := svc.Lock(ctx, inv.ID, adminActor)
	require.NoError(t, err)

	got, err := svc.RaiseDispute(ctx, inv.ID, disputeReason, clinicActor)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusLocked, got.PreDisputeStatus)
}

func TestRaiseDispute_FinalizedInvoiceNeverDisputable(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := generateInvoice(t, svc)
	_, err := svc.Lock(ctx, inv.ID, adminActor)
	require.NoError(t, err)
	_, err = svc.Finalize(ctx, inv.ID, adminActor)
	require.NoError(t, err)

	// Even the privileged role cannot dispute a finalized record
	_, err = svc.RaiseDispute(ctx, inv.ID, disputeReason, adminActor)
	assert.ErrorIs(t, err, billing.ErrInvalidStatus)
}

func TestRaiseDispute_DoubleDisputeRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := generateInvoice(t, svc)

	_, err := svc.RaiseDispute(ctx, inv.ID, disputeReason, clinicActor)
	require.NoError(t, err)

	_, err = svc.RaiseDispute(ctx, inv.ID, disputeReason, clinicActor)
	assert.ErrorIs(t, err, billing.ErrAlreadyDisputed)
}

func TestRaiseDispute_ShortReasonRejected(t *testing.T) {
	svc := newTestService(t)
	inv := generateInvoice(t, svc)

	_, err := svc.RaiseDispute(context.Background(), inv.ID, "wrong", clinicActor)
	assert.ErrorIs(t, err, billing.ErrInvalidReason)
}

func TestRaiseDispute_OtherClinicForbidden(t *testing.T) {
	svc := newTestService(t)
	inv := generateInvoice(t, svc) // order belongs to clinic-smile

	other := billing.Actor{UserID: "clinic-north", Role: billing.RoleClinic}
	_, err := svc.RaiseDispute(context.Background(), inv.ID, disputeReason, other)
	assert.ErrorIs(t, err, billing.ErrForbidden)
}

// =============================================================================
// RESOLUTION
// =============================================================================

func disputedInvoice(t *testing.T, svc *billing.Service) *billing.Invoice {
	t.Helper()
	inv := generateInvoice(t, svc)
	disputed, err := svc.RaiseDispute(context.Background(), inv.ID, disputeReason, clinicActor)
	require.NoError(t, err)
	return disputed
}

func TestResolveDispute_RejectedRevertsStatus(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := disputedInvoice(t, svc)

	got, err := svc.ResolveDispute(ctx, inv.ID, billing.DisputeRejected, "delivered work matches the order", nil, adminActor)
	require.NoError(t, err)

	assert.Equal(t, billing.StatusGenerated, got.Status)
	assert.Equal(t, billing.DisputeRejected, got.DisputeResolution)
	assert.Equal(t, "admin-1", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)
	// Money untouched
	assert.True(t, got.FinalTotal.Equal(d("360.00")))
}

func TestResolveDispute_AcceptedMovesNoMoney(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := disputedInvoice(t, svc)

	got, err := svc.ResolveDispute(ctx, inv.ID, billing.DisputeAccepted, "clinic is right, credit to follow", nil, adminActor)
	require.NoError(t, err)

	assert.Equal(t, billing.StatusGenerated, got.Status)
	assert.True(t, got.FinalTotal.Equal(d("360.00")))

	detail, err := svc.GetInvoiceDetail(ctx, inv.ID)
	require.NoError(t, err)
	assert.Empty(t, detail.Adjustments)
}

func TestResolveDispute_AdjustedCreatesCorrectionAtomically(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := disputedInvoice(t, svc)

	amount := d("-60.00")
	got, err := svc.ResolveDispute(ctx, inv.ID, billing.DisputeAdjusted, "two units were veneers, repriced", &amount, adminActor)
	require.NoError(t, err)

	assert.Equal(t, billing.StatusGenerated, got.Status)
	assert.True(t, got.AdjustmentsTotal.Equal(d("-60.00")))
	assert.True(t, got.FinalTotal.Equal(d("300.00")), "got %s", got.FinalTotal)

	detail, err := svc.GetInvoiceDetail(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, detail.Adjustments, 1)
	adj := detail.Adjustments[0]
	assert.Equal(t, billing.AdjustmentCorrection, adj.Type)
	assert.Equal(t, "dispute:"+string(inv.ID), adj.SourceRef)
}

func TestResolveDispute_AdjustedRequiresAmount(t *testing.T) {
	svc := newTestService(t)
	inv := disputedInvoice(t, svc)

	_, err := svc.ResolveDispute(context.Background(), inv.ID, billing.DisputeAdjusted, "needs an amount", nil, adminActor)
	assert.ErrorIs(t, err, billing.ErrInvalidInput)
}

func TestResolveDispute_RequiresPrivilegedRole(t *testing.T) {
	svc := newTestService(t)
	inv := disputedInvoice(t, svc)

	_, err := svc.ResolveDispute(context.Background(), inv.ID, billing.DisputeRejected, "clinics cannot self-resolve", nil, clinicActor)
	assert.ErrorIs(t, err, billing.ErrForbidden)
}

func TestResolveDispute_EmptyNotesRejected(t *testing.T) {
	svc := newTestService(t)
	inv := disputedInvoice(t, svc)

	_, err := svc.ResolveDispute(context.Background(), inv.ID, billing.DisputeRejected, "   ", nil, adminActor)
	assert.ErrorIs(t, err, billing.ErrInvalidReason)
}

func TestResolveDispute_NonDisputedInvoiceRejected(t *testing.T) {
	svc := newTestService(t)
	inv := generateInvoice(t, svc)

	_, err := svc.ResolveDispute(context.Background(), inv.ID, billing.DisputeRejected, "nothing to resolve here", nil, adminActor)
	assert.ErrorIs(t, err, billing.ErrInvalidStatus)
}

func TestResolveDispute_UnknownActionRejected(t *testing.T) {
	svc := newTestService(t)
	inv := disputedInvoice(t, svc)

	var amt *decimal.Decimal
	_, err := svc.ResolveDispute(context.Background(), inv.ID, "escalated", "unknown action", amt, adminActor)
	assert.ErrorIs(t, err, billing.ErrInvalidInput)
}
