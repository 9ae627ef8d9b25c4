package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dentalab/billing-engine/billing"
)

func TestLock_GeneratedToLocked(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := generateInvoice(t, svc)

	// WHEN: A lab admin locks the invoice
	locked, err := svc.Lock(ctx, inv.ID, adminActor)
	require.NoError(t, err)

	// THEN: Status moves and the lock timestamp is set
	assert.Equal(t, billing.StatusLocked, locked.Status)
	require.NotNil(t, locked.LockedAt)
	assert.Equal(t, testNow, *locked.LockedAt)

	detail, err := svc.GetInvoiceDetail(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, detail.AuditLog, 2)
	assert.Equal(t, billing.AuditLocked, detail.AuditLog[1].Action)
	assert.Equal(t, "generated", detail.AuditLog[1].Before["status"])
	assert.Equal(t, "locked", detail.AuditLog[1].After["status"])
}

func TestFinalize_LockedToFinalized(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := generateInvoice(t, svc)

	_, err := svc.Lock(ctx, inv.ID, adminActor)
	require.NoError(t, err)

	final, err := svc.Finalize(ctx, inv.ID, adminActor)
	require.NoError(t, err)

	assert.Equal(t, billing.StatusFinalized, final.Status)
	require.NotNil(t, final.FinalizedAt)
}

func TestLock_RequiresPrivilegedRole(t *testing.T) {
	svc := newTestService(t)
	inv := generateInvoice(t, svc)

	// GIVEN: A clinic user
	// WHEN: Attempting to lock
	// THEN: Forbidden, status unchanged
	_, err := svc.Lock(context.Background(), inv.ID, clinicActor)
	assert.ErrorIs(t, err, billing.ErrForbidden)

	detail, derr := svc.GetInvoiceDetail(context.Background(), inv.ID)
	require.NoError(t, derr)
	assert.Equal(t, billing.StatusGenerated, detail.Invoice.Status)
}

func TestFinalize_SkippingLockRejected(t *testing.T) {
	svc := newTestService(t)
	inv := generateInvoice(t, svc)

	// WHEN: Finalizing a generated invoice directly
	_, err := svc.Finalize(context.Background(), inv.ID, adminActor)

	// THEN: The transition is rejected with the attempted from/to pair
	assert.ErrorIs(t, err, billing.ErrInvalidTransition)

	var transitionErr *billing.InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, billing.StatusGenerated, transitionErr.From)
	assert.Equal(t, billing.StatusFinalized, transitionErr.To)
}

func TestLock_FinalizedInvoiceRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	inv := generateInvoice(t, svc)

	_, err := svc.Lock(ctx, inv.ID, adminActor)
	require.NoError(t, err)
	_, err = svc.Finalize(ctx, inv.ID, adminActor)
	require.NoError(t, err)

	_, err = svc.Lock(ctx, inv.ID, adminActor)
	assert.ErrorIs(t, err, billing.ErrInvalidTransition)
}

func TestLock_UnknownInvoice(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Lock(context.Background(), "missing", adminActor)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}
