package service

import (
	"context"
	"testing"
	"time"

	"coldfront/internal/models"
	"coldfront/internal/notifications"
	"coldfront/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeactivationService_Create(t *testing.T) {
	f := newFixture(t, julyNoon)
	svc := NewDeactivationService(f.deps())
	ctx := context.Background()
	user := testutil.CreateUser(t, f.db, "alice")

	_, err := svc.Create(ctx, CreateDeactivationRequest{UserID: user.ID, Reason: models.ReasonNoValidUserAccountFeeBillingID, Status: models.AccountRequestReady})
	assertAppError(t, err, models.CodeValidation)

	_, err = svc.Create(ctx, CreateDeactivationRequest{UserID: user.ID, Reason: "BORED"})
	assertAppError(t, err, models.CodeValidation)

	req, err := svc.Create(ctx, CreateDeactivationRequest{UserID: user.ID, Reason: models.ReasonNoValidUserAccountFeeBillingID})
	require.NoError(t, err)
	assert.Equal(t, models.AccountRequestQueued, req.Status)
	require.NotNil(t, req.Expiration)
	assert.True(t, req.Expiration.Equal(julyNoon.AddDate(0, 0, 14)))

	_, err = svc.Create(ctx, CreateDeactivationRequest{UserID: user.ID, Reason: models.ReasonNoValidUserAccountFeeBillingID})
	assertAppError(t, err, models.CodeValidation)

	// A different reason is a different request.
	_, err = svc.Create(ctx, CreateDeactivationRequest{UserID: user.ID, Reason: models.ReasonNoValidRechargeUsageFeeBillingID})
	require.NoError(t, err)
}

func TestDeactivationService_DequeueAndComplete(t *testing.T) {
	f := newFixture(t, julyNoon)
	ctx := context.Background()
	alice := testutil.CreateUser(t, f.db, "alice")
	bob := testutil.CreateUser(t, f.db, "bob")

	svc := NewDeactivationService(f.deps())
	fee, err := svc.Create(ctx, CreateDeactivationRequest{UserID: alice.ID, Reason: models.ReasonNoValidUserAccountFeeBillingID})
	require.NoError(t, err)
	usage, err := svc.Create(ctx, CreateDeactivationRequest{UserID: bob.ID, Reason: models.ReasonNoValidRechargeUsageFeeBillingID})
	require.NoError(t, err)

	ids, err := svc.Dequeue(ctx, DequeueAll)
	require.NoError(t, err)
	assert.Empty(t, ids)

	later := NewDeactivationService(f.depsAt(julyNoon.AddDate(0, 0, 15)))
	_, err = later.Dequeue(ctx, "SOMETIMES")
	assertAppError(t, err, models.CodeValidation)

	ids, err = later.Dequeue(ctx, string(models.ReasonNoValidUserAccountFeeBillingID))
	require.NoError(t, err)
	assert.Equal(t, []uint{fee.ID}, ids)
	assert.Len(t, f.events.ByType(notifications.EventAccountDeactivationReady), 1)

	ids, err = later.Dequeue(ctx, DequeueAll)
	require.NoError(t, err)
	assert.Equal(t, []uint{usage.ID}, ids)

	_, err = later.Update(ctx, fee.ID, models.AccountRequestProcessing, nil)
	require.NoError(t, err)
	got, err := later.Update(ctx, fee.ID, models.AccountRequestComplete, nil)
	require.NoError(t, err)
	assert.Equal(t, models.AccountRequestComplete, got.Status)

	var reloaded models.User
	require.NoError(t, f.db.First(&reloaded, alice.ID).Error)
	assert.True(t, reloaded.IsDeactivated)

	_, err = later.Update(ctx, fee.ID, models.AccountRequestQueued, nil)
	assertAppError(t, err, models.CodeValidation)
}

func TestDeactivationService_Cancel(t *testing.T) {
	f := newFixture(t, julyNoon)
	svc := NewDeactivationService(f.deps())
	ctx := context.Background()
	user := testutil.CreateUser(t, f.db, "alice")
	req, err := svc.Create(ctx, CreateDeactivationRequest{UserID: user.ID, Reason: models.ReasonNoValidUserAccountFeeBillingID})
	require.NoError(t, err)

	_, err = svc.Update(ctx, req.ID, models.AccountRequestCancelled, nil)
	assertAppError(t, err, models.CodeValidation)

	got, err := svc.Cancel(ctx, req.ID, "Billing ID was updated.")
	require.NoError(t, err)
	assert.Equal(t, models.AccountRequestCancelled, got.Status)
	assert.Equal(t, "Billing ID was updated.", got.State.Data().CancellationJustification)

	_, err = svc.Cancel(ctx, req.ID, "again")
	assertAppError(t, err, models.CodeValidation)

	// Cancelling frees the slot for a new request.
	_, err = svc.Create(ctx, CreateDeactivationRequest{UserID: user.ID, Reason: models.ReasonNoValidUserAccountFeeBillingID})
	require.NoError(t, err)
}

func TestExpiresAfter(t *testing.T) {
	now := time.Date(2026, time.March, 1, 8, 0, 0, 0, time.FixedZone("PST", -8*3600))
	got := expiresAfter(now, 7)
	assert.Equal(t, time.Date(2026, time.March, 8, 16, 0, 0, 0, time.UTC), *got)
}
