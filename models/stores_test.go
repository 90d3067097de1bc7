package models_test

import (
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/buildsync/models"
	"github.com/mmdatafocus/buildsync/testutil"
	"github.com/mmdatafocus/buildsync/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareAndSwapTokenOnlyOneRefreshCommits(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := models.NewCredentialStore(db)
	ctx := testutil.SystemContext()
	expires := time.Now().Add(-time.Minute).UTC()

	cred := &models.ProviderCredential{
		GcAccountId: "gc-1", Provider: models.ProviderQBO,
		AccessToken: "old-access", RefreshToken: "old-refresh", ExpiresAt: &expires, RealmId: "4620816365",
	}
	require.NoError(t, store.SaveConnected(ctx, cred))
	observed := cred.TokenVersion

	ok, err := store.CompareAndSwapToken(ctx, cred.ID, observed, models.RefreshedToken{
		AccessToken: "access-a", RefreshToken: "refresh-a", TokenType: "bearer", ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CompareAndSwapToken(ctx, cred.ID, observed, models.RefreshedToken{
		AccessToken: "access-b", TokenType: "bearer", ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, ok, "second refresh with a stale version must not commit")

	stored, err := store.Get(ctx, "gc-1", models.ProviderQBO)
	require.NoError(t, err)
	assert.Equal(t, "access-a", stored.AccessToken)
	assert.Equal(t, "refresh-a", stored.RefreshToken)
	assert.Equal(t, observed+1, stored.TokenVersion)
}

func TestRevokedCredentialRequiresReauthorization(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := models.NewCredentialStore(db)
	ctx := testutil.SystemContext()

	require.NoError(t, store.SaveConnected(ctx, &models.ProviderCredential{
		GcAccountId: "gc-1", Provider: models.ProviderStripe, AccessToken: "sk", RealmId: "acct_123",
	}))
	n, err := store.RevokeByRealm(ctx, models.ProviderStripe, "acct_123")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Get(ctx, "gc-1", models.ProviderStripe)
	assert.True(t, errors.Is(err, utils.ErrReauthorizationRequired))

	_, err = store.Get(ctx, "gc-unknown", models.ProviderQBO)
	assert.True(t, errors.Is(err, utils.ErrReauthorizationRequired))
}

func TestSaveConnectedReplacesAndBumpsVersion(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := models.NewCredentialStore(db)
	ctx := testutil.SystemContext()

	first := &models.ProviderCredential{GcAccountId: "gc-1", Provider: models.ProviderQBO, AccessToken: "a1", RealmId: "r1"}
	require.NoError(t, store.SaveConnected(ctx, first))
	_, err := store.Revoke(ctx, "gc-1", models.ProviderQBO)
	require.NoError(t, err)

	second := &models.ProviderCredential{GcAccountId: "gc-1", Provider: models.ProviderQBO, AccessToken: "a2", RealmId: "r2"}
	require.NoError(t, store.SaveConnected(ctx, second))

	stored, err := store.Get(ctx, "gc-1", models.ProviderQBO)
	require.NoError(t, err)
	assert.Equal(t, first.ID, stored.ID)
	assert.Equal(t, "a2", stored.AccessToken)
	assert.Equal(t, "r2", stored.RealmId)
	assert.Equal(t, models.CredentialStatusActive, stored.Status)
	assert.Greater(t, stored.TokenVersion, first.TokenVersion)
}

func TestApplyInvoicePaymentIsIdempotent(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	ctx := testutil.SystemContext()
	require.NoError(t, db.Create(&models.Invoice{
		ID: "inv-1", GcAccountId: "gc-1", ClientId: "cl-1", AmountCents: 150000, Status: models.InvoiceStatusPendingPayment,
	}).Error)

	store := models.NewPaymentStore(db)
	paidAt := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	ref := "pi_1"
	for i := 0; i < 2; i++ {
		outcome, err := store.ApplyInvoicePayment(ctx, &models.PaymentRecord{
			Provider: models.ProviderStripe, ProviderTransactionId: "pi_1", GcAccountId: "gc-1",
			InvoiceId: "inv-1", AmountCents: 150000, Currency: "usd", PaidAt: paidAt, ProviderEventId: "evt_1",
		}, &ref)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, models.PaymentApplied, outcome)
		} else {
			assert.Equal(t, models.PaymentDuplicate, outcome)
		}
	}

	n, err := store.CountForTransaction(ctx, models.ProviderStripe, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var inv models.Invoice
	require.NoError(t, db.First(&inv, "id = ?", "inv-1").Error)
	assert.Equal(t, models.InvoiceStatusPaid, inv.Status)
	require.NotNil(t, inv.PaymentReference)
	assert.Equal(t, "pi_1", *inv.PaymentReference)
	require.NotNil(t, inv.PaidAt)
	assert.True(t, paidAt.Equal(inv.PaidAt.UTC()))
}

func TestPaymentForCancelledInvoiceIsRecordedOnly(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	ctx := testutil.SystemContext()
	require.NoError(t, db.Create(&models.Invoice{
		ID: "inv-1", GcAccountId: "gc-1", ClientId: "cl-1", AmountCents: 150000, Status: models.InvoiceStatusCancelled,
	}).Error)

	store := models.NewPaymentStore(db)
	outcome, err := store.ApplyInvoicePayment(ctx, &models.PaymentRecord{
		Provider: models.ProviderStripe, ProviderTransactionId: "pi_1", GcAccountId: "gc-1",
		InvoiceId: "inv-1", AmountCents: 150000, Currency: "usd", PaidAt: time.Now(), ProviderEventId: "evt_1",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentRecordedOnly, outcome)

	n, err := store.CountForTransaction(ctx, models.ProviderStripe, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var inv models.Invoice
	require.NoError(t, db.First(&inv, "id = ?", "inv-1").Error)
	assert.Equal(t, models.InvoiceStatusCancelled, inv.Status)
	assert.Nil(t, inv.PaidAt)
}

func TestApplySubscriptionIgnoresOlderEvents(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := models.NewBillingStore(db)
	ctx := testutil.SystemContext()

	changed, err := store.ApplySubscription(ctx, &models.Subscription{
		GcAccountId: "gc-1", StripeSubscriptionId: "sub_1", Status: models.SubscriptionStatusActive, LastEventCreatedMs: 2000,
	})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.ApplySubscription(ctx, &models.Subscription{
		GcAccountId: "gc-1", StripeSubscriptionId: "sub_1", Status: models.SubscriptionStatusIncomplete, LastEventCreatedMs: 1000,
	})
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = store.ApplySubscription(ctx, &models.Subscription{
		GcAccountId: "gc-1", StripeSubscriptionId: "sub_1", Status: models.SubscriptionStatusCanceled, LastEventCreatedMs: 3000,
	})
	require.NoError(t, err)
	assert.True(t, changed)

	sub, err := store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCanceled, sub.Status)
}

func TestLocalEntityValidate(t *testing.T) {
	inv := &models.Invoice{ID: "inv-1", GcAccountId: "gc-1", ClientId: "cl-1", AmountCents: 100, Status: models.InvoiceStatusPendingPayment}
	assert.NoError(t, models.InvoiceEntity(inv).Validate())

	bad := *inv
	bad.AmountCents = -5
	err := models.InvoiceEntity(&bad).Validate()
	assert.True(t, errors.Is(err, utils.ErrValidation))
	assert.Contains(t, err.Error(), "AmountCents")

	mismatched := models.LocalEntity{Type: models.EntityTypeExpense, Invoice: inv}
	assert.True(t, errors.Is(mismatched.Validate(), utils.ErrValidation))

	invoiceId, clientId := "inv-1", "cl-1"
	pay := &models.Payment{ID: "pay-1", GcAccountId: "gc-1", InvoiceId: &invoiceId, ClientId: &clientId, AmountCents: 500, Status: models.PaymentStatusCompleted}
	e := models.PaymentEntity(pay)
	require.NoError(t, e.Validate())
	typ, id, ok := e.Counterpart()
	assert.True(t, ok)
	assert.Equal(t, models.EntityTypeClient, typ)
	assert.Equal(t, "cl-1", id)
	typ, id, ok = e.LinkedTransaction()
	assert.True(t, ok)
	assert.Equal(t, models.EntityTypeInvoice, typ)
	assert.Equal(t, "inv-1", id)

	pay.AmountCents = 0
	assert.True(t, errors.Is(models.PaymentEntity(pay).Validate(), utils.ErrValidation))
}
