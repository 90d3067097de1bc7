package models_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/buildsync/models"
	"github.com/mmdatafocus/buildsync/testutil"
	"github.com/mmdatafocus/buildsync/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func strPtr(s string) *string { return &s }

func countReferences(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.ExternalReference{}).Count(&n).Error)
	return n
}

func TestUpsertTwiceKeepsOneRowAndLastExternalId(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := models.NewReferenceStore(db)
	ctx := testutil.SystemContext()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	in := models.UpsertInput{
		GcAccountId:     "gc-1",
		Provider:        models.ProviderQBO,
		EntityType:      models.EntityTypeInvoice,
		EntityId:        "inv-1",
		ExternalId:      "130",
		ExternalType:    "Invoice",
		Status:          models.SyncStatusSynced,
		SourceUpdatedAt: at,
	}
	_, err := store.Upsert(ctx, in)
	require.NoError(t, err)

	in.ExternalId = "131"
	ref, err := store.Upsert(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, int64(1), countReferences(t, db))
	assert.Equal(t, "131", ref.ExternalEntityId)
	assert.Equal(t, models.SyncStatusSynced, ref.SyncStatus)
}

func TestUpsertOlderWriteDoesNotRegressSynced(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := models.NewReferenceStore(db)
	ctx := testutil.SystemContext()
	newer := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
	older := newer.Add(-5 * time.Second)

	_, err := store.Upsert(ctx, models.UpsertInput{
		GcAccountId: "gc-1", Provider: models.ProviderStripe, EntityType: models.EntityTypeInvoice, EntityId: "inv-1",
		ExternalId: "pi_1", ExternalType: "payment_intent", Status: models.SyncStatusSynced, SourceUpdatedAt: newer,
	})
	require.NoError(t, err)

	ref, err := store.Upsert(ctx, models.UpsertInput{
		GcAccountId: "gc-1", Provider: models.ProviderStripe, EntityType: models.EntityTypeInvoice, EntityId: "inv-1",
		ExternalId: "pi_1", ExternalType: "payment_intent", Status: models.SyncStatusPending, SourceUpdatedAt: older,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrReconciliationConflict))
	require.NotNil(t, ref)
	assert.Equal(t, models.SyncStatusSynced, ref.SyncStatus)

	stored, err := store.Get(ctx, models.ProviderStripe, models.EntityTypeInvoice, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, stored.SyncStatus)
	assert.Equal(t, newer.UnixMilli(), stored.SourceUpdatedAtMs)
}

func TestUpsertEmptyExternalIdKeepsStoredId(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := models.NewReferenceStore(db)
	ctx := testutil.SystemContext()
	at := time.Now().UTC()

	_, err := store.Upsert(ctx, models.UpsertInput{
		GcAccountId: "gc-1", Provider: models.ProviderQBO, EntityType: models.EntityTypeClient, EntityId: "cl-1",
		ExternalId: "CUST-9", ExternalType: "Customer", Status: models.SyncStatusSynced, SourceUpdatedAt: at,
	})
	require.NoError(t, err)

	ref, err := store.Upsert(ctx, models.UpsertInput{
		GcAccountId: "gc-1", Provider: models.ProviderQBO, EntityType: models.EntityTypeClient, EntityId: "cl-1",
		Status: models.SyncStatusError, ErrorMessage: strPtr("Duplicate Name Exists Error"), SourceUpdatedAt: at.Add(time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, "CUST-9", ref.ExternalEntityId)
	assert.Equal(t, models.SyncStatusError, ref.SyncStatus)
	require.NotNil(t, ref.ErrorMessage)
	assert.Equal(t, "Duplicate Name Exists Error", *ref.ErrorMessage)
}

func TestUpsertRejectsUnknownProvider(t *testing.T) {
	store := models.NewReferenceStore(testutil.NewSQLiteDB(t))
	_, err := store.Upsert(testutil.SystemContext(), models.UpsertInput{
		Provider: "xero", EntityType: models.EntityTypeInvoice, EntityId: "inv-1", Status: models.SyncStatusSynced,
	})
	assert.True(t, errors.Is(err, utils.ErrValidation))
}

func TestClaimLifecycle(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := models.NewReferenceStore(db).WithClock(func() time.Time { return now })
	ctx := testutil.SystemContext()
	src := now.Add(-time.Hour)
	claim := models.ClaimInput{
		GcAccountId: "gc-1", Provider: models.ProviderQBO, EntityType: models.EntityTypeInvoice, EntityId: "inv-1",
		SourceUpdatedAt: src, StaleAfter: time.Minute,
	}

	first, err := store.Claim(ctx, claim)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, first.SyncStatus)
	assert.Equal(t, int64(1), first.ClaimVersion)

	_, err = store.Claim(ctx, claim)
	assert.True(t, errors.Is(err, utils.ErrAlreadyInProgress), "fresh pending claim must block: %v", err)

	// After the staleness window the claim can be taken over.
	now = now.Add(2 * time.Minute)
	second, err := store.Claim(ctx, claim)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.ClaimVersion)

	_, err = store.Upsert(ctx, models.UpsertInput{
		GcAccountId: "gc-1", Provider: models.ProviderQBO, EntityType: models.EntityTypeInvoice, EntityId: "inv-1",
		ExternalId: "145", ExternalType: "Invoice", Status: models.SyncStatusSynced, SourceUpdatedAt: src,
	})
	require.NoError(t, err)

	// A synced row is claimable at once and keeps its external id.
	third, err := store.Claim(ctx, claim)
	require.NoError(t, err)
	assert.Equal(t, "145", third.ExternalEntityId)
	assert.Equal(t, models.SyncStatusPending, third.SyncStatus)
}

func TestClaimWithOlderSnapshotIsConflict(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := models.NewReferenceStore(db)
	ctx := testutil.SystemContext()
	at := time.Now().UTC()

	_, err := store.Upsert(ctx, models.UpsertInput{
		GcAccountId: "gc-1", Provider: models.ProviderQBO, EntityType: models.EntityTypeVendor, EntityId: "v-1",
		ExternalId: "56", ExternalType: "Vendor", Status: models.SyncStatusSynced, SourceUpdatedAt: at,
	})
	require.NoError(t, err)

	ref, err := store.Claim(ctx, models.ClaimInput{
		GcAccountId: "gc-1", Provider: models.ProviderQBO, EntityType: models.EntityTypeVendor, EntityId: "v-1",
		SourceUpdatedAt: at.Add(-time.Minute),
	})
	assert.True(t, errors.Is(err, utils.ErrReconciliationConflict))
	assert.Equal(t, models.SyncStatusSynced, ref.SyncStatus)
}

func TestConcurrentClaimsOnlyOneWins(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := models.NewReferenceStore(db)
	ctx := testutil.SystemContext()
	claim := models.ClaimInput{
		GcAccountId: "gc-1", Provider: models.ProviderStripe, EntityType: models.EntityTypeClient, EntityId: "cl-1",
		SourceUpdatedAt: time.Now().UTC(), StaleAfter: time.Minute,
	}

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		inFlight int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Claim(ctx, claim)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, utils.ErrAlreadyInProgress):
				inFlight++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, inFlight)
	assert.Equal(t, int64(1), countReferences(t, db))
}

func TestListPendingReturnsOnlyStaleClaims(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := models.NewReferenceStore(db).WithClock(func() time.Time { return now })
	ctx := testutil.SystemContext()

	for _, id := range []string{"inv-old", "inv-new"} {
		_, err := store.Claim(ctx, models.ClaimInput{
			GcAccountId: "gc-1", Provider: models.ProviderQBO, EntityType: models.EntityTypeInvoice, EntityId: id,
			SourceUpdatedAt: now,
		})
		require.NoError(t, err)
		now = now.Add(10 * time.Minute)
	}

	pending, err := store.ListPending(ctx, models.ProviderQBO, 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "inv-old", pending[0].LocalEntityId)

	none, err := store.ListPending(ctx, models.ProviderStripe, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteFindByExternalAndCounts(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := models.NewReferenceStore(db)
	ctx := testutil.SystemContext()
	at := time.Now().UTC()

	for i, id := range []string{"inv-1", "inv-2"} {
		status := models.SyncStatusSynced
		if i == 1 {
			status = models.SyncStatusError
		}
		_, err := store.Upsert(ctx, models.UpsertInput{
			GcAccountId: "gc-1", Provider: models.ProviderQBO, EntityType: models.EntityTypeInvoice, EntityId: id,
			ExternalId: "ext-" + id, ExternalType: "Invoice", Status: status, SourceUpdatedAt: at,
		})
		require.NoError(t, err)
	}

	found, err := store.FindByExternal(ctx, models.ProviderQBO, "Invoice", "ext-inv-2")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "inv-2", found.LocalEntityId)

	counts, err := store.CountByStatus(ctx, "gc-1", models.ProviderQBO)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.SyncStatusSynced])
	assert.Equal(t, int64(1), counts[models.SyncStatusError])

	deleted, err := store.Delete(ctx, models.ProviderQBO, models.EntityTypeInvoice, "inv-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	ref, err := store.Get(ctx, models.ProviderQBO, models.EntityTypeInvoice, "inv-1")
	require.NoError(t, err)
	assert.Nil(t, ref)

	deleted, err = store.Delete(ctx, models.ProviderQBO, models.EntityTypeInvoice, "inv-1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestTenantContextHidesOtherTenantsReferences(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := models.NewReferenceStore(db)

	_, err := store.Upsert(testutil.SystemContext(), models.UpsertInput{
		GcAccountId: "gc-2", Provider: models.ProviderQBO, EntityType: models.EntityTypeInvoice, EntityId: "inv-9",
		ExternalId: "77", ExternalType: "Invoice", Status: models.SyncStatusSynced, SourceUpdatedAt: time.Now(),
	})
	require.NoError(t, err)

	refs, err := store.ListForEntity(testutil.TenantContext("gc-1"), models.EntityTypeInvoice, "inv-9")
	require.NoError(t, err)
	assert.Empty(t, refs)

	refs, err = store.ListForEntity(testutil.TenantContext("gc-2"), models.EntityTypeInvoice, "inv-9")
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestMarkExternalRemovedDetachesWithoutMovingTheClock(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := models.NewReferenceStore(db)
	ctx := testutil.TenantContext("gc-1")
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	ref, err := store.Upsert(ctx, models.UpsertInput{
		GcAccountId: "gc-1", Provider: models.ProviderQBO, EntityType: models.EntityTypeInvoice, EntityId: "inv-1",
		ExternalId: "130", ExternalType: "Invoice", Status: models.SyncStatusSynced, SourceUpdatedAt: at,
	})
	require.NoError(t, err)

	changed, err := store.MarkExternalRemoved(ctx, ref, "999", "Invoice 999 was deleted in QuickBooks")
	require.NoError(t, err)
	assert.False(t, changed, "a stale external id leaves the row alone")

	changed, err = store.MarkExternalRemoved(ctx, ref, "130", "Invoice 130 was deleted in QuickBooks")
	require.NoError(t, err)
	require.True(t, changed)

	stored, err := store.Get(ctx, models.ProviderQBO, models.EntityTypeInvoice, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, stored.SyncStatus)
	assert.Empty(t, stored.ExternalEntityId)
	assert.Equal(t, "Invoice", stored.ExternalEntityType)
	assert.Equal(t, at.UnixMilli(), stored.SourceUpdatedAtMs)
	assert.Equal(t, int64(1), stored.DetachCount)

	found, err := store.FindByExternal(ctx, models.ProviderQBO, "Invoice", "130")
	require.NoError(t, err)
	assert.Nil(t, found)

	_, err = store.Claim(ctx, models.ClaimInput{
		GcAccountId: "gc-1", Provider: models.ProviderQBO, EntityType: models.EntityTypeInvoice, EntityId: "inv-1",
		SourceUpdatedAt: at, StaleAfter: time.Minute,
	})
	require.NoError(t, err)
}

func TestMarkExternalRemovedKeepsARunningClaimPending(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	store := models.NewReferenceStore(db)
	ctx := testutil.TenantContext("gc-1")
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := store.Upsert(ctx, models.UpsertInput{
		GcAccountId: "gc-1", Provider: models.ProviderQBO, EntityType: models.EntityTypeClient, EntityId: "client-1",
		ExternalId: "58", ExternalType: "Customer", Status: models.SyncStatusSynced, SourceUpdatedAt: at,
	})
	require.NoError(t, err)
	claimed, err := store.Claim(ctx, models.ClaimInput{
		GcAccountId: "gc-1", Provider: models.ProviderQBO, EntityType: models.EntityTypeClient, EntityId: "client-1",
		SourceUpdatedAt: at.Add(time.Second), StaleAfter: time.Minute,
	})
	require.NoError(t, err)

	changed, err := store.MarkExternalRemoved(ctx, claimed, "58", "Customer 58 was deleted in QuickBooks")
	require.NoError(t, err)
	require.True(t, changed)

	stored, err := store.Get(ctx, models.ProviderQBO, models.EntityTypeClient, "client-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, stored.SyncStatus)
	assert.Empty(t, stored.ExternalEntityId)
}
