package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/buildsync/mapper"
	"github.com/mmdatafocus/buildsync/models"
	"github.com/mmdatafocus/buildsync/testutil"
	"github.com/mmdatafocus/buildsync/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"
	"gorm.io/gorm"
)

const (
	stripeSecret  = "whsec_test_platform"
	connectSecret = "whsec_test_connect"
	qboVerifier   = "verifier-token"
)

type fakeFetcher struct {
	payment *mapper.QBOPayment
	err     error
	calls   int
}

func (f *fakeFetcher) FetchQBOEntity(_ context.Context, _ *models.ProviderCredential, externalType string, id string, dest any) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if externalType != "Payment" || f.payment == nil || f.payment.Id != id {
		return utils.Errorf(utils.KindNotFound, "fake", "%s %s not found", externalType, id)
	}
	*dest.(*mapper.QBOPayment) = *f.payment
	return nil
}

type fixture struct {
	db      *gorm.DB
	fetcher *fakeFetcher
	in      *Ingestor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	fetcher := &fakeFetcher{}
	in := NewIngestor(IngestorDeps{
		Events:        models.NewWebhookEventStore(db),
		Payments:      models.NewPaymentStore(db),
		Billing:       models.NewBillingStore(db),
		References:    models.NewReferenceStore(db),
		Logs:          models.NewSyncLogStore(db),
		Credentials:   models.NewCredentialStore(db),
		QBO:           fetcher,
		StripeSecrets: []string{stripeSecret, connectSecret},
		QBOVerifier:   qboVerifier,
	})
	require.NoError(t, db.Create(&models.Invoice{
		ID: "inv-1", GcAccountId: "gc-1", ClientId: "client-1", AmountCents: 150000,
		Currency: "usd", Status: models.InvoiceStatusPendingPayment, IssueDate: time.Now(),
	}).Error)
	return &fixture{db: db, fetcher: fetcher, in: in}
}

func (f *fixture) invoiceStatus(t *testing.T) models.InvoiceStatus {
	t.Helper()
	var inv models.Invoice
	require.NoError(t, f.db.Where("id = ?", "inv-1").First(&inv).Error)
	return inv.Status
}

func (f *fixture) paymentRecords(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.PaymentRecord{}).Count(&n).Error)
	return n
}

func stripeEvent(t *testing.T, id, eventType string, created time.Time, object any, extra map[string]any) []byte {
	t.Helper()
	evt := map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created.Unix(),
		"api_version": "2024-06-20",
		"data":        map[string]any{"object": object},
	}
	for k, v := range extra {
		evt[k] = v
	}
	b, err := json.Marshal(evt)
	require.NoError(t, err)
	return b
}

func sign(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: secret})
	return signed.Header
}

func succeededIntent() map[string]any {
	return map[string]any{
		"id":              "pi_1",
		"object":          "payment_intent",
		"amount":          150000,
		"amount_received": 150000,
		"currency":        "usd",
		"status":          "succeeded",
		"created":         time.Now().Unix(),
		"metadata": map[string]string{
			mapper.MetaGcAccountID: "gc-1",
			mapper.MetaEntityType:  "invoice",
			mapper.MetaEntityID:    "inv-1",
		},
	}
}

func TestDuplicatePaymentIntentAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := stripeEvent(t, "evt_1", "payment_intent.succeeded", time.Now(), succeededIntent(), nil)

	status, err := f.in.Handle(ctx, models.ProviderStripe, payload, sign(payload, stripeSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.InvoiceStatusPaid, f.invoiceStatus(t))

	status, err = f.in.Handle(ctx, models.ProviderStripe, payload, sign(payload, stripeSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	// Same payment under a new event id is still a single payment.
	again := stripeEvent(t, "evt_2", "payment_intent.succeeded", time.Now(), succeededIntent(), nil)
	status, err = f.in.Handle(ctx, models.ProviderStripe, again, sign(again, connectSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	assert.Equal(t, int64(1), f.paymentRecords(t))
	assert.Equal(t, models.InvoiceStatusPaid, f.invoiceStatus(t))

	evt, err := models.NewWebhookEventStore(f.db).Get(testutil.SystemContext(), models.ProviderStripe, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStateApplied, evt.State)
	assert.Equal(t, "gc-1", evt.GcAccountId)
	assert.NotNil(t, evt.ProcessedAt)
}

func TestFailedPaymentIsLoggedWithoutTouchingInvoice(t *testing.T) {
	f := newFixture(t)
	ref, err := models.NewReferenceStore(f.db).Upsert(testutil.SystemContext(), models.UpsertInput{
		GcAccountId: "gc-1", Provider: models.ProviderStripe, EntityType: models.EntityTypeInvoice, EntityId: "inv-1",
		ExternalId: "in_1", ExternalType: "invoice", Status: models.SyncStatusSynced, SourceUpdatedAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	intent := succeededIntent()
	intent["status"] = "requires_payment_method"
	intent["amount_received"] = 0
	intent["last_payment_error"] = map[string]any{"message": "Your card was declined.", "type": "card_error"}
	payload := stripeEvent(t, "evt_failed", "payment_intent.payment_failed", time.Now(), intent, nil)

	status, err := f.in.Handle(context.Background(), models.ProviderStripe, payload, sign(payload, stripeSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.InvoiceStatusPendingPayment, f.invoiceStatus(t))
	assert.Zero(t, f.paymentRecords(t))

	entries, err := models.NewSyncLogStore(f.db).ListForReference(testutil.SystemContext(), ref.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.SyncActionWebhook, entries[0].Action)
	require.NotNil(t, entries[0].Error)
	assert.Equal(t, "payment pi_1 failed: Your card was declined.", *entries[0].Error)

	evt, err := models.NewWebhookEventStore(f.db).Get(testutil.SystemContext(), models.ProviderStripe, "evt_failed")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStateApplied, evt.State)
}

func TestPaymentForCancelledInvoiceKeepsItCancelled(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Model(&models.Invoice{}).Where("id = ?", "inv-1").
		Update("status", models.InvoiceStatusCancelled).Error)
	ref, err := models.NewReferenceStore(f.db).Upsert(testutil.SystemContext(), models.UpsertInput{
		GcAccountId: "gc-1", Provider: models.ProviderStripe, EntityType: models.EntityTypeInvoice, EntityId: "inv-1",
		ExternalId: "in_1", ExternalType: "invoice", Status: models.SyncStatusSynced, SourceUpdatedAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	payload := stripeEvent(t, "evt_1", "payment_intent.succeeded", time.Now(), succeededIntent(), nil)
	status, err := f.in.Handle(context.Background(), models.ProviderStripe, payload, sign(payload, stripeSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	assert.Equal(t, models.InvoiceStatusCancelled, f.invoiceStatus(t))
	assert.Equal(t, int64(1), f.paymentRecords(t))
	entries, err := models.NewSyncLogStore(f.db).ListForReference(testutil.SystemContext(), ref.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Error)
	assert.Contains(t, *entries[0].Error, "not awaiting payment")
}

func TestStripeBadSignatureIsRejected(t *testing.T) {
	f := newFixture(t)
	payload := stripeEvent(t, "evt_1", "payment_intent.succeeded", time.Now(), succeededIntent(), nil)

	status, err := f.in.Handle(context.Background(), models.ProviderStripe, payload, sign(payload, "whsec_wrong"))
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, models.InvoiceStatusPendingPayment, f.invoiceStatus(t))
	assert.Zero(t, f.paymentRecords(t))

	var events []models.WebhookEvent
	require.NoError(t, f.db.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, models.WebhookStateRejected, events[0].State)
	assert.True(t, strings.HasPrefix(events[0].ProviderEventId, "rejected:"))

	status, _ = f.in.Handle(context.Background(), models.ProviderStripe, payload, "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPaymentWithoutTenantIsIgnored(t *testing.T) {
	f := newFixture(t)
	pi := succeededIntent()
	pi["metadata"] = map[string]string{mapper.MetaEntityType: "invoice", mapper.MetaEntityID: "inv-1"}
	payload := stripeEvent(t, "evt_1", "payment_intent.succeeded", time.Now(), pi, nil)

	status, err := f.in.Handle(context.Background(), models.ProviderStripe, payload, sign(payload, stripeSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.InvoiceStatusPendingPayment, f.invoiceStatus(t))
	assert.Zero(t, f.paymentRecords(t))
}

func TestPaymentCannotTouchAnotherTenantsInvoice(t *testing.T) {
	f := newFixture(t)
	pi := succeededIntent()
	pi["metadata"] = map[string]string{
		mapper.MetaGcAccountID: "gc-2",
		mapper.MetaEntityType:  "invoice",
		mapper.MetaEntityID:    "inv-1",
	}
	payload := stripeEvent(t, "evt_1", "payment_intent.succeeded", time.Now(), pi, nil)

	status, err := f.in.Handle(context.Background(), models.ProviderStripe, payload, sign(payload, stripeSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.InvoiceStatusPendingPayment, f.invoiceStatus(t))
}

func TestCheckoutSessionMarksInvoicePaid(t *testing.T) {
	f := newFixture(t)
	session := map[string]any{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"mode":                "payment",
		"payment_status":      "paid",
		"amount_total":        150000,
		"currency":            "usd",
		"created":             time.Now().Unix(),
		"client_reference_id": "inv-1",
		"payment_intent":      "pi_9",
		"metadata":            map[string]string{mapper.MetaGcAccountID: "gc-1"},
	}
	payload := stripeEvent(t, "evt_cs", "checkout.session.completed", time.Now(), session, nil)

	status, err := f.in.Handle(context.Background(), models.ProviderStripe, payload, sign(payload, stripeSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.InvoiceStatusPaid, f.invoiceStatus(t))

	n, err := models.NewPaymentStore(f.db).CountForTransaction(testutil.SystemContext(), models.ProviderStripe, "pi_9")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSubscriptionEventsApplyInOrder(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	sub := func(status string) map[string]any {
		return map[string]any{
			"id":                   "sub_1",
			"object":               "subscription",
			"status":               status,
			"customer":             "cus_1",
			"cancel_at_period_end": false,
			"current_period_end":   now.Add(30 * 24 * time.Hour).Unix(),
			"metadata":             map[string]string{mapper.MetaGcAccountID: "gc-1"},
		}
	}

	newer := stripeEvent(t, "evt_new", "customer.subscription.updated", now, sub("past_due"), nil)
	status, err := f.in.Handle(context.Background(), models.ProviderStripe, newer, sign(newer, stripeSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	older := stripeEvent(t, "evt_old", "customer.subscription.updated", now.Add(-time.Minute), sub("active"), nil)
	status, err = f.in.Handle(context.Background(), models.ProviderStripe, older, sign(older, stripeSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	stored, err := models.NewBillingStore(f.db).GetSubscription(testutil.SystemContext(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusPastDue, stored.Status)
	assert.Equal(t, "cus_1", stored.StripeCustomerId)
}

func TestAccountUpdatedAppliesInOrder(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	account := func(charges bool) map[string]any {
		return map[string]any{
			"id":                "acct_1",
			"object":            "account",
			"charges_enabled":   charges,
			"payouts_enabled":   charges,
			"details_submitted": true,
			"metadata":          map[string]string{mapper.MetaGcAccountID: "gc-1"},
		}
	}

	newer := stripeEvent(t, "evt_acct_new", "account.updated", now, account(true), map[string]any{"account": "acct_1"})
	status, err := f.in.Handle(context.Background(), models.ProviderStripe, newer, sign(newer, connectSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	older := stripeEvent(t, "evt_acct_old", "account.updated", now.Add(-time.Minute), account(false), map[string]any{"account": "acct_1"})
	status, err = f.in.Handle(context.Background(), models.ProviderStripe, older, sign(older, connectSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	acct, err := models.NewBillingStore(f.db).GetConnectAccount(testutil.SystemContext(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "gc-1", acct.GcAccountId)
	assert.True(t, acct.ChargesEnabled)
	assert.True(t, acct.PayoutsEnabled)
	assert.True(t, acct.Enabled())
	assert.Equal(t, now.Unix()*1000, acct.LastEventCreatedMs)
}

func TestDeauthorizationRevokesConnectAccount(t *testing.T) {
	f := newFixture(t)
	ctx := testutil.SystemContext()
	_, err := models.NewBillingStore(f.db).ApplyConnectAccount(ctx, &models.StripeConnectAccount{
		GcAccountId: "gc-1", StripeAccountId: "acct_1", ChargesEnabled: true, DetailsSubmitted: true,
		LastEventCreatedMs: time.Now().Add(-time.Hour).UnixMilli(),
	})
	require.NoError(t, err)
	require.NoError(t, models.NewCredentialStore(f.db).SaveConnected(ctx, &models.ProviderCredential{
		GcAccountId: "gc-1", Provider: models.ProviderStripe, RealmId: "acct_1",
	}))

	payload := stripeEvent(t, "evt_deauth", "account.application.deauthorized", time.Now(),
		map[string]any{"id": "ca_1", "object": "application"}, map[string]any{"account": "acct_1"})
	status, err := f.in.Handle(context.Background(), models.ProviderStripe, payload, sign(payload, connectSecret))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	acct, err := models.NewBillingStore(f.db).GetConnectAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.True(t, acct.Deauthorized)
	assert.False(t, acct.Enabled())

	cred, err := models.NewCredentialStore(f.db).Find(ctx, "gc-1", models.ProviderStripe)
	require.NoError(t, err)
	assert.Equal(t, models.CredentialStatusRevoked, cred.Status)
}

func qboNotificationBody(t *testing.T, realm, name, id, op string) []byte {
	t.Helper()
	body := map[string]any{
		"eventNotifications": []any{map[string]any{
			"realmId": realm,
			"dataChangeEvent": map[string]any{"entities": []any{map[string]any{
				"name": name, "id": id, "operation": op, "lastUpdated": time.Now().UTC().Format(time.RFC3339),
			}}},
		}},
	}
	b, err := json.Marshal(body)
	require.NoError(t, err)
	return b
}

// seedQBO connects gc-1 to QuickBooks and links inv-1 to Invoice 130; it
// returns the snapshot time the reference was written with.
func (f *fixture) seedQBO(t *testing.T) time.Time {
	t.Helper()
	ctx := testutil.SystemContext()
	synced := time.Now().Add(-time.Hour)
	require.NoError(t, models.NewCredentialStore(f.db).SaveConnected(ctx, &models.ProviderCredential{
		GcAccountId: "gc-1", Provider: models.ProviderQBO, RealmId: "4620816365", AccessToken: "a1",
	}))
	_, err := models.NewReferenceStore(f.db).Upsert(ctx, models.UpsertInput{
		GcAccountId: "gc-1", Provider: models.ProviderQBO, EntityType: models.EntityTypeInvoice, EntityId: "inv-1",
		ExternalId: "130", ExternalType: "Invoice", Status: models.SyncStatusSynced, SourceUpdatedAt: synced,
	})
	require.NoError(t, err)
	return synced
}

func TestQBOPaymentMarksInvoicePaid(t *testing.T) {
	f := newFixture(t)
	f.seedQBO(t)
	f.fetcher.payment = &mapper.QBOPayment{
		Id: "77", TotalAmt: "1500.00", TxnDate: "2026-03-15", PaymentRefNum: "CHK-1001",
		Line: []mapper.QBOLine{{Amount: "1500.00", LinkedTxn: []mapper.LinkedTxn{{TxnId: "130", TxnType: "Invoice"}}}},
	}
	body := qboNotificationBody(t, "4620816365", "Payment", "77", "Create")

	status, err := f.in.Handle(context.Background(), models.ProviderQBO, body, QBOSignature(qboVerifier, body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.InvoiceStatusPaid, f.invoiceStatus(t))

	var inv models.Invoice
	require.NoError(t, f.db.Where("id = ?", "inv-1").First(&inv).Error)
	require.NotNil(t, inv.PaymentReference)
	assert.Equal(t, "CHK-1001", *inv.PaymentReference)

	var rec models.PaymentRecord
	require.NoError(t, f.db.First(&rec).Error)
	assert.Equal(t, int64(150000), rec.AmountCents)
	assert.Equal(t, "77:130", rec.ProviderTransactionId)
}

func TestQBOBadSignatureIsRejected(t *testing.T) {
	f := newFixture(t)
	f.seedQBO(t)
	body := qboNotificationBody(t, "4620816365", "Payment", "77", "Create")

	status, err := f.in.Handle(context.Background(), models.ProviderQBO, body, QBOSignature("other-token", body))
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Zero(t, f.fetcher.calls)
}

func TestQBODeleteDetachesReference(t *testing.T) {
	f := newFixture(t)
	synced := f.seedQBO(t)
	body := qboNotificationBody(t, "4620816365", "Invoice", "130", "Delete")

	status, err := f.in.Handle(context.Background(), models.ProviderQBO, body, QBOSignature(qboVerifier, body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	refs := models.NewReferenceStore(f.db)
	ctx := testutil.TenantContext("gc-1")
	ref, err := refs.Get(ctx, models.ProviderQBO, models.EntityTypeInvoice, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, ref.SyncStatus)
	require.NotNil(t, ref.ErrorMessage)
	assert.Equal(t, "Invoice 130 was deleted in QuickBooks", *ref.ErrorMessage)
	assert.Empty(t, ref.ExternalEntityId)
	assert.Equal(t, synced.UnixMilli(), ref.SourceUpdatedAtMs, "the provider clock must not outrank the local record")

	// The unchanged local invoice can be claimed again.
	claimed, err := refs.Claim(ctx, models.ClaimInput{
		GcAccountId: "gc-1", Provider: models.ProviderQBO, EntityType: models.EntityTypeInvoice, EntityId: "inv-1",
		SourceUpdatedAt: synced, StaleAfter: time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, claimed.SyncStatus)

	// A redelivery finds nothing left to detach.
	status, err = f.in.Handle(context.Background(), models.ProviderQBO, body, QBOSignature(qboVerifier, body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
}

func TestQBOInfrastructureFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	f.seedQBO(t)
	f.fetcher.err = fmt.Errorf("dial tcp: connection refused")
	body := qboNotificationBody(t, "4620816365", "Payment", "77", "Update")
	sig := QBOSignature(qboVerifier, body)

	status, err := f.in.Handle(context.Background(), models.ProviderQBO, body, sig)
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, models.InvoiceStatusPendingPayment, f.invoiceStatus(t))

	f.fetcher.err = nil
	f.fetcher.payment = &mapper.QBOPayment{
		Id: "77", TotalAmt: "1500.00",
		Line: []mapper.QBOLine{{Amount: "1500.00", LinkedTxn: []mapper.LinkedTxn{{TxnId: "130", TxnType: "Invoice"}}}},
	}
	status, err = f.in.Handle(context.Background(), models.ProviderQBO, body, sig)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.InvoiceStatusPaid, f.invoiceStatus(t))
}
