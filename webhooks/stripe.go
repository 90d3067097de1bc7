package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mmdatafocus/buildsync/config"
	"github.com/mmdatafocus/buildsync/mapper"
	"github.com/mmdatafocus/buildsync/models"
	"github.com/mmdatafocus/buildsync/utils"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
	"gorm.io/gorm"
)

// verifyStripe accepts a payload signed by any configured secret (platform or Connect).
func (in *Ingestor) verifyStripe(payload []byte, signature string) (stripe.Event, error) {
	if len(in.stripeSecrets) == 0 {
		return stripe.Event{}, errors.New("no stripe webhook secret configured")
	}
	var lastErr error
	for _, secret := range in.stripeSecrets {
		evt, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
			IgnoreAPIVersionMismatch: true,
		})
		if err == nil {
			return evt, nil
		}
		lastErr = err
	}
	return stripe.Event{}, fmt.Errorf("invalid stripe signature: %w", lastErr)
}

func (in *Ingestor) handleStripe(ctx context.Context, payload []byte, signature string) (int, error) {
	evt, err := in.verifyStripe(payload, signature)
	if err != nil {
		return in.reject(ctx, models.ProviderStripe, payload, err)
	}

	created := time.Unix(evt.Created, 0).UTC()
	stored, done, err := in.begin(ctx, &models.WebhookEvent{
		Provider:        models.ProviderStripe,
		ProviderEventId: evt.ID,
		EventType:       string(evt.Type),
		Payload:         models.JSONSnapshot(payload),
		EventCreatedAt:  &created,
	})
	if err != nil {
		config.LogError(in.logger, "stripe.go", "handleStripe", "recording webhook", evt.ID, err)
		return http.StatusInternalServerError, err
	}
	if done {
		return http.StatusOK, nil
	}

	gcAccountId, err := in.dispatchStripe(ctx, evt)
	return in.finish(ctx, stored, gcAccountId, err)
}

func (in *Ingestor) dispatchStripe(ctx context.Context, evt stripe.Event) (string, error) {
	if evt.Data == nil {
		return "", utils.Errorf(utils.KindValidation, "dispatchStripe", "event %s has no data", evt.ID)
	}
	switch evt.Type {
	case "checkout.session.completed":
		var s stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &s); err != nil {
			return "", utils.NewSyncError(utils.KindValidation, "dispatchStripe", err)
		}
		if s.Mode == stripe.CheckoutSessionModeSubscription {
			return in.applyCheckoutSubscription(ctx, evt, &s)
		}
		return in.applyPayment(ctx, evt, mapper.FromStripeCheckoutSession(&s), "checkout_session")

	case "payment_intent.succeeded", "payment_intent.processing", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return "", utils.NewSyncError(utils.KindValidation, "dispatchStripe", err)
		}
		u := mapper.FromStripePaymentIntent(&pi)
		if evt.Type == "payment_intent.payment_failed" {
			u.NewStatus = models.PaymentStatusFailed
		}
		if evt.Type == "payment_intent.payment_failed" && pi.LastPaymentError != nil {
			return in.applyPaymentWithNote(ctx, evt, u, "payment_intent", pi.LastPaymentError.Msg)
		}
		return in.applyPayment(ctx, evt, u, "payment_intent")

	case "invoice.paid":
		var inv stripe.Invoice
		if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
			return "", utils.NewSyncError(utils.KindValidation, "dispatchStripe", err)
		}
		return in.applyPayment(ctx, evt, mapper.FromStripeInvoice(&inv), "invoice")

	case "account.updated":
		var acct stripe.Account
		if err := json.Unmarshal(evt.Data.Raw, &acct); err != nil {
			return "", utils.NewSyncError(utils.KindValidation, "dispatchStripe", err)
		}
		return in.applyAccount(ctx, evt, &acct)

	case "account.application.deauthorized":
		return in.applyDeauthorized(ctx, evt)

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			return "", utils.NewSyncError(utils.KindValidation, "dispatchStripe", err)
		}
		return in.applySubscription(ctx, evt, &sub)
	}
	return "", errIgnored
}

func (in *Ingestor) applyPayment(ctx context.Context, evt stripe.Event, u *mapper.PaymentStatusUpdate, source string) (string, error) {
	return in.applyPaymentWithNote(ctx, evt, u, source, "")
}

// applyPaymentWithNote records a settled payment and marks its invoice paid.
// Pending and failed payments only leave a log entry on the invoice's reference.
func (in *Ingestor) applyPaymentWithNote(ctx context.Context, evt stripe.Event, u *mapper.PaymentStatusUpdate, source string, note string) (string, error) {
	logger := in.logger.WithFields(logrus.Fields{
		"event_id":       evt.ID,
		"source":         source,
		"transaction_id": u.ProviderTransactionID,
	})
	if u.TenantID == "" {
		logger.Warn("payment event without gc_account_id metadata")
		return "", errIgnored
	}
	if !u.Resolved() || u.LocalEntityType != models.EntityTypeInvoice {
		logger.WithField("gc_account_id", u.TenantID).Info("payment event names no local invoice")
		return u.TenantID, errIgnored
	}
	tctx := tenantContext(ctx, u.TenantID)

	if u.NewStatus != models.PaymentStatusCompleted {
		var cause error
		if u.NewStatus == models.PaymentStatusFailed {
			cause = fmt.Errorf("payment %s failed", u.ProviderTransactionID)
			if note != "" {
				cause = fmt.Errorf("payment %s failed: %s", u.ProviderTransactionID, note)
			}
		}
		in.logReference(tctx, models.ProviderStripe, models.EntityTypeInvoice, u.LocalEntityID, evt.Data.Raw, cause)
		logger.WithFields(logrus.Fields{
			"gc_account_id": u.TenantID,
			"invoice_id":    u.LocalEntityID,
			"status":        u.NewStatus,
		}).Info("payment status noted")
		return u.TenantID, nil
	}

	rec := &models.PaymentRecord{
		Provider:              models.ProviderStripe,
		ProviderTransactionId: u.ProviderTransactionID,
		GcAccountId:           u.TenantID,
		InvoiceId:             u.LocalEntityID,
		Currency:              u.Currency,
		PaidAt:                time.Unix(evt.Created, 0).UTC(),
		ProviderEventId:       evt.ID,
	}
	if u.AmountCents != nil {
		rec.AmountCents = *u.AmountCents
	}
	if u.PaidAt != nil {
		rec.PaidAt = *u.PaidAt
	}
	outcome, err := in.payments.ApplyInvoicePayment(tctx, rec, u.PaymentReference)
	if err != nil {
		return u.TenantID, err
	}
	logger = logger.WithFields(logrus.Fields{"gc_account_id": u.TenantID, "invoice_id": u.LocalEntityID})
	switch outcome {
	case models.PaymentDuplicate:
		logger.Info("payment already recorded")
	case models.PaymentRecordedOnly:
		cause := fmt.Errorf("payment %s received for an invoice not awaiting payment", u.ProviderTransactionID)
		in.logReference(tctx, models.ProviderStripe, models.EntityTypeInvoice, u.LocalEntityID, evt.Data.Raw, cause)
		logger.WithField("amount_cents", rec.AmountCents).Warn("payment recorded; invoice status unchanged")
	default:
		in.logReference(tctx, models.ProviderStripe, models.EntityTypeInvoice, u.LocalEntityID, evt.Data.Raw, nil)
		logger.WithField("amount_cents", rec.AmountCents).Info("invoice marked paid")
	}
	return u.TenantID, nil
}

func (in *Ingestor) applyCheckoutSubscription(ctx context.Context, evt stripe.Event, s *stripe.CheckoutSession) (string, error) {
	gcAccountId := s.Metadata[mapper.MetaGcAccountID]
	if gcAccountId == "" {
		in.logger.WithField("event_id", evt.ID).Warn("subscription checkout without gc_account_id metadata")
		return "", errIgnored
	}
	if s.Subscription == nil || s.Subscription.ID == "" {
		return gcAccountId, utils.Errorf(utils.KindValidation, "applyCheckoutSubscription", "checkout %s has no subscription", s.ID)
	}
	sub := &models.Subscription{
		GcAccountId:          gcAccountId,
		StripeSubscriptionId: s.Subscription.ID,
		Status:               models.SubscriptionStatusActive,
		LastEventCreatedMs:   evt.Created * 1000,
	}
	if s.Customer != nil {
		sub.StripeCustomerId = s.Customer.ID
	}
	if _, err := in.billing.ApplySubscription(tenantContext(ctx, gcAccountId), sub); err != nil {
		return gcAccountId, err
	}
	return gcAccountId, nil
}

func (in *Ingestor) applySubscription(ctx context.Context, evt stripe.Event, s *stripe.Subscription) (string, error) {
	gcAccountId := s.Metadata[mapper.MetaGcAccountID]
	if gcAccountId == "" {
		if stored, err := in.billing.GetSubscription(ctx, s.ID); err == nil {
			gcAccountId = stored.GcAccountId
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}
	}
	if gcAccountId == "" {
		in.logger.WithField("event_id", evt.ID).Warn("subscription event for unknown tenant")
		return "", errIgnored
	}
	sub := &models.Subscription{
		GcAccountId:          gcAccountId,
		StripeSubscriptionId: s.ID,
		Status:               models.SubscriptionStatus(s.Status),
		CancelAtPeriodEnd:    s.CancelAtPeriodEnd,
		LastEventCreatedMs:   evt.Created * 1000,
	}
	if evt.Type == "customer.subscription.deleted" {
		sub.Status = models.SubscriptionStatusCanceled
	}
	if s.Customer != nil {
		sub.StripeCustomerId = s.Customer.ID
	}
	if s.CurrentPeriodEnd > 0 {
		end := time.Unix(s.CurrentPeriodEnd, 0).UTC()
		sub.CurrentPeriodEnd = &end
	}
	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0].Price != nil {
		sub.PriceId = s.Items.Data[0].Price.ID
	}
	changed, err := in.billing.ApplySubscription(tenantContext(ctx, gcAccountId), sub)
	if err != nil {
		return gcAccountId, err
	}
	if !changed {
		in.logger.WithField("subscription_id", s.ID).Info("subscription event older than stored state")
	}
	return gcAccountId, nil
}

func (in *Ingestor) applyAccount(ctx context.Context, evt stripe.Event, a *stripe.Account) (string, error) {
	gcAccountId := a.Metadata[mapper.MetaGcAccountID]
	deauthorized := false
	stored, err := in.billing.GetConnectAccount(ctx, a.ID)
	switch {
	case err == nil:
		deauthorized = stored.Deauthorized
		if gcAccountId == "" {
			gcAccountId = stored.GcAccountId
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return "", err
	}
	if gcAccountId == "" {
		in.logger.WithField("account_id", a.ID).Warn("connect account event for unknown tenant")
		return "", errIgnored
	}
	_, err = in.billing.ApplyConnectAccount(tenantContext(ctx, gcAccountId), &models.StripeConnectAccount{
		GcAccountId:        gcAccountId,
		StripeAccountId:    a.ID,
		ChargesEnabled:     a.ChargesEnabled,
		PayoutsEnabled:     a.PayoutsEnabled,
		DetailsSubmitted:   a.DetailsSubmitted,
		Deauthorized:       deauthorized,
		LastEventCreatedMs: evt.Created * 1000,
	})
	return gcAccountId, err
}

// applyDeauthorized handles a tenant disconnecting the platform from their
// Connect account. The event's account field names the connected account.
func (in *Ingestor) applyDeauthorized(ctx context.Context, evt stripe.Event) (string, error) {
	if evt.Account == "" {
		return "", utils.Errorf(utils.KindValidation, "applyDeauthorized", "event %s names no account", evt.ID)
	}
	stored, err := in.billing.GetConnectAccount(ctx, evt.Account)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		in.logger.WithField("account_id", evt.Account).Warn("deauthorization for unknown connect account")
		return "", errIgnored
	}
	if err != nil {
		return "", err
	}
	tctx := tenantContext(ctx, stored.GcAccountId)
	acct := *stored
	acct.ID = 0
	acct.Deauthorized = true
	acct.LastEventCreatedMs = evt.Created * 1000
	if _, err := in.billing.ApplyConnectAccount(tctx, &acct); err != nil {
		return stored.GcAccountId, err
	}
	if _, err := in.creds.RevokeByRealm(tctx, models.ProviderStripe, evt.Account); err != nil {
		return stored.GcAccountId, err
	}
	in.logger.WithFields(logrus.Fields{
		"gc_account_id": stored.GcAccountId,
		"account_id":    evt.Account,
	}).Warn("stripe connect account deauthorized")
	return stored.GcAccountId, nil
}
