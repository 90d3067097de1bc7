package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmdatafocus/buildsync/config"
	"github.com/mmdatafocus/buildsync/mapper"
	"github.com/mmdatafocus/buildsync/models"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// qboNotification is the body Intuit posts for data change events.
type qboNotification struct {
	EventNotifications []struct {
		RealmId         string `json:"realmId"`
		DataChangeEvent struct {
			Entities []qboChangedEntity `json:"entities"`
		} `json:"dataChangeEvent"`
	} `json:"eventNotifications"`
}

type qboChangedEntity struct {
	Name        string `json:"name"`
	Id          string `json:"id"`
	Operation   string `json:"operation"`
	LastUpdated string `json:"lastUpdated"`
	DeletedId   string `json:"deletedId,omitempty"`
}

func (e qboChangedEntity) updatedAt() time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02T15:04:05-0700"} {
		if t, err := time.Parse(layout, e.LastUpdated); err == nil {
			return t
		}
	}
	return time.Now()
}

// verifyQBO checks intuit-signature: base64 HMAC-SHA256 of the body keyed by the verifier token.
func (in *Ingestor) verifyQBO(payload []byte, signature string) error {
	if in.qboVerifier == "" {
		return errors.New("no quickbooks verifier token configured")
	}
	if signature == "" {
		return errors.New("missing intuit-signature header")
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("malformed intuit-signature: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(in.qboVerifier))
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errors.New("invalid intuit-signature")
	}
	return nil
}

// QBOSignature signs payload the way Intuit does; used by tests and local tooling.
func QBOSignature(verifierToken string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(verifierToken))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (in *Ingestor) handleQBO(ctx context.Context, payload []byte, signature string) (int, error) {
	if err := in.verifyQBO(payload, signature); err != nil {
		return in.reject(ctx, models.ProviderQBO, payload, err)
	}

	var n qboNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return in.reject(ctx, models.ProviderQBO, payload, fmt.Errorf("malformed notification: %w", err))
	}

	// Intuit sends no event id; a delivery is identified by its body.
	sum := sha256.Sum256(payload)
	stored, done, err := in.begin(ctx, &models.WebhookEvent{
		Provider:        models.ProviderQBO,
		ProviderEventId: hex.EncodeToString(sum[:]),
		EventType:       "dataChangeEvent",
		Payload:         models.JSONSnapshot(payload),
	})
	if err != nil {
		config.LogError(in.logger, "qbo.go", "handleQBO", "recording webhook", nil, err)
		return http.StatusInternalServerError, err
	}
	if done {
		return http.StatusOK, nil
	}

	var (
		gcAccountId string
		errs        error
	)
	for _, note := range n.EventNotifications {
		cred, err := in.creds.FindByRealm(ctx, models.ProviderQBO, note.RealmId)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if cred == nil {
			in.logger.WithField("realm_id", note.RealmId).Warn("quickbooks notification for unknown company")
			continue
		}
		if gcAccountId == "" {
			gcAccountId = cred.GcAccountId
		}
		tctx := tenantContext(ctx, cred.GcAccountId)
		for _, ent := range note.DataChangeEvent.Entities {
			err := in.applyQBOChange(tctx, cred, ent)
			if err != nil && !isBusinessErr(err) {
				errs = multierr.Append(errs, err)
			} else if err != nil && !errors.Is(err, errIgnored) {
				in.logger.WithFields(logrus.Fields{
					"gc_account_id": cred.GcAccountId,
					"entity":        ent.Name,
					"id":            ent.Id,
					"operation":     ent.Operation,
				}).WithError(err).Warn("quickbooks change not applied")
			}
		}
	}
	return in.finish(ctx, stored, gcAccountId, errs)
}

func (in *Ingestor) applyQBOChange(ctx context.Context, cred *models.ProviderCredential, ent qboChangedEntity) error {
	switch strings.ToLower(ent.Operation) {
	case "create", "update":
		if ent.Name == "Payment" {
			return in.applyQBOPayment(ctx, cred, ent)
		}
		return errIgnored
	case "delete", "void":
		return in.markRemoved(ctx, ent)
	}
	return errIgnored
}

// applyQBOPayment marks the invoices a QBO customer payment settles as paid.
func (in *Ingestor) applyQBOPayment(ctx context.Context, cred *models.ProviderCredential, ent qboChangedEntity) error {
	if in.qbo == nil {
		return errors.New("quickbooks fetcher not configured")
	}
	var p mapper.QBOPayment
	if err := in.qbo.FetchQBOEntity(ctx, cred, "Payment", ent.Id, &p); err != nil {
		return err
	}
	u, err := mapper.FromQBOPayment(&p, cred.GcAccountId)
	if err != nil {
		return err
	}
	if u.Resolved() && u.LocalEntityType == models.EntityTypePayment {
		// Pushed from here; the portal already has it.
		return errIgnored
	}
	if len(u.LinkedExternalIDs) == 0 {
		return errIgnored
	}

	paidAt := ent.updatedAt().UTC()
	if u.PaidAt != nil {
		paidAt = *u.PaidAt
	}
	var errs error
	for _, invoiceExtId := range u.LinkedExternalIDs {
		ref, err := in.refs.FindByExternal(ctx, models.ProviderQBO, "Invoice", invoiceExtId)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if ref == nil || ref.LocalEntityType != models.EntityTypeInvoice {
			in.logger.WithFields(logrus.Fields{
				"gc_account_id": cred.GcAccountId,
				"invoice_id":    invoiceExtId,
			}).Info("quickbooks payment for an invoice not synced from here")
			continue
		}
		rec := &models.PaymentRecord{
			Provider:              models.ProviderQBO,
			ProviderTransactionId: p.Id + ":" + invoiceExtId,
			GcAccountId:           cred.GcAccountId,
			InvoiceId:             ref.LocalEntityId,
			Currency:              "usd",
			PaidAt:                paidAt,
			ProviderEventId:       "Payment:" + p.Id,
		}
		if u.AmountCents != nil && len(u.LinkedExternalIDs) == 1 {
			rec.AmountCents = *u.AmountCents
		}
		outcome, err := in.payments.ApplyInvoicePayment(ctx, rec, u.PaymentReference)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if outcome == models.PaymentDuplicate {
			continue
		}
		raw, _ := json.Marshal(p)
		logger := in.logger.WithFields(logrus.Fields{
			"gc_account_id": cred.GcAccountId,
			"invoice_id":    ref.LocalEntityId,
			"payment_id":    p.Id,
		})
		if outcome == models.PaymentRecordedOnly {
			in.logReference(ctx, models.ProviderQBO, models.EntityTypeInvoice, ref.LocalEntityId, raw,
				fmt.Errorf("payment %s received for an invoice not awaiting payment", rec.ProviderTransactionId))
			logger.Warn("quickbooks payment recorded; invoice status unchanged")
			continue
		}
		in.logReference(ctx, models.ProviderQBO, models.EntityTypeInvoice, ref.LocalEntityId, raw, nil)
		logger.Info("invoice marked paid from quickbooks")
	}
	return errs
}

// markRemoved flags the reference of a synced entity deleted or voided in QBO.
func (in *Ingestor) markRemoved(ctx context.Context, ent qboChangedEntity) error {
	id := ent.Id
	if id == "" {
		id = ent.DeletedId
	}
	ref, err := in.refs.FindByExternal(ctx, models.ProviderQBO, ent.Name, id)
	if err != nil {
		return err
	}
	if ref == nil {
		return errIgnored
	}
	verb := "deleted"
	if strings.EqualFold(ent.Operation, "void") {
		verb = "voided"
	}
	msg := fmt.Sprintf("%s %s was %s in QuickBooks", ent.Name, id, verb)
	changed, err := in.refs.MarkExternalRemoved(ctx, ref, id, msg)
	if err != nil {
		return err
	}
	if !changed {
		return errIgnored
	}
	in.logReference(ctx, models.ProviderQBO, ref.LocalEntityType, ref.LocalEntityId, nil, errors.New(msg))
	return nil
}
