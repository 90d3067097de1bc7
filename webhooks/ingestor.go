// Package webhooks verifies and applies provider callbacks. Every delivery is
// recorded in webhook_events and moves received -> verified -> applied, or
// straight to rejected when its signature does not check out.
package webhooks

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/buildsync/config"
	"github.com/mmdatafocus/buildsync/metrics"
	"github.com/mmdatafocus/buildsync/models"
	"github.com/mmdatafocus/buildsync/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("buildsync/webhooks")

// QBOFetcher reads the current state of a QBO entity named in a change notification.
type QBOFetcher interface {
	FetchQBOEntity(ctx context.Context, cred *models.ProviderCredential, externalType string, id string, dest any) error
}

type IngestorDeps struct {
	Events        *models.WebhookEventStore
	Payments      *models.PaymentStore
	Billing       *models.BillingStore
	References    *models.ReferenceStore
	Logs          *models.SyncLogStore
	Credentials   *models.CredentialStore
	QBO           QBOFetcher
	StripeSecrets []string
	QBOVerifier   string
	Logger        *logrus.Logger
}

type Ingestor struct {
	events        *models.WebhookEventStore
	payments      *models.PaymentStore
	billing       *models.BillingStore
	refs          *models.ReferenceStore
	logs          *models.SyncLogStore
	creds         *models.CredentialStore
	qbo           QBOFetcher
	stripeSecrets []string
	qboVerifier   string
	logger        *logrus.Logger
}

func NewIngestor(d IngestorDeps) *Ingestor {
	in := &Ingestor{
		events:        d.Events,
		payments:      d.Payments,
		billing:       d.Billing,
		refs:          d.References,
		logs:          d.Logs,
		creds:         d.Credentials,
		qbo:           d.QBO,
		stripeSecrets: d.StripeSecrets,
		qboVerifier:   d.QBOVerifier,
		logger:        d.Logger,
	}
	if in.logger == nil {
		in.logger = config.GetLogger()
	}
	return in
}

func NewIngestorFromConfig(db *gorm.DB, qbo QBOFetcher) *Ingestor {
	return NewIngestor(IngestorDeps{
		Events:        models.NewWebhookEventStore(db),
		Payments:      models.NewPaymentStore(db),
		Billing:       models.NewBillingStore(db),
		References:    models.NewReferenceStore(db),
		Logs:          models.NewSyncLogStore(db),
		Credentials:   models.NewCredentialStore(db),
		QBO:           qbo,
		StripeSecrets: config.StripeWebhookSecrets(),
		QBOVerifier:   config.QBOWebhookVerifierToken(),
	})
}

// Handle verifies and applies one delivery and returns the HTTP status the
// provider should see: 400 for a bad signature, 500 for infrastructure
// failures the provider should retry, 200 for everything else.
func (in *Ingestor) Handle(ctx context.Context, provider models.Provider, payload []byte, signature string) (int, error) {
	ctx, span := tracer.Start(ctx, "webhooks.Handle", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(attribute.String("provider", string(provider)))

	// Tenants are resolved from the event itself; stores run unscoped until then.
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	switch provider {
	case models.ProviderStripe:
		return in.handleStripe(ctx, payload, signature)
	case models.ProviderQBO:
		return in.handleQBO(ctx, payload, signature)
	}
	return http.StatusNotFound, utils.Errorf(utils.KindNotFound, "webhooks.Handle", "unknown provider %q", provider)
}

// reject stores a delivery that failed verification under a synthetic id so
// forged payloads cannot claim a real event id.
func (in *Ingestor) reject(ctx context.Context, provider models.Provider, payload []byte, cause error) (int, error) {
	msg := cause.Error()
	evt := &models.WebhookEvent{
		Provider:        provider,
		ProviderEventId: "rejected:" + uuid.NewString(),
		State:           models.WebhookStateRejected,
		Payload:         models.JSONSnapshot(payload),
		Error:           &msg,
	}
	now := time.Now().UTC()
	evt.ProcessedAt = &now
	if _, _, err := in.events.Record(ctx, evt); err != nil {
		config.LogError(in.logger, "ingestor.go", "reject", "recording rejected webhook", provider, err)
	}
	metrics.WebhookEvents.WithLabelValues(string(provider), string(models.WebhookStateRejected)).Inc()
	in.logger.WithFields(logrus.Fields{"provider": provider}).WithError(cause).Warn("webhook rejected")
	return http.StatusBadRequest, utils.NewSyncError(utils.KindValidation, "webhooks.verify", cause)
}

// begin records a verified delivery. done is true when an earlier delivery of
// the same event was already applied.
func (in *Ingestor) begin(ctx context.Context, evt *models.WebhookEvent) (stored *models.WebhookEvent, done bool, err error) {
	evt.State = models.WebhookStateReceived
	stored, duplicate, err := in.events.Record(ctx, evt)
	if err != nil {
		return nil, false, err
	}
	if duplicate && stored.State == models.WebhookStateApplied {
		metrics.WebhookEvents.WithLabelValues(string(evt.Provider), "duplicate").Inc()
		in.logger.WithFields(logrus.Fields{
			"provider": evt.Provider,
			"event_id": evt.ProviderEventId,
		}).Info("duplicate webhook ignored")
		return stored, true, nil
	}
	if err := in.events.Transition(ctx, stored.ID, models.WebhookStateVerified, "", nil); err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

// finish maps the dispatch outcome to a status. Business failures are final
// and answered with 200; anything else stays verified for the provider's retry.
func (in *Ingestor) finish(ctx context.Context, evt *models.WebhookEvent, gcAccountId string, dispatchErr error) (int, error) {
	logger := in.logger.WithFields(logrus.Fields{
		"provider":      evt.Provider,
		"event_id":      evt.ProviderEventId,
		"event_type":    evt.EventType,
		"gc_account_id": gcAccountId,
	})
	if dispatchErr != nil && !isBusinessErr(dispatchErr) {
		if err := in.events.Transition(ctx, evt.ID, models.WebhookStateVerified, gcAccountId, dispatchErr); err != nil {
			config.LogError(in.logger, "ingestor.go", "finish", "recording webhook failure", evt.ProviderEventId, err)
		}
		metrics.WebhookEvents.WithLabelValues(string(evt.Provider), "failed").Inc()
		logger.WithError(dispatchErr).Error("webhook processing failed")
		return http.StatusInternalServerError, dispatchErr
	}
	if err := in.events.Transition(ctx, evt.ID, models.WebhookStateApplied, gcAccountId, dispatchErr); err != nil {
		config.LogError(in.logger, "ingestor.go", "finish", "marking webhook applied", evt.ProviderEventId, err)
		return http.StatusInternalServerError, err
	}
	metrics.WebhookEvents.WithLabelValues(string(evt.Provider), string(models.WebhookStateApplied)).Inc()
	if dispatchErr != nil {
		logger.WithError(dispatchErr).WithField("kind", utils.KindOf(dispatchErr)).Warn("webhook applied with business error")
	} else {
		logger.Info("webhook applied")
	}
	return http.StatusOK, nil
}

// errIgnored marks events that carry nothing this service can act on.
var errIgnored = errors.New("event ignored")

func isBusinessErr(err error) bool {
	if errors.Is(err, errIgnored) {
		return true
	}
	switch utils.KindOf(err) {
	case utils.KindValidation, utils.KindReconciliationConflict, utils.KindNotFound, utils.KindAlreadyInProgress:
		return true
	}
	return false
}

// tenantContext scopes store calls to the tenant named by the event.
func tenantContext(ctx context.Context, gcAccountId string) context.Context {
	ctx = utils.SetSkipTenantScopeInContext(ctx, false)
	return utils.SetGcAccountIdInContext(ctx, gcAccountId)
}

// logReference appends a webhook entry to the entity's reference log when one exists.
func (in *Ingestor) logReference(ctx context.Context, provider models.Provider, entityType models.EntityType, entityId string, payload []byte, cause error) {
	if in.logs == nil || in.refs == nil {
		return
	}
	ref, err := in.refs.Get(ctx, provider, entityType, entityId)
	if err != nil || ref == nil {
		return
	}
	entry := &models.SyncLogEntry{
		ReferenceId:     ref.ID,
		GcAccountId:     ref.GcAccountId,
		Provider:        provider,
		LocalEntityType: entityType,
		LocalEntityId:   entityId,
		Action:          models.SyncActionWebhook,
		Status:          ref.SyncStatus,
		Response:        models.JSONSnapshot(payload),
	}
	if cause != nil {
		msg := cause.Error()
		entry.Error = &msg
	}
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		entry.CorrelationId = cid
	}
	if err := in.logs.Append(ctx, entry); err != nil {
		config.LogError(in.logger, "ingestor.go", "logReference", "appending webhook log", entityId, err)
	}
}
