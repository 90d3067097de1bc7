package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/buildsync/config"
	"github.com/mmdatafocus/buildsync/gateway"
	"github.com/mmdatafocus/buildsync/mapper"
	"github.com/mmdatafocus/buildsync/metrics"
	"github.com/mmdatafocus/buildsync/models"
	"github.com/mmdatafocus/buildsync/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("buildsync/workflow")

// maxDependencyDepth bounds counterpart recursion (payment -> invoice -> client).
const maxDependencyDepth = 3

// Submitter is the part of the provider gateway the orchestrator calls.
type Submitter interface {
	Create(ctx context.Context, cred *models.ProviderCredential, p *mapper.ExternalPayload, idempotencyKey string) (*gateway.Result, error)
	Update(ctx context.Context, cred *models.ProviderCredential, p *mapper.ExternalPayload, externalID string) (*gateway.Result, error)
}

type CredentialSource interface {
	Get(ctx context.Context, gcAccountId string, provider models.Provider) (*models.ProviderCredential, error)
}

type EntityLoader interface {
	Load(ctx context.Context, entityType models.EntityType, id string) (*models.LocalEntity, error)
}

// GLDefaults are the provider refs used when an entity links no synced GL account.
type GLDefaults struct {
	ItemRef           string
	ExpenseAccountRef string
	BankAccountRef    string
}

type SyncerDeps struct {
	References  *models.ReferenceStore
	Logs        *models.SyncLogStore
	Credentials CredentialSource
	Entities    EntityLoader
	Gateway     Submitter
	StaleAfter  time.Duration
	Defaults    GLDefaults
	PhoneRegion string
	Logger      *logrus.Logger
}

// Syncer pushes local entities to providers and records the outcome on the
// entity's ExternalReference.
type Syncer struct {
	refs        *models.ReferenceStore
	logs        *models.SyncLogStore
	creds       CredentialSource
	entities    EntityLoader
	gateway     Submitter
	staleAfter  time.Duration
	defaults    GLDefaults
	phoneRegion string
	logger      *logrus.Logger
}

func NewSyncer(d SyncerDeps) *Syncer {
	s := &Syncer{
		refs:        d.References,
		logs:        d.Logs,
		creds:       d.Credentials,
		entities:    d.Entities,
		gateway:     d.Gateway,
		staleAfter:  d.StaleAfter,
		defaults:    d.Defaults,
		phoneRegion: d.PhoneRegion,
		logger:      d.Logger,
	}
	if s.staleAfter <= 0 {
		s.staleAfter = config.SyncStaleAfter()
	}
	if s.logger == nil {
		s.logger = config.GetLogger()
	}
	return s
}

// NewSyncerFromConfig wires the orchestrator against db and the environment.
func NewSyncerFromConfig(db *gorm.DB, gw Submitter) *Syncer {
	return NewSyncer(SyncerDeps{
		References:  models.NewReferenceStore(db),
		Logs:        models.NewSyncLogStore(db),
		Credentials: models.NewCredentialStore(db),
		Entities:    models.NewEntityStore(db),
		Gateway:     gw,
		StaleAfter:  config.SyncStaleAfter(),
		Defaults: GLDefaults{
			ItemRef:           config.QBODefaultItemRef(),
			ExpenseAccountRef: config.QBODefaultExpenseAccountRef(),
			BankAccountRef:    config.QBODefaultBankAccountRef(),
		},
		PhoneRegion: config.PhoneRegion(),
	})
}

func (s *Syncer) References() *models.ReferenceStore { return s.refs }

// SyncByID loads the entity snapshot and syncs it.
func (s *Syncer) SyncByID(ctx context.Context, provider models.Provider, entityType models.EntityType, id string) (*models.ExternalReference, error) {
	entity, err := s.entities.Load(ctx, entityType, id)
	if err != nil {
		return nil, err
	}
	return s.SyncEntity(ctx, *entity, provider)
}

// SyncEntity creates or updates entity at provider. A synced entity is always
// updated in place using its stored external id. Failures are recorded on the
// reference and returned classified; nothing is retried here.
func (s *Syncer) SyncEntity(ctx context.Context, entity models.LocalEntity, provider models.Provider) (*models.ExternalReference, error) {
	return s.syncEntity(ctx, entity, provider, 0)
}

func (s *Syncer) syncEntity(ctx context.Context, entity models.LocalEntity, provider models.Provider, depth int) (ref *models.ExternalReference, err error) {
	ctx, span := tracer.Start(ctx, "workflow.SyncEntity")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", string(provider)),
		attribute.String("entity_type", string(entity.Type)),
		attribute.String("entity_id", entity.ID()),
		attribute.Int("depth", depth),
	)
	start := time.Now()
	defer func() {
		metrics.SyncDuration.WithLabelValues(string(provider), string(entity.Type)).Observe(time.Since(start).Seconds())
		outcome := "synced"
		if err != nil {
			outcome = string(utils.KindOf(err))
			if outcome == "" {
				outcome = "internal"
			}
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.SyncAttempts.WithLabelValues(string(provider), string(entity.Type), outcome).Inc()
	}()

	if !provider.IsValid() {
		return nil, utils.Errorf(utils.KindValidation, "SyncEntity", "unknown provider %q", provider)
	}
	if err := entity.Validate(); err != nil {
		return nil, err
	}
	if !mapper.Supports(provider, entity.Type) {
		return nil, utils.Errorf(utils.KindValidation, "SyncEntity", "%s records cannot be synced to %s", entity.Type, provider.DisplayName())
	}
	if depth > maxDependencyDepth {
		return nil, utils.Errorf(utils.KindValidation, "SyncEntity", "%s %s has too many unsynced dependencies", entity.Type, entity.ID())
	}

	logger := s.logger.WithFields(logrus.Fields{
		"gc_account_id": entity.GcAccountId(),
		"provider":      provider,
		"entity_type":   entity.Type,
		"entity_id":     entity.ID(),
	})
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		logger = logger.WithField("correlation_id", cid)
	}

	claimed, err := s.refs.Claim(ctx, models.ClaimInput{
		GcAccountId:     entity.GcAccountId(),
		Provider:        provider,
		EntityType:      entity.Type,
		EntityId:        entity.ID(),
		SourceUpdatedAt: entity.UpdatedAt(),
		StaleAfter:      s.staleAfter,
	})
	if err != nil {
		logger.WithError(err).Info("sync not claimed")
		return claimed, err
	}
	s.appendLog(ctx, claimed, models.SyncActionClaim, nil, nil, nil)

	action := models.SyncActionCreate
	if claimed.ExternalEntityId != "" {
		action = models.SyncActionUpdate
	}
	payload, cred, err := s.prepare(ctx, entity, provider, depth)
	if err != nil {
		return s.finish(ctx, logger, entity, provider, claimed, action, payload, nil, err)
	}
	for _, w := range payload.Warnings {
		logger.WithField("warning", w).Warn("mapping warning")
	}

	var res *gateway.Result
	if action == models.SyncActionUpdate {
		res, err = s.gateway.Update(ctx, cred, payload, claimed.ExternalEntityId)
	} else {
		res, err = s.gateway.Create(ctx, cred, payload, gateway.IdempotencyKey(claimed.ID, entity.UpdatedAt().UnixMilli(), claimed.DetachCount))
	}
	return s.finish(ctx, logger, entity, provider, claimed, action, payload, res, err)
}

// prepare resolves every provider ref the entity needs and maps it.
func (s *Syncer) prepare(ctx context.Context, entity models.LocalEntity, provider models.Provider, depth int) (*mapper.ExternalPayload, *models.ProviderCredential, error) {
	cred, err := s.creds.Get(ctx, entity.GcAccountId(), provider)
	if err != nil {
		return nil, nil, err
	}

	var refs mapper.Refs
	if t, id, ok := entity.Counterpart(); ok {
		if refs.Counterpart, err = s.resolveDependency(ctx, entity, provider, t, id, depth); err != nil {
			return nil, nil, err
		}
	}
	if t, id, ok := entity.LinkedTransaction(); ok {
		if refs.LinkedTxn, err = s.resolveDependency(ctx, entity, provider, t, id, depth); err != nil {
			return nil, nil, err
		}
	}
	if refs.GLAccount, err = s.resolveGLAccount(ctx, entity, provider, depth); err != nil {
		return nil, nil, err
	}

	payload, err := mapper.Map(entity, provider, refs, mapper.Options{PhoneRegion: s.phoneRegion})
	if err != nil {
		return nil, nil, err
	}
	return payload, cred, nil
}

// resolveDependency returns the provider id of a record entity points at,
// syncing that record first when it has never reached the provider.
func (s *Syncer) resolveDependency(ctx context.Context, entity models.LocalEntity, provider models.Provider, t models.EntityType, id string, depth int) (string, error) {
	ref, err := s.refs.Get(ctx, provider, t, id)
	if err != nil {
		return "", err
	}
	if ref != nil && ref.ExternalEntityId != "" {
		return ref.ExternalEntityId, nil
	}
	dep, err := s.entities.Load(ctx, t, id)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return "", utils.Errorf(utils.KindValidation, "SyncEntity", "%s %s references missing %s %s", entity.Type, entity.ID(), t, id)
		}
		return "", err
	}
	if dep.GcAccountId() != entity.GcAccountId() {
		return "", utils.Errorf(utils.KindValidation, "SyncEntity", "%s %s references %s %s from another account", entity.Type, entity.ID(), t, id)
	}
	synced, err := s.syncEntity(ctx, *dep, provider, depth+1)
	if err != nil {
		if errors.Is(err, utils.ErrAlreadyInProgress) {
			return "", utils.Errorf(utils.KindTransient, "SyncEntity", "%s %s is still syncing, retry shortly", t, id)
		}
		return "", fmt.Errorf("syncing %s %s: %w", t, id, err)
	}
	if synced == nil || synced.ExternalEntityId == "" {
		return "", utils.Errorf(utils.KindTransient, "SyncEntity", "%s %s has no %s id yet", t, id, provider.DisplayName())
	}
	return synced.ExternalEntityId, nil
}

func (s *Syncer) resolveGLAccount(ctx context.Context, entity models.LocalEntity, provider models.Provider, depth int) (string, error) {
	if provider != models.ProviderQBO {
		return "", nil
	}
	if id, ok := entity.GlAccountID(); ok {
		return s.resolveDependency(ctx, entity, provider, models.EntityTypeAccount, id, depth)
	}
	switch entity.Type {
	case models.EntityTypeInvoice:
		return s.defaults.ItemRef, nil
	case models.EntityTypeExpense:
		return s.defaults.ExpenseAccountRef, nil
	case models.EntityTypePayment:
		if entity.Payment.ExpenseId != nil {
			return s.defaults.BankAccountRef, nil
		}
	}
	return "", nil
}

// finish records the outcome on the reference and the sync log.
func (s *Syncer) finish(ctx context.Context, logger *logrus.Entry, entity models.LocalEntity, provider models.Provider, claimed *models.ExternalReference,
	action models.SyncAction, payload *mapper.ExternalPayload, res *gateway.Result, syncErr error) (*models.ExternalReference, error) {

	in := models.UpsertInput{
		GcAccountId:     entity.GcAccountId(),
		Provider:        provider,
		EntityType:      entity.Type,
		EntityId:        entity.ID(),
		SourceUpdatedAt: entity.UpdatedAt(),
	}
	var body any
	if payload != nil {
		body = payload.Body
		if action == models.SyncActionUpdate && payload.UpdateBody != nil {
			body = payload.UpdateBody
		}
	}

	if syncErr != nil {
		msg := utils.Message(syncErr)
		in.Status = models.SyncStatusError
		in.ErrorMessage = &msg
		ref, err := s.refs.Upsert(ctx, in)
		if err != nil && !errors.Is(err, utils.ErrReconciliationConflict) {
			config.LogError(s.logger, "syncWorkflow.go", "finish", "recording sync error", in, err)
		}
		if ref == nil {
			ref = claimed
		}
		s.appendLog(ctx, ref, action, body, nil, syncErr)
		logger.WithError(syncErr).WithField("kind", utils.KindOf(syncErr)).Warn("sync failed")
		return ref, syncErr
	}

	in.Status = models.SyncStatusSynced
	in.ExternalId = res.ExternalID
	in.ExternalType = res.ExternalType
	ref, err := s.refs.Upsert(ctx, in)
	if err != nil {
		// The provider call succeeded; a newer write owns the reference now.
		logger.WithError(err).Warn("sync result not recorded")
		if ref == nil {
			ref = claimed
		}
		s.appendLog(ctx, ref, action, body, res.Raw, err)
		return ref, err
	}
	s.appendLog(ctx, ref, action, body, res.Raw, nil)
	logger.WithField("external_id", res.ExternalID).Info("entity synced")
	return ref, nil
}

func (s *Syncer) appendLog(ctx context.Context, ref *models.ExternalReference, action models.SyncAction, payload any, response []byte, cause error) {
	if s.logs == nil || ref == nil {
		return
	}
	entry := &models.SyncLogEntry{
		ReferenceId:     ref.ID,
		GcAccountId:     ref.GcAccountId,
		Provider:        ref.Provider,
		LocalEntityType: ref.LocalEntityType,
		LocalEntityId:   ref.LocalEntityId,
		Action:          action,
		Status:          ref.SyncStatus,
	}
	if payload != nil {
		entry.Payload = models.JSONSnapshot(payload)
	}
	if len(response) > 0 {
		entry.Response = models.JSONSnapshot(response)
	}
	if cause != nil {
		msg := cause.Error()
		entry.Error = &msg
	}
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		entry.CorrelationId = cid
	}
	if err := s.logs.Append(ctx, entry); err != nil {
		config.LogError(s.logger, "syncWorkflow.go", "appendLog", "appending sync log", entry.LocalEntityId, err)
	}
}

// Unsync removes the entity's reference for provider. The provider record is
// left untouched.
func (s *Syncer) Unsync(ctx context.Context, provider models.Provider, entityType models.EntityType, id string) (bool, error) {
	ref, err := s.refs.Get(ctx, provider, entityType, id)
	if err != nil {
		return false, err
	}
	if ref == nil {
		return false, nil
	}
	if ref.SyncStatus == models.SyncStatusPending && !s.claimIsStale(ref) {
		return false, utils.Errorf(utils.KindAlreadyInProgress, "Unsync", "%s %s is syncing to %s", entityType, id, provider.DisplayName())
	}
	deleted, err := s.refs.Delete(ctx, provider, entityType, id)
	if err != nil {
		return false, err
	}
	if deleted {
		s.appendLog(ctx, ref, models.SyncActionUnsync, nil, nil, nil)
		s.logger.WithFields(logrus.Fields{
			"gc_account_id": ref.GcAccountId,
			"provider":      provider,
			"entity_type":   entityType,
			"entity_id":     id,
			"external_id":   ref.ExternalEntityId,
		}).Info("entity unsynced")
	}
	return deleted, nil
}

func (s *Syncer) claimIsStale(ref *models.ExternalReference) bool {
	return time.Since(time.UnixMilli(ref.ClaimedAtMs)) > s.staleAfter
}
