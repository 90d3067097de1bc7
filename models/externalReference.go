package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/buildsync/config"
	"github.com/mmdatafocus/buildsync/utils"
	"gorm.io/gorm"
)

// ExternalReference maps one local entity to its counterpart at a provider.
// source_updated_at_ms orders competing writes by the record's own clock
// (or the provider event time), never by arrival.
type ExternalReference struct {
	ID                 uint       `gorm:"primary_key" json:"id"`
	GcAccountId        string     `gorm:"size:36;index;not null" json:"gc_account_id"`
	Provider           Provider   `gorm:"size:20;not null;uniqueIndex:uniq_ext_ref_local,priority:1;index:idx_ext_ref_external,priority:1" json:"provider"`
	LocalEntityType    EntityType `gorm:"size:20;not null;uniqueIndex:uniq_ext_ref_local,priority:2" json:"local_entity_type"`
	LocalEntityId      string     `gorm:"size:36;not null;uniqueIndex:uniq_ext_ref_local,priority:3" json:"local_entity_id"`
	ExternalEntityId   string     `gorm:"size:128;index:idx_ext_ref_external,priority:3" json:"external_entity_id"`
	ExternalEntityType string     `gorm:"size:64;index:idx_ext_ref_external,priority:2" json:"external_entity_type"`
	SyncStatus         SyncStatus `gorm:"size:20;not null;index" json:"sync_status"`
	ErrorMessage       *string    `gorm:"type:text" json:"error_message"`
	SourceUpdatedAtMs  int64      `gorm:"not null;default:0" json:"source_updated_at_ms"`
	ClaimedAtMs        int64      `gorm:"not null;default:0" json:"claimed_at_ms"`
	ClaimVersion       int64      `gorm:"not null;default:0" json:"claim_version"`
	DetachCount        int64      `gorm:"not null;default:0" json:"detach_count"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type UpsertInput struct {
	GcAccountId     string
	Provider        Provider
	EntityType      EntityType
	EntityId        string
	ExternalId      string
	ExternalType    string
	Status          SyncStatus
	ErrorMessage    *string
	SourceUpdatedAt time.Time
}

type ClaimInput struct {
	GcAccountId     string
	Provider        Provider
	EntityType      EntityType
	EntityId        string
	SourceUpdatedAt time.Time
	// StaleAfter is how long an existing pending claim blocks a new one.
	StaleAfter time.Duration
}

type ReferenceStore struct {
	db       *gorm.DB
	now      func() time.Time
	cacheTTL time.Duration
}

// NewReferenceStore uses config.GetDB() when db is nil.
func NewReferenceStore(db *gorm.DB) *ReferenceStore {
	if db == nil {
		db = config.GetDB()
	}
	return &ReferenceStore{db: db, now: time.Now, cacheTTL: config.ReferenceCacheTTL()}
}

// WithClock is used by tests to control claim staleness.
func (s *ReferenceStore) WithClock(now func() time.Time) *ReferenceStore {
	s.now = now
	return s
}

func referenceCacheKey(entityType EntityType, entityId string) string {
	return fmt.Sprintf("references:%s:%s", entityType, entityId)
}

func (s *ReferenceStore) forKey(ctx context.Context, provider Provider, entityType EntityType, entityId string) *gorm.DB {
	return s.db.WithContext(ctx).Model(&ExternalReference{}).
		Where("provider = ? AND local_entity_type = ? AND local_entity_id = ?", provider, entityType, entityId)
}

func (s *ReferenceStore) invalidate(ctx context.Context, entityType EntityType, entityId string) {
	if err := config.RemoveRedisKey(ctx, referenceCacheKey(entityType, entityId)); err != nil {
		config.GetLogger().WithField("key", referenceCacheKey(entityType, entityId)).Warn("reference cache invalidation failed: " + err.Error())
	}
}

func checkKey(op string, provider Provider, entityType EntityType, entityId string) error {
	if !provider.IsValid() {
		return utils.Errorf(utils.KindValidation, op, "unknown provider %q", provider)
	}
	if !entityType.IsValid() {
		return utils.Errorf(utils.KindValidation, op, "unknown entity type %q", entityType)
	}
	if entityId == "" {
		return utils.Errorf(utils.KindValidation, op, "entity id is required")
	}
	return nil
}

// Get returns nil without error when no reference exists.
func (s *ReferenceStore) Get(ctx context.Context, provider Provider, entityType EntityType, entityId string) (*ExternalReference, error) {
	if err := checkKey("ReferenceStore.Get", provider, entityType, entityId); err != nil {
		return nil, err
	}
	var ref ExternalReference
	err := s.forKey(ctx, provider, entityType, entityId).First(&ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// FindByExternal is the webhook reverse lookup. Returns nil when unknown.
func (s *ReferenceStore) FindByExternal(ctx context.Context, provider Provider, externalType string, externalId string) (*ExternalReference, error) {
	if externalId == "" {
		return nil, nil
	}
	var ref ExternalReference
	err := s.db.WithContext(ctx).
		Where("provider = ? AND external_entity_type = ? AND external_entity_id = ?", provider, externalType, externalId).
		Order("id").
		First(&ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// Upsert writes status for the key, inserting on first write. An existing row
// is only overwritten when the incoming SourceUpdatedAt is not older than the
// stored one; otherwise the stored row is returned with ErrReconciliationConflict.
// An empty ExternalId keeps whatever id is stored.
func (s *ReferenceStore) Upsert(ctx context.Context, in UpsertInput) (*ExternalReference, error) {
	const op = "ReferenceStore.Upsert"
	if err := checkKey(op, in.Provider, in.EntityType, in.EntityId); err != nil {
		return nil, err
	}
	if !in.Status.IsValid() {
		return nil, utils.Errorf(utils.KindValidation, op, "unknown sync status %q", in.Status)
	}
	defer s.invalidate(ctx, in.EntityType, in.EntityId)

	srcMs := in.SourceUpdatedAt.UnixMilli()
	ref := &ExternalReference{
		GcAccountId:        in.GcAccountId,
		Provider:           in.Provider,
		LocalEntityType:    in.EntityType,
		LocalEntityId:      in.EntityId,
		ExternalEntityId:   in.ExternalId,
		ExternalEntityType: in.ExternalType,
		SyncStatus:         in.Status,
		ErrorMessage:       in.ErrorMessage,
		SourceUpdatedAtMs:  srcMs,
	}
	err := s.db.WithContext(ctx).Create(ref).Error
	if err == nil {
		return ref, nil
	}
	if !IsDuplicateKeyErr(err) {
		return nil, err
	}

	updates := map[string]interface{}{
		"sync_status":          in.Status,
		"error_message":        in.ErrorMessage,
		"source_updated_at_ms": srcMs,
		"updated_at":           s.now().UTC(),
	}
	if in.ExternalId != "" {
		updates["external_entity_id"] = in.ExternalId
	}
	if in.ExternalType != "" {
		updates["external_entity_type"] = in.ExternalType
	}
	res := s.forKey(ctx, in.Provider, in.EntityType, in.EntityId).
		Where("source_updated_at_ms <= ?", srcMs).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}

	stored, err := s.Get(ctx, in.Provider, in.EntityType, in.EntityId)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		// Deleted between the insert attempt and the update.
		return nil, utils.Errorf(utils.KindNotFound, op, "reference %s/%s/%s disappeared", in.Provider, in.EntityType, in.EntityId)
	}
	if res.RowsAffected == 0 {
		return stored, utils.Errorf(utils.KindReconciliationConflict, op,
			"stored %s write at %d is newer than incoming %s at %d", stored.SyncStatus, stored.SourceUpdatedAtMs, in.Status, srcMs)
	}
	return stored, nil
}

// Claim marks the reference pending for one sync attempt. It inserts a new
// pending row, or flips an existing row to pending in one conditional UPDATE
// when the row is not pending or its claim has gone stale. Losers get
// ErrAlreadyInProgress; a snapshot older than the stored write gets
// ErrReconciliationConflict.
func (s *ReferenceStore) Claim(ctx context.Context, in ClaimInput) (*ExternalReference, error) {
	const op = "ReferenceStore.Claim"
	if err := checkKey(op, in.Provider, in.EntityType, in.EntityId); err != nil {
		return nil, err
	}
	stale := in.StaleAfter
	if stale <= 0 {
		stale = config.SyncStaleAfter()
	}
	defer s.invalidate(ctx, in.EntityType, in.EntityId)

	nowMs := s.now().UnixMilli()
	srcMs := in.SourceUpdatedAt.UnixMilli()
	ref := &ExternalReference{
		GcAccountId:       in.GcAccountId,
		Provider:          in.Provider,
		LocalEntityType:   in.EntityType,
		LocalEntityId:     in.EntityId,
		SyncStatus:        SyncStatusPending,
		SourceUpdatedAtMs: srcMs,
		ClaimedAtMs:       nowMs,
		ClaimVersion:      1,
	}
	err := s.db.WithContext(ctx).Create(ref).Error
	if err == nil {
		return ref, nil
	}
	if !IsDuplicateKeyErr(err) {
		return nil, err
	}

	res := s.forKey(ctx, in.Provider, in.EntityType, in.EntityId).
		Where("(sync_status <> ? OR claimed_at_ms < ?)", SyncStatusPending, nowMs-stale.Milliseconds()).
		Where("source_updated_at_ms <= ?", srcMs).
		Updates(map[string]interface{}{
			"sync_status":   SyncStatusPending,
			"error_message": nil,
			"claimed_at_ms": nowMs,
			"claim_version": gorm.Expr("claim_version + 1"),
			"updated_at":    s.now().UTC(),
		})
	if res.Error != nil {
		return nil, res.Error
	}

	stored, err := s.Get(ctx, in.Provider, in.EntityType, in.EntityId)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, utils.Errorf(utils.KindNotFound, op, "reference %s/%s/%s disappeared", in.Provider, in.EntityType, in.EntityId)
	}
	if res.RowsAffected == 1 {
		return stored, nil
	}
	// A competing claim finished between the UPDATE and the read.
	if stored.SyncStatus == SyncStatusPending || stored.SourceUpdatedAtMs <= srcMs {
		return stored, utils.Errorf(utils.KindAlreadyInProgress, op, "%s %s is already syncing to %s", in.EntityType, in.EntityId, in.Provider.DisplayName())
	}
	return stored, utils.Errorf(utils.KindReconciliationConflict, op,
		"snapshot at %d is older than stored write at %d", srcMs, stored.SourceUpdatedAtMs)
}

// MarkExternalRemoved records that the provider record behind ref was
// deleted or voided. The external id is cleared so the next sync creates a
// new record, and source_updated_at_ms is left alone so the unchanged local
// record can still claim. A pending claim keeps its status; the running sync
// reports its own outcome. Returns false when ref no longer points at
// externalId.
func (s *ReferenceStore) MarkExternalRemoved(ctx context.Context, ref *ExternalReference, externalId string, msg string) (bool, error) {
	if ref == nil || externalId == "" {
		return false, nil
	}
	defer s.invalidate(ctx, ref.LocalEntityType, ref.LocalEntityId)
	res := s.db.WithContext(ctx).Model(&ExternalReference{}).
		Where("id = ? AND gc_account_id = ? AND external_entity_id = ?", ref.ID, ref.GcAccountId, externalId).
		Updates(map[string]interface{}{
			"external_entity_id": "",
			"sync_status":        gorm.Expr("CASE WHEN sync_status = ? THEN sync_status ELSE ? END", SyncStatusPending, SyncStatusError),
			"error_message":      msg,
			"detach_count":       gorm.Expr("detach_count + 1"),
			"updated_at":         s.now().UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

// ListPending returns references left pending longer than olderThan, oldest claim first.
func (s *ReferenceStore) ListPending(ctx context.Context, provider Provider, olderThan time.Duration) ([]ExternalReference, error) {
	cutoff := s.now().Add(-olderThan).UnixMilli()
	var refs []ExternalReference
	err := s.db.WithContext(ctx).
		Where("provider = ? AND sync_status = ? AND claimed_at_ms < ?", provider, SyncStatusPending, cutoff).
		Order("claimed_at_ms").
		Find(&refs).Error
	return refs, err
}

// Delete removes the reference (explicit unsync). Reports whether a row existed.
func (s *ReferenceStore) Delete(ctx context.Context, provider Provider, entityType EntityType, entityId string) (bool, error) {
	if err := checkKey("ReferenceStore.Delete", provider, entityType, entityId); err != nil {
		return false, err
	}
	defer s.invalidate(ctx, entityType, entityId)
	res := s.db.WithContext(ctx).
		Where("provider = ? AND local_entity_type = ? AND local_entity_id = ?", provider, entityType, entityId).
		Delete(&ExternalReference{})
	return res.RowsAffected > 0, res.Error
}

// ListForEntity returns the entity's references across providers, served from redis when cached.
func (s *ReferenceStore) ListForEntity(ctx context.Context, entityType EntityType, entityId string) ([]ExternalReference, error) {
	key := referenceCacheKey(entityType, entityId)
	var refs []ExternalReference
	if ok, err := config.GetRedisObject(ctx, key, &refs); err == nil && ok {
		return refs, nil
	}
	refs = nil
	err := s.db.WithContext(ctx).
		Where("local_entity_type = ? AND local_entity_id = ?", entityType, entityId).
		Order("provider").
		Find(&refs).Error
	if err != nil {
		return nil, err
	}
	if err := config.SetRedisObject(ctx, key, refs, s.cacheTTL); err != nil {
		config.GetLogger().WithField("key", key).Warn("reference cache write failed: " + err.Error())
	}
	return refs, nil
}

// CountByStatus feeds the provider status endpoint.
func (s *ReferenceStore) CountByStatus(ctx context.Context, gcAccountId string, provider Provider) (map[SyncStatus]int64, error) {
	type row struct {
		SyncStatus SyncStatus
		Count      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&ExternalReference{}).
		Select("sync_status, COUNT(*) AS count").
		Where("gc_account_id = ? AND provider = ?", gcAccountId, provider).
		Group("sync_status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[SyncStatus]int64, len(rows))
	for _, r := range rows {
		out[r.SyncStatus] = r.Count
	}
	return out, nil
}
