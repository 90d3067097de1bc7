package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mmdatafocus/buildsync/config"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SyncLogEntry is an append-only audit row. Rows are never updated.
type SyncLogEntry struct {
	ID              uint           `gorm:"primary_key" json:"id"`
	ReferenceId     uint           `gorm:"index" json:"reference_id"`
	GcAccountId     string         `gorm:"size:36;index" json:"gc_account_id"`
	Provider        Provider       `gorm:"size:20;not null" json:"provider"`
	LocalEntityType EntityType     `gorm:"size:20" json:"local_entity_type"`
	LocalEntityId   string         `gorm:"size:36" json:"local_entity_id"`
	Action          SyncAction     `gorm:"size:20;not null" json:"action"`
	Status          SyncStatus     `gorm:"size:20;not null" json:"status"`
	Payload         datatypes.JSON `json:"payload"`
	Response        datatypes.JSON `json:"response"`
	Error           *string        `gorm:"type:text" json:"error"`
	CorrelationId   string         `gorm:"size:64" json:"correlation_id"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

type SyncLogStore struct {
	db *gorm.DB
}

func NewSyncLogStore(db *gorm.DB) *SyncLogStore {
	if db == nil {
		db = config.GetDB()
	}
	return &SyncLogStore{db: db}
}

func (s *SyncLogStore) Append(ctx context.Context, entry *SyncLogEntry) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// ListForReference returns the newest entries first.
func (s *SyncLogStore) ListForReference(ctx context.Context, referenceId uint, limit int) ([]SyncLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []SyncLogEntry
	err := s.db.WithContext(ctx).
		Where("reference_id = ?", referenceId).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// JSONSnapshot marshals v for a log column; marshal failures are recorded in place of the value.
func JSONSnapshot(v any) datatypes.JSON {
	if v == nil {
		return nil
	}
	if raw, ok := v.([]byte); ok {
		if json.Valid(raw) {
			return datatypes.JSON(raw)
		}
		b, _ := json.Marshal(map[string]string{"raw": string(raw)})
		return datatypes.JSON(b)
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return datatypes.JSON(b)
}
