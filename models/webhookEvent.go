package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/buildsync/config"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WebhookEvent tracks one inbound provider event through
// received -> verified -> applied | rejected.
type WebhookEvent struct {
	ID              uint           `gorm:"primary_key" json:"id"`
	Provider        Provider       `gorm:"size:20;not null;uniqueIndex:uniq_webhook_event,priority:1" json:"provider"`
	ProviderEventId string         `gorm:"size:128;not null;uniqueIndex:uniq_webhook_event,priority:2" json:"provider_event_id"`
	EventType       string         `gorm:"size:100" json:"event_type"`
	GcAccountId     string         `gorm:"size:36;index" json:"gc_account_id"`
	State           WebhookState   `gorm:"size:20;not null;index" json:"state"`
	Payload         datatypes.JSON `json:"payload"`
	Error           *string        `gorm:"type:text" json:"error"`
	EventCreatedAt  *time.Time     `json:"event_created_at"`
	ProcessedAt     *time.Time     `json:"processed_at"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

type WebhookEventStore struct {
	db *gorm.DB
}

func NewWebhookEventStore(db *gorm.DB) *WebhookEventStore {
	if db == nil {
		db = config.GetDB()
	}
	return &WebhookEventStore{db: db}
}

// Record inserts the event. When the provider already delivered it, the stored
// row is returned with duplicate=true.
func (s *WebhookEventStore) Record(ctx context.Context, evt *WebhookEvent) (stored *WebhookEvent, duplicate bool, err error) {
	err = s.db.WithContext(ctx).Create(evt).Error
	if err == nil {
		return evt, false, nil
	}
	if !IsDuplicateKeyErr(err) {
		return nil, false, err
	}
	var existing WebhookEvent
	if err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", evt.Provider, evt.ProviderEventId).
		First(&existing).Error; err != nil {
		return nil, false, err
	}
	return &existing, true, nil
}

// Transition moves the event to state. Applied and rejected are terminal and stamp processed_at.
func (s *WebhookEventStore) Transition(ctx context.Context, id uint, state WebhookState, gcAccountId string, cause error) error {
	updates := map[string]interface{}{"state": state}
	if gcAccountId != "" {
		updates["gc_account_id"] = gcAccountId
	}
	if cause != nil {
		msg := cause.Error()
		updates["error"] = &msg
	}
	if state == WebhookStateApplied || state == WebhookStateRejected {
		updates["processed_at"] = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Model(&WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func (s *WebhookEventStore) Get(ctx context.Context, provider Provider, providerEventId string) (*WebhookEvent, error) {
	var evt WebhookEvent
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, providerEventId).
		First(&evt).Error
	if err != nil {
		return nil, err
	}
	return &evt, nil
}
