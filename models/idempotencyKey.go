package models

import "time"

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

// IdempotencyKey dedupes Pub/Sub push deliveries of sync requests.
// Unique on (gc_account_id, handler_name, message_id).
type IdempotencyKey struct {
	ID          uint              `gorm:"primary_key" json:"id"`
	GcAccountId string            `gorm:"size:36;not null;uniqueIndex:uniq_idempotency_key,priority:1" json:"gc_account_id"`
	HandlerName string            `gorm:"size:100;not null;uniqueIndex:uniq_idempotency_key,priority:2" json:"handler_name"`
	MessageId   string            `gorm:"size:255;not null;uniqueIndex:uniq_idempotency_key,priority:3" json:"message_id"`
	Status      IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	LastError   *string           `gorm:"type:text" json:"last_error"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
