package syncapi

import (
	"time"

	"github.com/mmdatafocus/buildsync/models"
)

type SyncRequest struct {
	Provider string `json:"provider"`
	Async    bool   `json:"async"`
}

type SyncResponse struct {
	Status       models.SyncStatus `json:"status"`
	ExternalId   string            `json:"externalId,omitempty"`
	ExternalType string            `json:"externalType,omitempty"`
	MessageId    string            `json:"messageId,omitempty"`
}

type ErrorResponse struct {
	Error     string             `json:"error"`
	Code      string             `json:"code,omitempty"`
	Reference *ReferenceResponse `json:"reference,omitempty"`
}

type ReferenceResponse struct {
	Provider     models.Provider   `json:"provider"`
	EntityType   models.EntityType `json:"entityType"`
	EntityId     string            `json:"entityId"`
	ExternalId   string            `json:"externalId,omitempty"`
	ExternalType string            `json:"externalType,omitempty"`
	Status       models.SyncStatus `json:"status"`
	ErrorMessage *string           `json:"errorMessage,omitempty"`
	UpdatedAt    *string           `json:"updatedAt"`
}

type ReferencesResponse struct {
	Items []ReferenceResponse `json:"items"`
}

type StatusResponse struct {
	Provider   models.Provider             `json:"provider"`
	Connected  bool                        `json:"connected"`
	Status     models.CredentialStatus     `json:"status,omitempty"`
	RealmId    string                      `json:"realmId,omitempty"`
	TokenState string                      `json:"tokenState,omitempty"`
	ExpiresAt  *string                     `json:"expiresAt,omitempty"`
	Reachable  *bool                       `json:"reachable,omitempty"`
	Counts     map[models.SyncStatus]int64 `json:"counts"`
}

// PubSubPushEnvelope is the body Pub/Sub posts to push subscriptions.
type PubSubPushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		ID         string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func formatTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func toReferenceResponse(ref *models.ExternalReference) *ReferenceResponse {
	if ref == nil {
		return nil
	}
	updated := ref.UpdatedAt
	return &ReferenceResponse{
		Provider:     ref.Provider,
		EntityType:   ref.LocalEntityType,
		EntityId:     ref.LocalEntityId,
		ExternalId:   ref.ExternalEntityId,
		ExternalType: ref.ExternalEntityType,
		Status:       ref.SyncStatus,
		ErrorMessage: ref.ErrorMessage,
		UpdatedAt:    formatTime(&updated),
	}
}
