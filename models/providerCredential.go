package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/buildsync/config"
	"github.com/mmdatafocus/buildsync/utils"
	"gorm.io/gorm"
)

// ProviderCredential is one tenant's OAuth bundle for a provider. RealmId is the
// QBO company id or the Stripe connected account id. TokenVersion guards
// refresh writes: a refreshed token only lands if the version is unchanged.
type ProviderCredential struct {
	ID                uint             `gorm:"primary_key" json:"id"`
	GcAccountId       string           `gorm:"size:36;not null;uniqueIndex:uniq_provider_credential,priority:1" json:"gc_account_id"`
	Provider          Provider         `gorm:"size:20;not null;uniqueIndex:uniq_provider_credential,priority:2;index:idx_credential_realm,priority:1" json:"provider"`
	AccessToken       string           `gorm:"type:text" json:"-"`
	RefreshToken      string           `gorm:"type:text" json:"-"`
	TokenType         string           `gorm:"size:20" json:"token_type"`
	ExpiresAt         *time.Time       `json:"expires_at"`
	RefreshExpiresAt  *time.Time       `json:"refresh_expires_at"`
	RealmId           string           `gorm:"size:64;index:idx_credential_realm,priority:2" json:"realm_id"`
	Status            CredentialStatus `gorm:"size:20;not null;default:active" json:"status"`
	TokenVersion      int64            `gorm:"not null;default:1" json:"token_version"`
	ConnectedByUserId string           `gorm:"size:36" json:"connected_by_user_id"`
	LastRefreshedAt   *time.Time       `json:"last_refreshed_at"`
	CreatedAt         time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// RefreshedToken is the outcome of a refresh-token exchange.
type RefreshedToken struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

type CredentialStore struct {
	db *gorm.DB
}

func NewCredentialStore(db *gorm.DB) *CredentialStore {
	if db == nil {
		db = config.GetDB()
	}
	return &CredentialStore{db: db}
}

// Get returns the active credential, or ErrReauthorizationRequired when the
// tenant never connected the provider or the connection was revoked.
func (s *CredentialStore) Get(ctx context.Context, gcAccountId string, provider Provider) (*ProviderCredential, error) {
	cred, err := s.Find(ctx, gcAccountId, provider)
	if err != nil {
		return nil, err
	}
	if cred == nil || cred.Status != CredentialStatusActive {
		return nil, utils.Errorf(utils.KindReauthorizationRequired, "CredentialStore.Get", "%s is not connected", provider.DisplayName())
	}
	return cred, nil
}

// Find returns the credential in any status, nil when absent.
func (s *CredentialStore) Find(ctx context.Context, gcAccountId string, provider Provider) (*ProviderCredential, error) {
	var cred ProviderCredential
	err := s.db.WithContext(ctx).
		Where("gc_account_id = ? AND provider = ?", gcAccountId, provider).
		First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *CredentialStore) FindByID(ctx context.Context, id uint) (*ProviderCredential, error) {
	var cred ProviderCredential
	if err := s.db.WithContext(ctx).First(&cred, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.Errorf(utils.KindNotFound, "CredentialStore.FindByID", "credential %d not found", id)
		}
		return nil, err
	}
	return &cred, nil
}

// SaveConnected stores a credential from an OAuth callback or Connect onboarding,
// replacing any previous one for the tenant and bumping its version.
func (s *CredentialStore) SaveConnected(ctx context.Context, cred *ProviderCredential) error {
	cred.Status = CredentialStatusActive
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ProviderCredential
		err := tx.Where("gc_account_id = ? AND provider = ?", cred.GcAccountId, cred.Provider).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cred.TokenVersion = 1
			return tx.Create(cred).Error
		}
		if err != nil {
			return err
		}
		cred.ID = existing.ID
		cred.CreatedAt = existing.CreatedAt
		cred.TokenVersion = existing.TokenVersion + 1
		return tx.Model(&ProviderCredential{}).Where("id = ?", existing.ID).Updates(map[string]interface{}{
			"access_token":         cred.AccessToken,
			"refresh_token":        cred.RefreshToken,
			"token_type":           cred.TokenType,
			"expires_at":           cred.ExpiresAt,
			"refresh_expires_at":   cred.RefreshExpiresAt,
			"realm_id":             cred.RealmId,
			"status":               CredentialStatusActive,
			"token_version":        cred.TokenVersion,
			"connected_by_user_id": cred.ConnectedByUserId,
		}).Error
	})
}

// CompareAndSwapToken persists a refreshed token only if the credential still
// carries observedVersion. A false result means another refresh won; the caller
// should reload and use the stored token.
func (s *CredentialStore) CompareAndSwapToken(ctx context.Context, id uint, observedVersion int64, tok RefreshedToken) (bool, error) {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"access_token":      tok.AccessToken,
		"token_type":        tok.TokenType,
		"expires_at":        tok.ExpiresAt.UTC(),
		"token_version":     gorm.Expr("token_version + 1"),
		"last_refreshed_at": now,
	}
	// Intuit rotates refresh tokens; keep the stored one when none is returned.
	if tok.RefreshToken != "" {
		updates["refresh_token"] = tok.RefreshToken
	}
	res := s.db.WithContext(ctx).Model(&ProviderCredential{}).
		Where("id = ? AND token_version = ? AND status = ?", id, observedVersion, CredentialStatusActive).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *CredentialStore) Revoke(ctx context.Context, gcAccountId string, provider Provider) (bool, error) {
	res := s.db.WithContext(ctx).Model(&ProviderCredential{}).
		Where("gc_account_id = ? AND provider = ? AND status = ?", gcAccountId, provider, CredentialStatusActive).
		Updates(map[string]interface{}{
			"status":        CredentialStatusRevoked,
			"token_version": gorm.Expr("token_version + 1"),
		})
	return res.RowsAffected > 0, res.Error
}

// RevokeByRealm handles provider-side disconnects that only name the realm/account.
func (s *CredentialStore) RevokeByRealm(ctx context.Context, provider Provider, realmId string) (int64, error) {
	res := s.db.WithContext(ctx).Model(&ProviderCredential{}).
		Where("provider = ? AND realm_id = ? AND status = ?", provider, realmId, CredentialStatusActive).
		Updates(map[string]interface{}{
			"status":        CredentialStatusRevoked,
			"token_version": gorm.Expr("token_version + 1"),
		})
	return res.RowsAffected, res.Error
}

// FindByRealm resolves the tenant for provider events that carry only a realm id.
func (s *CredentialStore) FindByRealm(ctx context.Context, provider Provider, realmId string) (*ProviderCredential, error) {
	var cred ProviderCredential
	err := s.db.WithContext(ctx).
		Where("provider = ? AND realm_id = ? AND status = ?", provider, realmId, CredentialStatusActive).
		First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// ListExpiring returns active credentials whose access token expires before cutoff.
func (s *CredentialStore) ListExpiring(ctx context.Context, provider Provider, cutoff time.Time) ([]ProviderCredential, error) {
	var creds []ProviderCredential
	err := s.db.WithContext(ctx).
		Where("provider = ? AND status = ? AND expires_at IS NOT NULL AND expires_at < ?", provider, CredentialStatusActive, cutoff.UTC()).
		Order("expires_at").
		Find(&creds).Error
	return creds, err
}
