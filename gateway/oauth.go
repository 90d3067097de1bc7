package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/buildsync/config"
	"github.com/mmdatafocus/buildsync/models"
	"github.com/mmdatafocus/buildsync/utils"
	"golang.org/x/oauth2"
)

const (
	oauthStateTTL    = 10 * time.Minute
	oauthStatePrefix = "qbo-oauth-state:"
)

// StateStore keeps one-shot OAuth state values between the connect redirect
// and the callback.
type StateStore interface {
	Put(ctx context.Context, key string, value string, ttl time.Duration) error
	Take(ctx context.Context, key string) (string, bool, error)
}

type RedisStateStore struct{}

func (RedisStateStore) Put(ctx context.Context, key string, value string, ttl time.Duration) error {
	if config.GetRedisDB() == nil {
		return errors.New("redis is not configured")
	}
	return config.SetRedisValue(ctx, key, value, ttl)
}

func (RedisStateStore) Take(ctx context.Context, key string) (string, bool, error) {
	return config.TakeRedisValue(ctx, key)
}

type connectState struct {
	GcAccountId string `json:"gc_account_id"`
	UserId      string `json:"user_id"`
}

// AuthCodeURL starts the QuickBooks connect flow for a tenant.
func (m *TokenManager) AuthCodeURL(ctx context.Context, gcAccountId, userId string) (string, error) {
	state := uuid.NewString()
	raw, err := json.Marshal(connectState{GcAccountId: gcAccountId, UserId: userId})
	if err != nil {
		return "", err
	}
	if err := m.state.Put(ctx, oauthStatePrefix+state, string(raw), oauthStateTTL); err != nil {
		return "", utils.NewSyncError(utils.KindTransient, "gateway.AuthCodeURL", err)
	}
	return m.oauth.AuthCodeURL(state), nil
}

// CompleteConnect exchanges the callback code and stores the tenant's credential.
func (m *TokenManager) CompleteConnect(ctx context.Context, state, code, realmId string) (*models.ProviderCredential, error) {
	if state == "" || code == "" || realmId == "" {
		return nil, utils.Errorf(utils.KindValidation, "gateway.CompleteConnect", "state, code and realmId are required")
	}
	raw, ok, err := m.state.Take(ctx, oauthStatePrefix+state)
	if err != nil {
		return nil, utils.NewSyncError(utils.KindTransient, "gateway.CompleteConnect", err)
	}
	if !ok {
		return nil, utils.Errorf(utils.KindValidation, "gateway.CompleteConnect", "connect request expired or was already used")
	}
	var cs connectState
	if err := json.Unmarshal([]byte(raw), &cs); err != nil || cs.GcAccountId == "" {
		return nil, utils.Errorf(utils.KindValidation, "gateway.CompleteConnect", "connect request is malformed")
	}

	tok, err := m.oauth.Exchange(m.oauthContext(ctx), code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < 500 {
			return nil, utils.NewSyncError(utils.KindValidation, "gateway.CompleteConnect", err)
		}
		return nil, utils.NewSyncError(utils.KindTransient, "gateway.CompleteConnect", err)
	}

	now := m.now().UTC()
	expiry := tok.Expiry
	cred := &models.ProviderCredential{
		GcAccountId:       cs.GcAccountId,
		Provider:          models.ProviderQBO,
		AccessToken:       tok.AccessToken,
		RefreshToken:      tok.RefreshToken,
		TokenType:         tok.TokenType,
		ExpiresAt:         &expiry,
		RealmId:           realmId,
		ConnectedByUserId: cs.UserId,
		LastRefreshedAt:   &now,
	}
	if secs, ok := tok.Extra("x_refresh_token_expires_in").(float64); ok && secs > 0 {
		t := now.Add(time.Duration(secs) * time.Second)
		cred.RefreshExpiresAt = &t
	}
	if err := m.creds.SaveConnected(ctx, cred); err != nil {
		return nil, err
	}
	m.logger.WithField("gc_account_id", cred.GcAccountId).WithField("realm_id", realmId).Info("QuickBooks connected")
	return cred, nil
}
