package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/buildsync/config"
	"github.com/mmdatafocus/buildsync/metrics"
	"github.com/mmdatafocus/buildsync/models"
	"github.com/mmdatafocus/buildsync/utils"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// RefreshWindow is how close to expiry a token counts as expiring.
const RefreshWindow = 5 * time.Minute

const refreshLockTTL = 30 * time.Second

type TokenState int

const (
	TokenValid TokenState = iota
	TokenExpiring
	TokenExpired
)

func (s TokenState) String() string {
	switch s {
	case TokenExpiring:
		return "expiring"
	case TokenExpired:
		return "expired"
	}
	return "valid"
}

// StateOf classifies a credential's access token at now. Credentials without
// an expiry (Stripe) are always valid.
func StateOf(cred *models.ProviderCredential, now time.Time) TokenState {
	if cred.ExpiresAt == nil {
		return TokenValid
	}
	switch {
	case !now.Before(*cred.ExpiresAt):
		return TokenExpired
	case cred.ExpiresAt.Sub(now) <= RefreshWindow:
		return TokenExpiring
	}
	return TokenValid
}

// TokenManager refreshes QBO access tokens. Refreshes for one credential are
// collapsed in-process with singleflight and across replicas with a
// best-effort redis lock; the token_version compare-and-swap decides which
// refresh is persisted.
type TokenManager struct {
	creds  *models.CredentialStore
	oauth  *oauth2.Config
	http   *http.Client
	locker func() *redislock.Client
	now    func() time.Time
	group  singleflight.Group
	logger *logrus.Logger
	state  StateStore
}

func NewTokenManager(creds *models.CredentialStore, oauthCfg *oauth2.Config, httpClient *http.Client) *TokenManager {
	return &TokenManager{
		creds:  creds,
		oauth:  oauthCfg,
		http:   httpClient,
		locker: config.GetRedisLock,
		now:    time.Now,
		logger: config.GetLogger(),
		state:  RedisStateStore{},
	}
}

func NewTokenManagerFromConfig(creds *models.CredentialStore, httpClient *http.Client) *TokenManager {
	return NewTokenManager(creds, QBOOAuthConfig(), httpClient)
}

// QBOOAuthConfig is Intuit's OAuth 2.0 endpoint; client credentials go in a
// Basic auth header.
func QBOOAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     config.QBOClientID(),
		ClientSecret: config.QBOClientSecret(),
		RedirectURL:  config.QBORedirectURL(),
		Scopes:       []string{"com.intuit.quickbooks.accounting"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   config.QBOAuthURL(),
			TokenURL:  config.QBOTokenURL(),
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

func (m *TokenManager) WithClock(now func() time.Time) *TokenManager {
	m.now = now
	return m
}

func (m *TokenManager) WithStateStore(s StateStore) *TokenManager {
	m.state = s
	return m
}

func (m *TokenManager) oauthContext(ctx context.Context) context.Context {
	if m.http == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.http)
}

// EnsureFresh returns cred unchanged while its token is valid, otherwise a
// credential carrying a refreshed token. force refreshes regardless of expiry.
func (m *TokenManager) EnsureFresh(ctx context.Context, cred *models.ProviderCredential, force bool) (*models.ProviderCredential, error) {
	if !force && StateOf(cred, m.now()) == TokenValid {
		return cred, nil
	}
	key := strconv.FormatUint(uint64(cred.ID), 10)
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		return m.refresh(ctx, cred, force)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.ProviderCredential), nil
}

func (m *TokenManager) refresh(ctx context.Context, cred *models.ProviderCredential, force bool) (*models.ProviderCredential, error) {
	logger := m.logger.WithFields(logrus.Fields{
		"gc_account_id": cred.GcAccountId,
		"provider":      cred.Provider,
		"credential_id": cred.ID,
	})

	if lk := m.obtainLock(ctx, cred.ID); lk != nil {
		defer lk.Release(context.Background())
	}

	current, err := m.creds.FindByID(ctx, cred.ID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.Errorf(utils.KindReauthorizationRequired, "gateway.refresh", "%s connection was removed", cred.Provider.DisplayName())
		}
		return nil, utils.NewSyncError(utils.KindTransient, "gateway.refresh", err)
	}
	if current == nil || current.Status == models.CredentialStatusRevoked {
		return nil, utils.Errorf(utils.KindReauthorizationRequired, "gateway.refresh", "%s connection was revoked", cred.Provider.DisplayName())
	}
	// Another refresh committed while we waited.
	if current.TokenVersion != cred.TokenVersion && (force || StateOf(current, m.now()) == TokenValid) {
		return current, nil
	}
	if current.RefreshToken == "" {
		return nil, utils.Errorf(utils.KindReauthorizationRequired, "gateway.refresh", "%s connection has no refresh token", cred.Provider.DisplayName())
	}

	tok, err := m.oauth.TokenSource(m.oauthContext(ctx), &oauth2.Token{RefreshToken: current.RefreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 {
			metrics.TokenRefreshes.WithLabelValues(string(cred.Provider), "reauth").Inc()
			logger.WithField("error_code", re.ErrorCode).Warn("refresh token rejected")
			if re.ErrorCode == "invalid_grant" {
				if _, rerr := m.creds.Revoke(ctx, current.GcAccountId, current.Provider); rerr != nil {
					config.LogError(m.logger, "gateway", "refresh", "revoke credential", current.ID, rerr)
				}
			}
			return nil, utils.NewSyncError(utils.KindReauthorizationRequired, "gateway.refresh",
				fmt.Errorf("%s rejected the refresh token, reconnect required", cred.Provider.DisplayName()))
		}
		metrics.TokenRefreshes.WithLabelValues(string(cred.Provider), "error").Inc()
		return nil, utils.NewSyncError(utils.KindTransient, "gateway.refresh", err)
	}

	ok, err := m.creds.CompareAndSwapToken(ctx, current.ID, current.TokenVersion, models.RefreshedToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	})
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(string(cred.Provider), "error").Inc()
		return nil, utils.NewSyncError(utils.KindTransient, "gateway.refresh", err)
	}
	if !ok {
		metrics.TokenRefreshes.WithLabelValues(string(cred.Provider), "lost_race").Inc()
		logger.Info("token refresh lost the version race, using the committed token")
	} else {
		metrics.TokenRefreshes.WithLabelValues(string(cred.Provider), "committed").Inc()
		logger.Info("token refreshed")
	}

	latest, err := m.creds.FindByID(ctx, cred.ID)
	if err != nil {
		return nil, utils.NewSyncError(utils.KindTransient, "gateway.refresh", err)
	}
	if latest == nil || latest.Status == models.CredentialStatusRevoked {
		return nil, utils.Errorf(utils.KindReauthorizationRequired, "gateway.refresh", "%s connection was revoked", cred.Provider.DisplayName())
	}
	return latest, nil
}

// obtainLock returns nil when redis is not configured or the lock is busy;
// the compare-and-swap still protects the stored token.
func (m *TokenManager) obtainLock(ctx context.Context, id uint) *redislock.Lock {
	if m.locker == nil {
		return nil
	}
	client := m.locker()
	if client == nil {
		return nil
	}
	lk, err := client.Obtain(ctx, fmt.Sprintf("provider-token-refresh:%d", id), refreshLockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(200*time.Millisecond), 25),
	})
	if err != nil {
		if !errors.Is(err, redislock.ErrNotObtained) {
			config.LogError(m.logger, "gateway", "obtainLock", "token refresh lock", id, err)
		}
		return nil
	}
	return lk
}

// RefreshExpiring refreshes every active QBO credential expiring before cutoff.
func (m *TokenManager) RefreshExpiring(ctx context.Context, within time.Duration) (int, error) {
	creds, err := m.creds.ListExpiring(ctx, models.ProviderQBO, m.now().Add(within))
	if err != nil {
		return 0, err
	}
	refreshed := 0
	var errs error
	for i := range creds {
		if _, err := m.EnsureFresh(ctx, &creds[i], true); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("credential %d: %w", creds[i].ID, err))
			continue
		}
		refreshed++
	}
	return refreshed, errs
}
