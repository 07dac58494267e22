// Package tokens keeps CRM access tokens fresh for OAuth-connected accounts.
package tokens

import (
	"context"
	"time"

	"github.com/jw6ventures/leadflow/internal/metrics"
	"github.com/jw6ventures/leadflow/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// DefaultSkew is how long before expiry a token is treated as expired.
const DefaultSkew = 2 * time.Minute

// defaultLifetime applies when the token endpoint omits expires_in.
const defaultLifetime = time.Hour

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Manager hands out access tokens, refreshing them when they are near expiry.
// Concurrent refreshes for the same account are not coordinated; the last
// persisted pair wins.
type Manager struct {
	accounts  store.AccountRepository
	refresher Refresher
	skew      time.Duration
	now       func() time.Time
}

func NewManager(accounts store.AccountRepository, refresher Refresher) *Manager {
	return &Manager{
		accounts:  accounts,
		refresher: refresher,
		skew:      DefaultSkew,
		now:       time.Now,
	}
}

// GetValidAccessToken returns a token usable for CRM calls, or "" when the account
// has none. Refresh failures degrade to the stored token instead of failing.
func (m *Manager) GetValidAccessToken(ctx context.Context, account *store.Account, forceRefresh bool) (string, error) {
	if account == nil {
		return "", nil
	}
	if account.AuthType != store.AuthTypeOAuth2 {
		return deref(account.APIKey), nil
	}

	current := deref(account.AccessToken)
	if !forceRefresh && !m.needsRefresh(account) {
		return current, nil
	}

	logger := zerolog.Ctx(ctx).With().Str("account_id", account.ID.String()).Logger()

	refreshToken := deref(account.RefreshToken)
	if refreshToken == "" {
		logger.Warn().Msg("access token needs refresh but no refresh token is stored")
		metrics.TokenRefresh("missing_refresh_token")
		return current, nil
	}

	tok, err := m.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		logger.Warn().Err(err).Msg("token refresh failed; using stored access token")
		metrics.TokenRefresh("failed")
		return current, nil
	}

	now := m.now()
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = now.Add(defaultLifetime)
	}
	if tok.RefreshToken != "" {
		refreshToken = tok.RefreshToken
	}

	update := store.TokenUpdate{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt.UTC(),
	}
	if err := m.accounts.UpdateTokens(ctx, account.ID, update); err != nil {
		logger.Error().Err(err).Msg("persist refreshed tokens")
		metrics.TokenRefresh("persist_failed")
		// The new token is still valid for this call.
	} else {
		metrics.TokenRefresh("ok")
	}

	account.AccessToken = &update.AccessToken
	account.RefreshToken = &update.RefreshToken
	account.TokenExpiresAt = &update.ExpiresAt
	logger.Debug().Time("expires_at", update.ExpiresAt).Msg("access token refreshed")
	return update.AccessToken, nil
}

func (m *Manager) needsRefresh(account *store.Account) bool {
	if deref(account.AccessToken) == "" || account.TokenExpiresAt == nil {
		return true
	}
	return !m.now().Before(account.TokenExpiresAt.Add(-m.skew))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
