// Package location maps CRM location ids onto tenant accounts and repairs
// stale location ids by probing what each OAuth connection can see.
package location

import (
	"context"
	"errors"
	"fmt"

	"github.com/jw6ventures/leadflow/internal/crm"
	"github.com/jw6ventures/leadflow/internal/metrics"
	"github.com/jw6ventures/leadflow/internal/store"
	"github.com/rs/zerolog"
)

// TokenSource issues access tokens for an account.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, account *store.Account, forceRefresh bool) (string, error)
}

// LocationLister lists the locations a token can access.
type LocationLister interface {
	ListLocations(ctx context.Context, token string) ([]crm.Location, error)
}

type Resolver struct {
	accounts store.AccountRepository
	tokens   TokenSource
	crm      LocationLister
}

func NewResolver(accounts store.AccountRepository, tokens TokenSource, client LocationLister) *Resolver {
	return &Resolver{accounts: accounts, tokens: tokens, crm: client}
}

// ResolveAccountForLocation returns the account owning locationID, or nil when no
// connected account can access it. A match found by probing is persisted so later
// lookups take the exact-match path.
func (r *Resolver) ResolveAccountForLocation(ctx context.Context, locationID string) (*store.Account, error) {
	logger := zerolog.Ctx(ctx).With().Str("location_id", locationID).Logger()
	if locationID == "" {
		return nil, nil
	}

	account, err := r.accounts.GetByLocationID(ctx, locationID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup account by location: %w", err)
	}

	candidates, err := r.accounts.ListOAuthConnected(ctx)
	if err != nil {
		return nil, fmt.Errorf("list oauth accounts: %w", err)
	}

	for i := range candidates {
		candidate := &candidates[i]
		found, err := r.canAccess(ctx, candidate, locationID)
		if err != nil {
			logger.Warn().Err(err).Str("account_id", candidate.ID.String()).Msg("location probe failed")
			metrics.LocationRecovery("probe_error")
			continue
		}
		if !found {
			continue
		}
		if err := r.accounts.SetLocationID(ctx, candidate.ID, locationID); err != nil {
			return nil, fmt.Errorf("persist recovered location: %w", err)
		}
		candidate.LocationID = &locationID
		logger.Info().Str("account_id", candidate.ID.String()).Msg("recovered account location")
		metrics.LocationRecovery("recovered")
		return candidate, nil
	}

	logger.Info().Int("candidates", len(candidates)).Msg("no connected account can access location")
	metrics.LocationRecovery("unresolved")
	return nil, nil
}

func (r *Resolver) canAccess(ctx context.Context, account *store.Account, locationID string) (bool, error) {
	token, err := r.tokens.GetValidAccessToken(ctx, account, false)
	if err != nil {
		return false, err
	}
	locations, err := r.crm.ListLocations(ctx, token)
	if errors.Is(err, crm.ErrUnauthorized) {
		if token, err = r.tokens.GetValidAccessToken(ctx, account, true); err != nil {
			return false, err
		}
		locations, err = r.crm.ListLocations(ctx, token)
	}
	if err != nil {
		return false, err
	}
	for _, loc := range locations {
		if loc.ID == locationID {
			return true, nil
		}
	}
	return false, nil
}
