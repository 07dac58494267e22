package contacts

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/jw6ventures/leadflow/internal/crm"
	"github.com/jw6ventures/leadflow/internal/store"
	"github.com/rs/zerolog"
)

// DefaultPageLimit is the search page size used by SyncAll.
const DefaultPageLimit = 100

// DefaultMaxPages bounds SyncAll against a cursor that never terminates.
const DefaultMaxPages = 10000

// ErrNotConnected is returned when the account has no usable CRM connection.
var ErrNotConnected = errors.New("account is not connected to the crm")

// ContactSearcher pages through a location's contacts.
type ContactSearcher interface {
	SearchContacts(ctx context.Context, token string, query crm.SearchQuery) (*crm.ContactPage, error)
}

// TokenSource issues access tokens for an account.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, account *store.Account, forceRefresh bool) (string, error)
}

type SyncResult struct {
	Pages    int `json:"pages"`
	Synced   int `json:"synced"`
	Failed   int `json:"failed"`
	Reported int `json:"reported"`
}

// Syncer copies every contact of an account's location into the local table.
type Syncer struct {
	service   *Service
	tokens    TokenSource
	crm       ContactSearcher
	pageLimit int
	maxPages  int
}

func NewSyncer(service *Service, tokens TokenSource, client ContactSearcher) *Syncer {
	return &Syncer{service: service, tokens: tokens, crm: client, pageLimit: DefaultPageLimit, maxPages: DefaultMaxPages}
}

// SyncAll walks the search cursor until exhausted. Individual upsert failures are
// counted and skipped; a page fetch failure stops the walk. A cursor that repeats
// ends the walk, and running past maxPages is an error.
func (s *Syncer) SyncAll(ctx context.Context, account *store.Account) (SyncResult, error) {
	var res SyncResult
	if !account.IsCRMConnected() {
		return res, ErrNotConnected
	}
	logger := zerolog.Ctx(ctx).With().Str("account_id", account.ID.String()).Logger()

	token, err := s.tokens.GetValidAccessToken(ctx, account, false)
	if err != nil {
		return res, fmt.Errorf("access token: %w", err)
	}

	query := crm.SearchQuery{LocationID: *account.LocationID, PageLimit: s.pageLimit}
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		page, err := s.crm.SearchContacts(ctx, token, query)
		if err != nil {
			return res, fmt.Errorf("search contacts page %d: %w", res.Pages+1, err)
		}
		res.Pages++
		if page.Total > res.Reported {
			res.Reported = page.Total
		}

		for _, c := range page.Contacts {
			if _, err := s.service.UpsertContact(ctx, c, account.ID, account.Timezone); err != nil {
				logger.Warn().Err(err).Str("ghl_contact_id", c.ID).Msg("contact sync failed")
				res.Failed++
				continue
			}
			res.Synced++
		}

		next := page.NextSearchAfter(s.pageLimit)
		if next == nil {
			break
		}
		if reflect.DeepEqual(next, query.SearchAfter) {
			logger.Warn().Interface("search_after", next).Msg("contact search cursor repeated; stopping sync")
			break
		}
		if res.Pages >= s.maxPages {
			return res, fmt.Errorf("search contacts: more than %d pages", s.maxPages)
		}
		query.SearchAfter = next
	}

	logger.Info().Int("synced", res.Synced).Int("failed", res.Failed).Int("pages", res.Pages).Msg("contact sync finished")
	return res, nil
}
