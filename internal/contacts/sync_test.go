package contacts

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jw6ventures/leadflow/internal/crm"
	"github.com/jw6ventures/leadflow/internal/store"
	"github.com/jw6ventures/leadflow/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens struct{}

func (staticTokens) GetValidAccessToken(context.Context, *store.Account, bool) (string, error) {
	return "tok", nil
}

type pagedSearcher struct {
	pages   [][]crm.Contact
	queries []crm.SearchQuery
	failAt  int
}

func (p *pagedSearcher) SearchContacts(_ context.Context, _ string, q crm.SearchQuery) (*crm.ContactPage, error) {
	p.queries = append(p.queries, q)
	idx := len(p.queries) - 1
	if p.failAt > 0 && idx+1 == p.failAt {
		return nil, errors.New("upstream down")
	}
	if idx >= len(p.pages) {
		return &crm.ContactPage{}, nil
	}
	return &crm.ContactPage{Contacts: p.pages[idx], Total: 5}, nil
}

func contactsRange(from, to int) []crm.Contact {
	var out []crm.Contact
	for i := from; i < to; i++ {
		id := fmt.Sprintf("c-%d", i)
		out = append(out, crm.Contact{ID: id, SearchAfter: []any{i, id}})
	}
	return out
}

func connectedAccount() *store.Account {
	loc := "loc-1"
	key := "key"
	return &store.Account{AuthType: store.AuthTypeAPIKey, APIKey: &key, LocationID: &loc}
}

func TestSyncAllFollowsSearchAfter(t *testing.T) {
	db := memstore.NewDB()
	searcher := &pagedSearcher{pages: [][]crm.Contact{contactsRange(0, 2), contactsRange(2, 4), contactsRange(4, 5)}}
	syncer := NewSyncer(NewService(db.Store().Contacts, nil), staticTokens{}, searcher)
	syncer.pageLimit = 2

	res, err := syncer.SyncAll(context.Background(), connectedAccount())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Pages: 3, Synced: 5, Reported: 5}, res)
	assert.Len(t, db.Contacts(), 5)

	require.Len(t, searcher.queries, 3)
	assert.Nil(t, searcher.queries[0].SearchAfter)
	assert.Equal(t, []any{1, "c-1"}, searcher.queries[1].SearchAfter)
	assert.Equal(t, "loc-1", searcher.queries[2].LocationID)
}

func TestSyncAllCountsBadContacts(t *testing.T) {
	db := memstore.NewDB()
	page := append(contactsRange(0, 1), crm.Contact{})
	syncer := NewSyncer(NewService(db.Store().Contacts, nil), staticTokens{}, &pagedSearcher{pages: [][]crm.Contact{page}})

	res, err := syncer.SyncAll(context.Background(), connectedAccount())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Failed)
}

func TestSyncAllStopsOnPageError(t *testing.T) {
	db := memstore.NewDB()
	searcher := &pagedSearcher{pages: [][]crm.Contact{contactsRange(0, 2)}, failAt: 2}
	syncer := NewSyncer(NewService(db.Store().Contacts, nil), staticTokens{}, searcher)
	syncer.pageLimit = 2

	res, err := syncer.SyncAll(context.Background(), connectedAccount())
	require.Error(t, err)
	assert.Equal(t, 2, res.Synced)
}

// loopingSearcher returns full pages forever; a fixed cursor repeats it.
type loopingSearcher struct {
	calls  int
	cursor []any
}

func (l *loopingSearcher) SearchContacts(_ context.Context, _ string, _ crm.SearchQuery) (*crm.ContactPage, error) {
	l.calls++
	page := contactsRange(l.calls*2, l.calls*2+2)
	if l.cursor != nil {
		page[len(page)-1].SearchAfter = l.cursor
	}
	return &crm.ContactPage{Contacts: page}, nil
}

func TestSyncAllStopsWhenCursorRepeats(t *testing.T) {
	searcher := &loopingSearcher{cursor: []any{7, "c-7"}}
	syncer := NewSyncer(NewService(memstore.NewDB().Store().Contacts, nil), staticTokens{}, searcher)
	syncer.pageLimit = 2

	res, err := syncer.SyncAll(context.Background(), connectedAccount())
	require.NoError(t, err)
	assert.Equal(t, 2, searcher.calls)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 4, res.Synced)
}

func TestSyncAllGivesUpAfterMaxPages(t *testing.T) {
	searcher := &loopingSearcher{}
	syncer := NewSyncer(NewService(memstore.NewDB().Store().Contacts, nil), staticTokens{}, searcher)
	syncer.pageLimit = 2
	syncer.maxPages = 3

	res, err := syncer.SyncAll(context.Background(), connectedAccount())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than 3 pages")
	assert.Equal(t, 3, searcher.calls)
	assert.Equal(t, 3, res.Pages)
}

func TestSyncAllRequiresConnection(t *testing.T) {
	syncer := NewSyncer(NewService(memstore.NewDB().Store().Contacts, nil), staticTokens{}, &pagedSearcher{})
	_, err := syncer.SyncAll(context.Background(), &store.Account{AuthType: store.AuthTypeAPIKey})
	assert.ErrorIs(t, err, ErrNotConnected)
}
