package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jw6ventures/leadflow/internal/backfill"
	"github.com/jw6ventures/leadflow/internal/contacts"
	"github.com/jw6ventures/leadflow/internal/store"
	"github.com/jw6ventures/leadflow/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackfill struct {
	req      backfill.Request
	err      error
	deadline bool
}

func (f *fakeBackfill) Run(ctx context.Context, req backfill.Request) (*backfill.Result, error) {
	f.req = req
	_, f.deadline = ctx.Deadline()
	if f.err != nil {
		return nil, f.err
	}
	next := req.Skip + 50
	return &backfill.Result{Total: 120, BatchTotal: 50, HasMore: true, NextSkip: &next, Processed: 50}, nil
}

type fakeSyncer struct {
	account *store.Account
}

func (f *fakeSyncer) SyncAll(_ context.Context, account *store.Account) (contacts.SyncResult, error) {
	f.account = account
	if !account.IsCRMConnected() {
		return contacts.SyncResult{}, contacts.ErrNotConnected
	}
	return contacts.SyncResult{Pages: 1, Synced: 3}, nil
}

func adminPost(handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/admin/x", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestBackfillCallsSuccess(t *testing.T) {
	fb := &fakeBackfill{}
	h := NewAdminHandler(nil, fb, nil, 0)
	id := uuid.New()

	rec := adminPost(h.BackfillCalls, `{"accountId":"`+id.String()+`","startDate":"2024-01-01","endDate":"2024-01-31","skip":50,"batchSize":50}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	results := body["results"].(map[string]any)
	assert.Equal(t, float64(100), results["nextSkip"])
	assert.Equal(t, true, results["hasMore"])

	assert.Equal(t, id, fb.req.AccountID)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), fb.req.StartDate)
	assert.Equal(t, time.Date(2024, 1, 31, 23, 59, 59, 999999999, time.UTC), fb.req.EndDate)
	assert.True(t, fb.deadline)
}

func TestBackfillCallsErrors(t *testing.T) {
	id := uuid.New().String()
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"bad account id", `{"accountId":"nope"}`, nil, http.StatusBadRequest},
		{"bad date", `{"accountId":"` + id + `","startDate":"01/02/2024"}`, nil, http.StatusBadRequest},
		{"reversed range", `{"accountId":"` + id + `","startDate":"2024-02-01","endDate":"2024-01-01"}`, nil, http.StatusBadRequest},
		{"negative skip", `{"accountId":"` + id + `","skip":-1}`, nil, http.StatusBadRequest},
		{"unknown account", `{"accountId":"` + id + `"}`, backfill.ErrAccountNotFound, http.StatusNotFound},
		{"not connected", `{"accountId":"` + id + `"}`, backfill.ErrAccountNotConnected, http.StatusBadRequest},
		{"timeout", `{"accountId":"` + id + `"}`, context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"crm failure", `{"accountId":"` + id + `"}`, assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewAdminHandler(nil, &fakeBackfill{err: tc.err}, nil, time.Second)
			rec := adminPost(h.BackfillCalls, tc.body)
			assert.Equal(t, tc.status, rec.Code)
			assert.NotEmpty(t, decodeBody(t, rec)["error"])
		})
	}
}

func TestSyncContacts(t *testing.T) {
	db := memstore.NewDB()
	loc, key := "loc-1", "key"
	connected := db.PutAccount(store.Account{AuthType: store.AuthTypeAPIKey, APIKey: &key, LocationID: &loc})
	bare := db.PutAccount(store.Account{AuthType: store.AuthTypeAPIKey})
	syncer := &fakeSyncer{}
	h := NewAdminHandler(db.Store().Accounts, nil, syncer, 0)

	rec := adminPost(h.SyncContacts, `{"accountId":"`+connected.ID.String()+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), decodeBody(t, rec)["results"].(map[string]any)["synced"])
	assert.Equal(t, connected.ID, syncer.account.ID)

	rec = adminPost(h.SyncContacts, `{"accountId":"`+bare.ID.String()+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = adminPost(h.SyncContacts, `{"accountId":"`+uuid.New().String()+`"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
