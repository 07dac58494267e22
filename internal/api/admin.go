package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jw6ventures/leadflow/internal/backfill"
	"github.com/jw6ventures/leadflow/internal/contacts"
	httperrors "github.com/jw6ventures/leadflow/internal/http/errors"
	"github.com/jw6ventures/leadflow/internal/store"
	"github.com/rs/zerolog/hlog"
)

// DefaultBackfillTimeout bounds a single backfill request.
const DefaultBackfillTimeout = 60 * time.Second

const maxAdminBodyBytes = 64 << 10

// Backfiller runs one backfill batch.
type Backfiller interface {
	Run(ctx context.Context, req backfill.Request) (*backfill.Result, error)
}

// ContactSyncer copies an account's CRM contacts locally.
type ContactSyncer interface {
	SyncAll(ctx context.Context, account *store.Account) (contacts.SyncResult, error)
}

type AdminHandler struct {
	accounts store.AccountRepository
	backfill Backfiller
	syncer   ContactSyncer
	timeout  time.Duration
}

func NewAdminHandler(accounts store.AccountRepository, b Backfiller, syncer ContactSyncer, timeout time.Duration) *AdminHandler {
	if timeout <= 0 {
		timeout = DefaultBackfillTimeout
	}
	return &AdminHandler{accounts: accounts, backfill: b, syncer: syncer, timeout: timeout}
}

type backfillRequest struct {
	AccountID string `json:"accountId"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	Skip      int    `json:"skip"`
	BatchSize int    `json:"batchSize"`
}

type adminResponse struct {
	Success bool `json:"success"`
	Results any  `json:"results"`
}

// BackfillCalls handles POST /admin/backfill-calls.
func (h *AdminHandler) BackfillCalls(w http.ResponseWriter, r *http.Request) {
	var body backfillRequest
	if err := decodeJSON(w, r, &body); err != nil {
		httperrors.BadRequest(w, r, err, "invalid JSON body")
		return
	}
	accountID, err := uuid.Parse(strings.TrimSpace(body.AccountID))
	if err != nil {
		httperrors.BadRequest(w, r, err, "accountId must be a UUID")
		return
	}
	start, err := parseDate(body.StartDate, false)
	if err != nil {
		httperrors.BadRequest(w, r, err, "invalid startDate")
		return
	}
	end, err := parseDate(body.EndDate, true)
	if err != nil {
		httperrors.BadRequest(w, r, err, "invalid endDate")
		return
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		httperrors.WriteError(w, http.StatusBadRequest, "endDate must not be before startDate")
		return
	}
	if body.Skip < 0 || body.BatchSize < 0 {
		httperrors.WriteError(w, http.StatusBadRequest, "skip and batchSize must not be negative")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	res, err := h.backfill.Run(ctx, backfill.Request{
		AccountID: accountID,
		StartDate: start,
		EndDate:   end,
		Skip:      body.Skip,
		BatchSize: body.BatchSize,
	})
	switch {
	case errors.Is(err, backfill.ErrAccountNotFound):
		httperrors.WriteError(w, http.StatusNotFound, "account not found")
		return
	case errors.Is(err, backfill.ErrAccountNotConnected):
		httperrors.WriteError(w, http.StatusBadRequest, "account is not connected to the CRM")
		return
	case errors.Is(err, context.DeadlineExceeded):
		hlog.FromRequest(r).Warn().Err(err).Msg("backfill timed out")
		httperrors.WriteError(w, http.StatusGatewayTimeout, "backfill timed out; retry with a smaller batchSize")
		return
	case err != nil:
		httperrors.InternalError(w, r, err, "backfill failed")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, adminResponse{Success: true, Results: res})
}

type syncRequest struct {
	AccountID string `json:"accountId"`
}

// SyncContacts handles POST /admin/sync-contacts.
func (h *AdminHandler) SyncContacts(w http.ResponseWriter, r *http.Request) {
	var body syncRequest
	if err := decodeJSON(w, r, &body); err != nil {
		httperrors.BadRequest(w, r, err, "invalid JSON body")
		return
	}
	accountID, err := uuid.Parse(strings.TrimSpace(body.AccountID))
	if err != nil {
		httperrors.BadRequest(w, r, err, "accountId must be a UUID")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	account, err := h.accounts.GetByID(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		httperrors.WriteError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to load account")
		return
	}

	res, err := h.syncer.SyncAll(ctx, account)
	if errors.Is(err, contacts.ErrNotConnected) {
		httperrors.WriteError(w, http.StatusBadRequest, "account is not connected to the CRM")
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "contact sync failed")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, adminResponse{Success: true, Results: res})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBodyBytes)).Decode(v)
}

// parseDate accepts RFC 3339 or yyyy-MM-dd. A bare end date covers the whole day.
func parseDate(s string, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 or yyyy-MM-dd, got %q", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
