package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/jw6ventures/leadflow/internal/attribution"
	httperrors "github.com/jw6ventures/leadflow/internal/http/errors"
	"github.com/jw6ventures/leadflow/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const maxBeaconBodyBytes = 32 << 10

// AttributionHandler accepts browser beacons. Every well-formed beacon is
// acknowledged with 202; storage problems are logged, never reported.
type AttributionHandler struct {
	store *store.Store
}

func NewAttributionHandler(s *store.Store) *AttributionHandler {
	return &AttributionHandler{store: s}
}

type beaconResponse struct {
	Status string `json:"status"`
}

// Collect handles POST /api/attribution.
func (h *AttributionHandler) Collect(w http.ResponseWriter, r *http.Request) {
	var payload attribution.Payload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBeaconBodyBytes)).Decode(&payload); err != nil {
		httperrors.BadRequest(w, r, err, "invalid JSON payload")
		return
	}
	fields := attribution.Sanitize(payload)

	accountID, err := uuid.Parse(fields.AccountID)
	if err != nil {
		httperrors.WriteError(w, http.StatusBadRequest, "account_id must be a UUID")
		return
	}

	logger := hlog.FromRequest(r).With().Str("account_id", accountID.String()).Logger()
	ctx := logger.WithContext(r.Context())

	if fields.Attribution.Fingerprint == nil {
		fp := attribution.Fingerprint(r.UserAgent(), r.Header.Get("Accept-Language"), deref(fields.SessionID))
		fields.Attribution.Fingerprint = &fp
	}

	if err := h.record(ctx, accountID, fields); err != nil {
		logger.Error().Err(err).Msg("attribution beacon not stored")
	}
	httperrors.WriteJSON(w, http.StatusAccepted, beaconResponse{Status: "accepted"})
}

func (h *AttributionHandler) record(ctx context.Context, accountID uuid.UUID, f attribution.Fields) error {
	if _, err := h.store.Accounts.GetByID(ctx, accountID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			zerolog.Ctx(ctx).Info().Msg("beacon for unknown account dropped")
			return nil
		}
		return err
	}

	err := h.store.AttributionEvents.Insert(ctx, store.AttributionEvent{
		AccountID:   accountID,
		EventType:   f.EventType,
		SessionID:   f.SessionID,
		PageURL:     f.PageURL,
		Email:       f.Email,
		Phone:       f.Phone,
		PixelFound:  f.PixelDetected,
		Attribution: f.Attribution,
	})
	if err != nil {
		return err
	}

	if f.Email == nil && f.Phone == nil {
		return nil
	}
	ids, err := h.store.Contacts.ApplyAttribution(ctx, accountID, f.Email, f.Phone, f.Attribution)
	if err != nil || len(ids) == 0 {
		return err
	}
	for _, table := range []store.BookingTable{store.TableAppointments, store.TableDiscoveries} {
		if err := h.store.Bookings(table).ApplyAttribution(ctx, accountID, ids, f.Attribution); err != nil {
			return err
		}
	}
	zerolog.Ctx(ctx).Debug().Int("contacts", len(ids)).Msg("attribution applied")
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
