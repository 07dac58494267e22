// Package api holds the HTTP handlers for webhook ingestion, admin operations
// and the attribution beacon.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	httperrors "github.com/jw6ventures/leadflow/internal/http/errors"
	"github.com/jw6ventures/leadflow/internal/http/signature"
	"github.com/jw6ventures/leadflow/internal/ingest"
	"github.com/jw6ventures/leadflow/internal/metrics"
	"github.com/jw6ventures/leadflow/internal/replay"
	"github.com/jw6ventures/leadflow/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// DefaultMaxBodyBytes caps webhook bodies when no limit is configured.
const DefaultMaxBodyBytes = 1 << 20

// AccountResolver maps a CRM location to its account.
type AccountResolver interface {
	ResolveAccountForLocation(ctx context.Context, locationID string) (*store.Account, error)
}

// CallHandler processes call events.
type CallHandler interface {
	Process(ctx context.Context, account *store.Account, ev ingest.CallEvent) (ingest.CallOutcome, error)
}

// AppointmentHandler processes appointment events.
type AppointmentHandler interface {
	Process(ctx context.Context, account *store.Account, ev ingest.AppointmentEvent) (ingest.AppointmentOutcome, error)
	ProcessDelete(ctx context.Context, account *store.Account, ev ingest.AppointmentEvent) (ingest.DeleteOutcome, error)
}

type WebhookHandler struct {
	verifier     signature.Verifier
	replay       replay.Guard
	locations    AccountResolver
	calls        CallHandler
	appointments AppointmentHandler
	maxBodyBytes int64
}

func NewWebhookHandler(verifier signature.Verifier, guard replay.Guard, locations AccountResolver, calls CallHandler, appointments AppointmentHandler, maxBodyBytes int64) *WebhookHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &WebhookHandler{
		verifier:     verifier,
		replay:       guard,
		locations:    locations,
		calls:        calls,
		appointments: appointments,
		maxBodyBytes: maxBodyBytes,
	}
}

type webhookResponse struct {
	Message string `json:"message"`
	Outcome any    `json:"outcome,omitempty"`
}

// ServeHTTP handles POST /webhook/call-events. Skipped events answer 200 so the
// CRM does not retry them.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httperrors.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		httperrors.BadRequest(w, r, err, "could not read body")
		return
	}

	if err := h.verifier.Verify(r.Header, body); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("webhook signature rejected")
		metrics.WebhookEvent("unknown", "unauthorized")
		httperrors.WriteError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.WebhookEvent("unknown", "invalid_json")
		httperrors.BadRequest(w, r, err, "invalid JSON payload")
		return
	}

	logger := hlog.FromRequest(r).With().
		Str("event_type", payload.Type).
		Str("location_id", payload.LocationID).
		Logger()
	ctx := logger.WithContext(r.Context())
	if bad := payload.invalidTimestamps(); len(bad) > 0 {
		logger.Warn().Interface("timestamps", bad).Msg("unparseable timestamps ignored")
	}

	if resp, ok := filterEvent(ctx, payload); !ok {
		httperrors.WriteJSON(w, http.StatusOK, resp)
		return
	}

	key := replayKey(r, payload)
	if h.isReplay(ctx, key) {
		metrics.WebhookEvent(payload.Type, "duplicate")
		httperrors.WriteJSON(w, http.StatusOK, webhookResponse{Message: "duplicate delivery ignored"})
		return
	}

	status, resp, err := h.dispatch(ctx, payload)
	if err != nil {
		h.forget(ctx, key)
		metrics.WebhookEvent(payload.Type, "error")
		httperrors.InternalError(w, r, err, "failed to process webhook")
		return
	}
	httperrors.WriteJSON(w, status, resp)
}

// filterEvent reports whether the event is one we process. Ignored events are
// answered before they claim a replay key.
func filterEvent(ctx context.Context, payload webhookPayload) (webhookResponse, bool) {
	switch payload.Type {
	case EventOutboundMessage, EventInboundMessage:
		if !payload.isCall() {
			metrics.WebhookEvent(payload.Type, "ignored")
			return webhookResponse{Message: "non-call message ignored"}, false
		}
	case EventAppointmentCreate, EventAppointmentDelete:
	default:
		zerolog.Ctx(ctx).Info().Msg("unsupported webhook event type")
		metrics.WebhookEvent("unsupported", "ignored")
		return webhookResponse{Message: "unsupported event type"}, false
	}
	return webhookResponse{}, true
}

func replayKey(r *http.Request, payload webhookPayload) string {
	if payload.WebhookID != "" {
		return payload.WebhookID
	}
	return r.Header.Get(signature.HeaderSignature)
}

func (h *WebhookHandler) isReplay(ctx context.Context, key string) bool {
	if h.replay == nil || key == "" {
		return false
	}
	first, err := h.replay.FirstSeen(ctx, key)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("replay guard unavailable; processing delivery")
		return false
	}
	return !first
}

// forget releases the key of a failed delivery so the CRM's retry is processed.
func (h *WebhookHandler) forget(ctx context.Context, key string) {
	if h.replay == nil || key == "" {
		return
	}
	if err := h.replay.Forget(ctx, key); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("could not release replay key; retry may be dropped")
	}
}

func (h *WebhookHandler) dispatch(ctx context.Context, payload webhookPayload) (int, webhookResponse, error) {
	logger := zerolog.Ctx(ctx)

	account, err := h.locations.ResolveAccountForLocation(ctx, payload.LocationID)
	if err != nil {
		return 0, webhookResponse{}, err
	}
	if account == nil {
		logger.Warn().Msg("no account for location; event skipped")
		metrics.WebhookEvent(payload.Type, "unknown_location")
		return http.StatusOK, webhookResponse{Message: "no account for location; event skipped"}, nil
	}
	ctx = logger.With().Str("account_id", account.ID.String()).Logger().WithContext(ctx)

	var outcome any
	switch payload.Type {
	case EventAppointmentCreate:
		out, err := h.appointments.Process(ctx, account, payload.appointmentEvent())
		if err != nil {
			return 0, webhookResponse{}, err
		}
		outcome = out
		if out.Skipped {
			metrics.WebhookEvent(payload.Type, out.Reason)
			return http.StatusOK, webhookResponse{Message: "appointment skipped", Outcome: out}, nil
		}
	case EventAppointmentDelete:
		out, err := h.appointments.ProcessDelete(ctx, account, payload.appointmentEvent())
		if err != nil {
			return 0, webhookResponse{}, err
		}
		outcome = out
	default:
		out, err := h.calls.Process(ctx, account, payload.callEvent())
		if err != nil {
			return 0, webhookResponse{}, err
		}
		outcome = out
		if out.Skipped {
			metrics.WebhookEvent(payload.Type, out.Reason)
			return http.StatusOK, webhookResponse{Message: "call skipped", Outcome: out}, nil
		}
	}

	metrics.WebhookEvent(payload.Type, "processed")
	return http.StatusOK, webhookResponse{Message: "processed", Outcome: outcome}, nil
}
