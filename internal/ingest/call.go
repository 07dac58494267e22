package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jw6ventures/leadflow/internal/metrics"
	"github.com/jw6ventures/leadflow/internal/store"
	"github.com/rs/zerolog"
)

// Stage is the furthest step an event reached.
type Stage string

const (
	StageReceived          Stage = "received"
	StageDirectionFiltered Stage = "direction-filtered"
	StageSetterResolved    Stage = "setter-resolved"
	StageContactResolved   Stage = "contact-resolved"
	StageDialUpserted      Stage = "dial-upserted"
	StageAppointmentLinked Stage = "appointment-linked"
)

type CallOutcome struct {
	Stage         Stage      `json:"stage"`
	Skipped       bool       `json:"skipped,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	DialID        *uuid.UUID `json:"dialId,omitempty"`
	Answered      bool       `json:"answered"`
	Meaningful    bool       `json:"meaningfulConversation"`
	SetterName    string     `json:"setterName,omitempty"`
	AppointmentID *uuid.UUID `json:"appointmentId,omitempty"`
}

// CallProcessor stores outbound calls as dials and links them to appointments.
type CallProcessor struct {
	resolver
	tokens       TokenSource
	dials        store.DialRepository
	appointments store.BookingRepository
	now          func() time.Time
}

func NewCallProcessor(s *store.Store, tokens TokenSource, users UserDirectory, contacts ContactEnsurer) *CallProcessor {
	return &CallProcessor{
		resolver:     resolver{users: users, contacts: contacts, profiles: s.Profiles},
		tokens:       tokens,
		dials:        s.Dials,
		appointments: s.Appointments,
		now:          time.Now,
	}
}

// Process runs one call event for an already resolved account. Replaying the same
// event leaves a single dial carrying the latest values.
func (p *CallProcessor) Process(ctx context.Context, account *store.Account, ev CallEvent) (CallOutcome, error) {
	out := CallOutcome{Stage: StageReceived}
	logger := zerolog.Ctx(ctx).With().
		Str("account_id", account.ID.String()).
		Str("ghl_message_id", ev.MessageID).
		Logger()

	if !ev.IsOutbound() {
		out.Skipped, out.Reason = true, "inbound"
		logger.Debug().Str("direction", ev.Direction).Msg("skipping non-outbound call")
		return out, nil
	}
	out.Stage = StageDirectionFiltered

	token, err := p.tokens.GetValidAccessToken(ctx, account, false)
	if err != nil {
		return out, fmt.Errorf("access token: %w", err)
	}

	setter, err := p.resolveUser(ctx, account, token, ev.UserID)
	if err != nil {
		return out, err
	}
	out.Stage, out.SetterName = StageSetterResolved, setter.Name

	contact, err := p.resolveContact(ctx, account, token, ev.ContactID)
	if err != nil {
		return out, fmt.Errorf("resolve contact: %w", err)
	}
	out.Stage = StageContactResolved

	calledAt := ev.DateAdded
	if calledAt.IsZero() {
		calledAt = p.now()
	}
	dial := store.Dial{
		AccountID:              account.ID,
		GHLMessageID:           optional(ev.MessageID),
		GHLContactID:           optional(ev.ContactID),
		SetterName:             setter.Name,
		SetterUserID:           setter.UserID,
		DateCalled:             calledAt.UTC(),
		Duration:               ev.Duration,
		CallStatus:             optional(ev.Status),
		Direction:              DirectionOutbound,
		RecordingURL:           optional(ev.RecordingURL),
		Answered:               Answered(ev.Duration),
		MeaningfulConversation: Meaningful(ev.Duration),
	}
	if contact != nil {
		dial.ContactID = &contact.ID
		dial.ContactName = contact.Name
		dial.Email, dial.Phone = contact.Email, contact.Phone
	}

	saved, err := p.dials.ReplaceByMessageID(ctx, dial)
	if err != nil {
		return out, fmt.Errorf("save dial: %w", err)
	}
	metrics.DialUpserted()
	out.Stage, out.DialID = StageDialUpserted, &saved.ID
	out.Answered, out.Meaningful = saved.Answered, saved.MeaningfulConversation

	if saved.ContactID == nil {
		return out, nil
	}
	appt, err := p.appointments.FindLinkCandidate(ctx, account.ID, *saved.ContactID,
		saved.DateCalled.Add(-LinkWindow), saved.DateCalled.Add(LinkWindow))
	if errors.Is(err, store.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("find appointment to link: %w", err)
	}
	if err := p.dials.MarkBooked(ctx, saved.ID, appt.ID); err != nil {
		return out, fmt.Errorf("link dial to appointment: %w", err)
	}
	metrics.AppointmentLinked("call")
	logger.Info().Str("appointment_id", appt.ID.String()).Msg("dial linked to appointment")
	out.Stage, out.AppointmentID = StageAppointmentLinked, &appt.ID
	return out, nil
}
