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

// SetterPlaceholder is stored on new bookings until a setter is assigned.
const SetterPlaceholder = "Unassigned"

type AppointmentOutcome struct {
	Skipped   bool               `json:"skipped,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Table     store.BookingTable `json:"table,omitempty"`
	BookingID *uuid.UUID         `json:"bookingId,omitempty"`
	Duplicate bool               `json:"duplicate,omitempty"`
	DialID    *uuid.UUID         `json:"linkedDialId,omitempty"`
}

type DeleteOutcome struct {
	Deleted      int   `json:"deleted"`
	DialsCleared int64 `json:"dialsCleared"`
}

// AppointmentProcessor stores bookings for mapped calendars.
type AppointmentProcessor struct {
	resolver
	store    *store.Store
	tokens   TokenSource
	mappings store.CalendarMappingRepository
	dials    store.DialRepository
	now      func() time.Time
}

func NewAppointmentProcessor(s *store.Store, tokens TokenSource, users UserDirectory, contacts ContactEnsurer) *AppointmentProcessor {
	return &AppointmentProcessor{
		resolver: resolver{users: users, contacts: contacts, profiles: s.Profiles},
		store:    s,
		tokens:   tokens,
		mappings: s.CalendarMappings,
		dials:    s.Dials,
		now:      time.Now,
	}
}

// Process stores a new booking. Calendars without an enabled mapping are skipped
// and redelivered bookings are left untouched.
func (p *AppointmentProcessor) Process(ctx context.Context, account *store.Account, ev AppointmentEvent) (AppointmentOutcome, error) {
	var out AppointmentOutcome
	logger := zerolog.Ctx(ctx).With().
		Str("account_id", account.ID.String()).
		Str("ghl_appointment_id", ev.ID).
		Str("ghl_calendar_id", ev.CalendarID).
		Logger()

	if ev.ID == "" {
		return out, errors.New("appointment id is required")
	}

	mapping, err := p.mappings.Get(ctx, account.ID, ev.CalendarID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return out, fmt.Errorf("lookup calendar mapping: %w", err)
	}
	if mapping == nil || !mapping.IsEnabled {
		logger.Debug().Msg("calendar not mapped; skipping appointment")
		out.Skipped, out.Reason = true, "unmapped_calendar"
		return out, nil
	}
	out.Table = mapping.TargetTable
	bookings := p.store.Bookings(mapping.TargetTable)

	token, err := p.tokens.GetValidAccessToken(ctx, account, false)
	if err != nil {
		return out, fmt.Errorf("access token: %w", err)
	}

	contact, err := p.resolveContact(ctx, account, token, ev.ContactID)
	if err != nil {
		return out, fmt.Errorf("resolve contact: %w", err)
	}

	rep, err := p.resolveUser(ctx, account, token, ev.AssignedUserID)
	if err != nil {
		logger.Warn().Err(err).Str("ghl_user_id", ev.AssignedUserID).Msg("sales rep lookup failed")
		rep = person{}
	}

	booked := p.now()
	if ev.DateAdded != nil {
		booked = *ev.DateAdded
	}
	booking := store.Booking{
		AccountID:         account.ID,
		GHLAppointmentID:  ev.ID,
		GHLCalendarID:     ev.CalendarID,
		GHLContactID:      optional(ev.ContactID),
		Title:             optional(ev.Title),
		SetterName:        SetterPlaceholder,
		SalesRepName:      optional(rep.Name),
		SalesRepUserID:    rep.UserID,
		DateBooked:        booked.UTC(),
		DateOfAppointment: utcPtr(ev.StartTime),
	}
	if contact != nil {
		booking.ContactID = &contact.ID
		booking.ContactName = contact.Name
		booking.Email, booking.Phone = contact.Email, contact.Phone
		booking.Attribution = contact.Attribution
	}

	id, created, err := bookings.Insert(ctx, booking)
	if err != nil {
		return out, fmt.Errorf("insert %s: %w", mapping.TargetTable, err)
	}
	out.BookingID = &id
	if !created {
		out.Duplicate = true
		logger.Debug().Msg("booking already stored")
		return out, nil
	}
	logger.Info().Str("table", string(mapping.TargetTable)).Msg("booking stored")

	// Calls may arrive before the appointment they produced.
	if mapping.TargetTable != store.TableAppointments || booking.ContactID == nil {
		return out, nil
	}
	dial, err := p.dials.FindUnbookedNear(ctx, account.ID, *booking.ContactID, booking.DateBooked, LinkWindow)
	if errors.Is(err, store.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("find dial to link: %w", err)
	}
	if err := p.dials.MarkBooked(ctx, dial.ID, id); err != nil {
		return out, fmt.Errorf("link dial to appointment: %w", err)
	}
	metrics.AppointmentLinked("appointment")
	out.DialID = &dial.ID
	return out, nil
}

// ProcessDelete removes a cancelled booking from either table and unlinks any
// dials that pointed at it.
func (p *AppointmentProcessor) ProcessDelete(ctx context.Context, account *store.Account, ev AppointmentEvent) (DeleteOutcome, error) {
	var out DeleteOutcome
	if ev.ID == "" {
		return out, errors.New("appointment id is required")
	}
	for _, table := range []store.BookingTable{store.TableAppointments, store.TableDiscoveries} {
		res, err := p.store.Bookings(table).DeleteByGHLID(ctx, account.ID, ev.ID)
		if err != nil {
			return out, fmt.Errorf("delete from %s: %w", table, err)
		}
		out.Deleted += len(res.Bookings)
		out.DialsCleared += res.DialsCleared
	}
	zerolog.Ctx(ctx).Info().
		Str("ghl_appointment_id", ev.ID).
		Int("deleted", out.Deleted).
		Int64("dials_cleared", out.DialsCleared).
		Msg("appointment delete processed")
	return out, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
