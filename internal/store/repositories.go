package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TokenUpdate carries a rotated OAuth token pair.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// AccountRepository reads accounts and persists CRM credential changes.
type AccountRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByLocationID(ctx context.Context, locationID string) (*Account, error)
	ListOAuthConnected(ctx context.Context) ([]Account, error)
	UpdateTokens(ctx context.Context, id uuid.UUID, update TokenUpdate) error
	SetLocationID(ctx context.Context, id uuid.UUID, locationID string) error
}

// ContactRepository stores CRM contacts.
type ContactRepository interface {
	// Upsert inserts or fully overwrites the contact keyed on (AccountID, GHLContactID).
	Upsert(ctx context.Context, contact Contact) (uuid.UUID, error)
	GetByGHLID(ctx context.Context, accountID uuid.UUID, ghlContactID string) (*Contact, error)
	// ApplyAttribution overwrites attribution columns on contacts matching email or phone.
	ApplyAttribution(ctx context.Context, accountID uuid.UUID, email, phone *string, attr Attribution) ([]uuid.UUID, error)
}

// DialRepository stores call events.
type DialRepository interface {
	// ReplaceByMessageID deletes any dial sharing (AccountID, GHLMessageID) and inserts dial.
	ReplaceByMessageID(ctx context.Context, dial Dial) (*Dial, error)
	ExistsByMessageID(ctx context.Context, accountID uuid.UUID, messageID string) (bool, error)
	MarkBooked(ctx context.Context, dialID, appointmentID uuid.UUID) error
	// FindUnbookedNear returns the unbooked dial for a contact closest to at within window.
	FindUnbookedNear(ctx context.Context, accountID, contactID uuid.UUID, at time.Time, window time.Duration) (*Dial, error)
}

// BookingRepository stores appointments and discoveries.
type BookingRepository interface {
	// Insert stores the booking unless (AccountID, GHLAppointmentID) already exists in its table.
	Insert(ctx context.Context, booking Booking) (id uuid.UUID, created bool, err error)
	// FindLinkCandidate returns the appointment with the earliest date_booked in [from, to].
	FindLinkCandidate(ctx context.Context, accountID, contactID uuid.UUID, from, to time.Time) (*Booking, error)
	// DeleteByGHLID removes the booking. For appointments, dials linked to it are
	// unbooked in the same transaction before the row goes.
	DeleteByGHLID(ctx context.Context, accountID uuid.UUID, ghlAppointmentID string) (DeleteResult, error)
	ApplyAttribution(ctx context.Context, accountID uuid.UUID, contactIDs []uuid.UUID, attr Attribution) error
}

// DeleteResult reports what DeleteByGHLID removed.
type DeleteResult struct {
	Bookings     []Booking
	DialsCleared int64
}

// CalendarMappingRepository reads calendar routing configuration.
type CalendarMappingRepository interface {
	Get(ctx context.Context, accountID uuid.UUID, ghlCalendarID string) (*CalendarMapping, error)
}

// ProfileRepository reads local users.
type ProfileRepository interface {
	GetBySubject(ctx context.Context, subject string) (*Profile, error)
	// FindMemberByEmail matches an account member by email, case-insensitively.
	FindMemberByEmail(ctx context.Context, accountID uuid.UUID, email string) (*Profile, error)
}

// AttributionEventRepository stores raw beacon hits.
type AttributionEventRepository interface {
	Insert(ctx context.Context, event AttributionEvent) error
}
