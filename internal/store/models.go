package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Auth types stored on accounts.
const (
	AuthTypeAPIKey = "api_key"
	AuthTypeOAuth2 = "oauth2"
)

// Account is a tenant and holds its CRM connection.
type Account struct {
	ID             uuid.UUID
	Name           string
	AuthType       string
	APIKey         *string
	AccessToken    *string
	RefreshToken   *string
	TokenExpiresAt *time.Time
	LocationID     *string
	Timezone       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsOAuthConnected reports whether the account can obtain OAuth access tokens.
func (a *Account) IsOAuthConnected() bool {
	if a == nil || a.AuthType != AuthTypeOAuth2 {
		return false
	}
	return nonEmpty(a.AccessToken) || nonEmpty(a.RefreshToken)
}

// IsCRMConnected reports whether the account has both a location and usable credentials.
func (a *Account) IsCRMConnected() bool {
	if a == nil || !nonEmpty(a.LocationID) {
		return false
	}
	if a.AuthType == AuthTypeOAuth2 {
		return a.IsOAuthConnected()
	}
	return nonEmpty(a.APIKey)
}

// Attribution is the traffic-source field set shared by contacts and bookings.
// Every value is optional and originates from untrusted input.
type Attribution struct {
	UTMSource   *string
	UTMMedium   *string
	UTMCampaign *string
	UTMContent  *string
	UTMTerm     *string
	FBCLID      *string
	GCLID       *string
	AdID        *string
	CampaignID  *string
	AdsetID     *string
	LandingURL  *string
	Referrer    *string
	FBP         *string
	FBC         *string
	Quality     *string
	Method      *string
	Fingerprint *string
}

// IsEmpty reports whether no attribution value is set.
func (a Attribution) IsEmpty() bool {
	for _, v := range a.values() {
		if nonEmpty(v) {
			return false
		}
	}
	return true
}

func (a Attribution) values() []*string {
	return []*string{
		a.UTMSource, a.UTMMedium, a.UTMCampaign, a.UTMContent, a.UTMTerm,
		a.FBCLID, a.GCLID, a.AdID, a.CampaignID, a.AdsetID,
		a.LandingURL, a.Referrer, a.FBP, a.FBC,
		a.Quality, a.Method, a.Fingerprint,
	}
}

// Contact is a lead synced from the CRM, unique per (AccountID, GHLContactID).
type Contact struct {
	ID            uuid.UUID
	AccountID     uuid.UUID
	GHLContactID  string
	Name          string
	FirstName     string
	LastName      string
	Email         *string
	Phone         *string
	Source        *string
	Tags          []string
	Timezone      *string
	GHLCreatedAt  *time.Time
	GHLLocalDate  *string
	GHLLocalWeek  *string
	GHLLocalMonth *string
	Attribution   Attribution
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Dial is an outbound call event.
type Dial struct {
	ID                     uuid.UUID
	AccountID              uuid.UUID
	GHLMessageID           *string
	GHLContactID           *string
	ContactID              *uuid.UUID
	ContactName            string
	Email                  *string
	Phone                  *string
	SetterName             string
	SetterUserID           *uuid.UUID
	DateCalled             time.Time
	Duration               int
	CallStatus             *string
	Direction              string
	RecordingURL           *string
	Answered               bool
	MeaningfulConversation bool
	Booked                 bool
	BookedAppointmentID    *uuid.UUID
	CreatedAt              time.Time
}

// BookingTable names the table a booking is routed to.
type BookingTable string

const (
	TableAppointments BookingTable = "appointments"
	TableDiscoveries  BookingTable = "discoveries"
)

// ParseBookingTable validates a calendar mapping target.
func ParseBookingTable(v string) (BookingTable, bool) {
	switch BookingTable(strings.ToLower(strings.TrimSpace(v))) {
	case TableAppointments:
		return TableAppointments, true
	case TableDiscoveries:
		return TableDiscoveries, true
	}
	return "", false
}

// Booking is a scheduled meeting stored as an appointment or a discovery.
type Booking struct {
	ID                uuid.UUID
	AccountID         uuid.UUID
	Table             BookingTable
	GHLAppointmentID  string
	GHLCalendarID     string
	GHLContactID      *string
	ContactID         *uuid.UUID
	ContactName       string
	Email             *string
	Phone             *string
	Title             *string
	SetterName        string
	SalesRepName      *string
	SalesRepUserID    *uuid.UUID
	DateBooked        time.Time
	DateOfAppointment *time.Time
	Attribution       Attribution
	CreatedAt         time.Time
}

// CalendarMapping routes a CRM calendar to a booking table.
type CalendarMapping struct {
	AccountID     uuid.UUID
	GHLCalendarID string
	IsEnabled     bool
	TargetTable   BookingTable
}

// Profile is a local user.
type Profile struct {
	ID       uuid.UUID
	Subject  string
	Email    string
	FullName string
	Role     string
}

// AttributionEvent is a raw beacon hit.
type AttributionEvent struct {
	ID          uuid.UUID
	AccountID   uuid.UUID
	EventType   string
	SessionID   *string
	PageURL     *string
	Email       *string
	Phone       *string
	PixelFound  bool
	Attribution Attribution
	ReceivedAt  time.Time
}

func nonEmpty(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}
