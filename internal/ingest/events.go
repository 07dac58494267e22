// Package ingest turns CRM call and appointment events into dial and booking rows.
package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/jw6ventures/leadflow/internal/crm"
	"github.com/jw6ventures/leadflow/internal/store"
)

// Call directions.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// LinkWindow is how far apart a dial and an appointment may be to be linked.
const LinkWindow = 30 * time.Minute

// Duration thresholds in seconds.
const (
	answeredAfter   = 30
	meaningfulAfter = 120
)

// Answered reports whether a call of d seconds counts as answered.
func Answered(d int) bool { return d > answeredAfter }

// Meaningful reports whether a call of d seconds counts as a meaningful conversation.
func Meaningful(d int) bool { return d > meaningfulAfter }

// CallEvent is a phone call reported by the CRM, from a webhook or the message export.
type CallEvent struct {
	MessageID    string
	LocationID   string
	ContactID    string
	UserID       string
	Duration     int
	Status       string
	Direction    string
	DateAdded    time.Time
	RecordingURL string
}

// IsOutbound reports whether the call was placed by the account.
func (e CallEvent) IsOutbound() bool {
	return strings.EqualFold(strings.TrimSpace(e.Direction), DirectionOutbound)
}

// CallEventFromMessage converts an exported message.
func CallEventFromMessage(m crm.Message) CallEvent {
	ev := CallEvent{
		MessageID:  m.ID,
		LocationID: m.LocationID,
		ContactID:  m.ContactID,
		UserID:     m.UserID,
		Direction:  m.Direction,
		Status:     m.Status,
	}
	if m.Meta.Call != nil {
		ev.Duration = int(m.Meta.Call.Duration)
		if m.Meta.Call.Status != "" {
			ev.Status = m.Meta.Call.Status
		}
	}
	if m.DateAdded != nil {
		ev.DateAdded = *m.DateAdded
	}
	if len(m.Attachments) > 0 {
		ev.RecordingURL = m.Attachments[0]
	}
	return ev
}

// AppointmentEvent is a booking reported by the CRM.
type AppointmentEvent struct {
	ID             string
	CalendarID     string
	LocationID     string
	Title          string
	ContactID      string
	AssignedUserID string
	StartTime      *time.Time
	DateAdded      *time.Time
}

// TokenSource issues access tokens for an account.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, account *store.Account, forceRefresh bool) (string, error)
}

// UserDirectory looks up CRM users.
type UserDirectory interface {
	GetUser(ctx context.Context, token, id string) (*crm.User, error)
	ListLocationUsers(ctx context.Context, token, locationID string) ([]crm.User, error)
}

// ContactEnsurer returns a local contact, syncing it from the CRM on a miss.
type ContactEnsurer interface {
	EnsureContactExists(ctx context.Context, account *store.Account, token, ghlContactID string) (*store.Contact, error)
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
