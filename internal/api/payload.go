package api

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/jw6ventures/leadflow/internal/crm"
	"github.com/jw6ventures/leadflow/internal/ingest"
)

// Webhook event types.
const (
	EventOutboundMessage   = "OutboundMessage"
	EventInboundMessage    = "InboundMessage"
	EventAppointmentCreate = "AppointmentCreate"
	EventAppointmentDelete = "AppointmentDelete"
)

// webhookPayload is the union of the CRM webhook bodies this service consumes.
type webhookPayload struct {
	Type         string              `json:"type"`
	WebhookID    string              `json:"webhookId"`
	LocationID   string              `json:"locationId"`
	MessageID    string              `json:"messageId"`
	MessageType  string              `json:"messageType"`
	ContactID    string              `json:"contactId"`
	UserID       string              `json:"userId"`
	Direction    string              `json:"direction"`
	Status       string              `json:"status"`
	CallDuration crm.FlexInt         `json:"callDuration"`
	CallStatus   string              `json:"callStatus"`
	DateAdded    flexTime            `json:"dateAdded"`
	Attachments  []string            `json:"attachments"`
	Appointment  *appointmentPayload `json:"appointment"`
}

type appointmentPayload struct {
	ID             string   `json:"id"`
	CalendarID     string   `json:"calendarId"`
	Title          string   `json:"title"`
	StartTime      flexTime `json:"startTime"`
	ContactID      string   `json:"contactId"`
	AssignedUserID string   `json:"assignedUserId"`
	DateAdded      flexTime `json:"dateAdded"`
}

func (p webhookPayload) isCall() bool {
	t := strings.ToUpper(strings.TrimSpace(p.MessageType))
	return t == "CALL" || t == "TYPE_CALL"
}

func (p webhookPayload) callEvent() ingest.CallEvent {
	status := p.CallStatus
	if status == "" {
		status = p.Status
	}
	ev := ingest.CallEvent{
		MessageID:  p.MessageID,
		LocationID: p.LocationID,
		ContactID:  p.ContactID,
		UserID:     p.UserID,
		Duration:   int(p.CallDuration),
		Status:     status,
		Direction:  p.Direction,
		DateAdded:  p.DateAdded.Time,
	}
	if len(p.Attachments) > 0 {
		ev.RecordingURL = p.Attachments[0]
	}
	return ev
}

func (p webhookPayload) appointmentEvent() ingest.AppointmentEvent {
	ev := ingest.AppointmentEvent{LocationID: p.LocationID}
	if a := p.Appointment; a != nil {
		ev.ID = a.ID
		ev.CalendarID = a.CalendarID
		ev.Title = a.Title
		ev.ContactID = a.ContactID
		ev.AssignedUserID = a.AssignedUserID
		ev.StartTime = a.StartTime.ptr()
		ev.DateAdded = a.DateAdded.ptr()
	}
	if ev.ContactID == "" {
		ev.ContactID = p.ContactID
	}
	return ev
}

// invalidTimestamps lists the fields whose timestamps could not be parsed and
// were left zero.
func (p webhookPayload) invalidTimestamps() map[string]string {
	out := map[string]string{}
	if p.DateAdded.invalid != "" {
		out["dateAdded"] = p.DateAdded.invalid
	}
	if a := p.Appointment; a != nil {
		if a.StartTime.invalid != "" {
			out["appointment.startTime"] = a.StartTime.invalid
		}
		if a.DateAdded.invalid != "" {
			out["appointment.dateAdded"] = a.DateAdded.invalid
		}
	}
	return out
}

// flexTime accepts RFC 3339, zone-less ISO timestamps (read as UTC), or unix
// milliseconds. Anything else leaves the time zero and keeps the raw value in
// invalid.
type flexTime struct {
	time.Time
	invalid string
}

var flexLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (f *flexTime) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		return nil
	}
	if !strings.HasPrefix(raw, `"`) {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			f.invalid = raw
			return nil
		}
		f.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		f.invalid = raw
		return nil
	}
	s = strings.TrimSpace(s)
	for _, layout := range flexLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			f.Time = t
			return nil
		}
	}
	f.invalid = s
	return nil
}

func (f flexTime) ptr() *time.Time {
	if f.IsZero() {
		return nil
	}
	t := f.Time
	return &t
}
