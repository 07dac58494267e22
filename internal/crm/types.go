package crm

import (
	"strconv"
	"strings"
	"time"
)

// Contact is a CRM contact record.
type Contact struct {
	ID                string             `json:"id"`
	LocationID        string             `json:"locationId"`
	ContactName       string             `json:"contactName"`
	FirstName         string             `json:"firstName"`
	LastName          string             `json:"lastName"`
	Email             string             `json:"email"`
	Phone             string             `json:"phone"`
	Source            string             `json:"source"`
	Tags              []string           `json:"tags"`
	Timezone          string             `json:"timezone"`
	DateAdded         *time.Time         `json:"dateAdded"`
	AttributionSource *AttributionSource `json:"attributionSource"`
	// SearchAfter is the cursor returned with search results.
	SearchAfter []any `json:"searchAfter,omitempty"`
}

// DisplayName picks the best available human readable name.
func (c Contact) DisplayName() string {
	if n := strings.TrimSpace(c.ContactName); n != "" {
		return n
	}
	return strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
}

// AttributionSource is the first-touch attribution the CRM recorded for a contact.
type AttributionSource struct {
	URL         string `json:"url"`
	Campaign    string `json:"campaign"`
	UTMSource   string `json:"utmSource"`
	UTMMedium   string `json:"utmMedium"`
	UTMCampaign string `json:"utmCampaign"`
	UTMContent  string `json:"utmContent"`
	UTMTerm     string `json:"utmTerm"`
	Referrer    string `json:"referrer"`
	FBCLID      string `json:"fbclid"`
	GCLID       string `json:"gclid"`
	AdID        string `json:"adId"`
	CampaignID  string `json:"campaignId"`
	AdsetID     string `json:"adSetId"`
	FBP         string `json:"fbp"`
	FBC         string `json:"fbc"`
}

// User is a CRM user (a setter or sales rep).
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

// DisplayName picks the best available human readable name.
func (u User) DisplayName() string {
	if n := strings.TrimSpace(u.Name); n != "" {
		return n
	}
	return strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
}

// Location is a CRM sub-account a token can access.
type Location struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Message is one entry of the message export.
type Message struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	MessageType string      `json:"messageType"`
	Direction   string      `json:"direction"`
	Status      string      `json:"status"`
	ContactID   string      `json:"contactId"`
	UserID      string      `json:"userId"`
	LocationID  string      `json:"locationId"`
	DateAdded   *time.Time  `json:"dateAdded"`
	Attachments []string    `json:"attachments"`
	Meta        MessageMeta `json:"meta"`
}

// MessageMeta carries channel specific details.
type MessageMeta struct {
	Call *CallMeta `json:"call"`
}

// CallMeta holds call details for CALL messages.
type CallMeta struct {
	Duration FlexInt `json:"duration"`
	Status   string  `json:"status"`
}

// IsCall reports whether the message is a phone call.
func (m Message) IsCall() bool {
	return strings.EqualFold(m.MessageType, "CALL") || strings.EqualFold(m.MessageType, "TYPE_CALL") || m.Meta.Call != nil
}

// FlexInt decodes integers that arrive as JSON numbers or numeric strings.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		*f = FlexInt(n)
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = FlexInt(int(v))
	return nil
}

// ExportQuery selects the message export window.
type ExportQuery struct {
	LocationID string
	Channel    string
	StartDate  time.Time
	EndDate    time.Time
	Cursor     string
	Limit      int
}

// MessagePage is one page of exported messages.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor"`
	Total      int       `json:"total"`
}

// SearchQuery pages through a location's contacts.
type SearchQuery struct {
	LocationID  string `json:"locationId"`
	PageLimit   int    `json:"pageLimit"`
	SearchAfter []any  `json:"searchAfter,omitempty"`
}

// ContactPage is one page of contact search results.
type ContactPage struct {
	Contacts []Contact `json:"contacts"`
	Total    int       `json:"total"`
}

// NextSearchAfter returns the cursor for the following page, or nil at the end.
func (p ContactPage) NextSearchAfter(pageLimit int) []any {
	if len(p.Contacts) == 0 || len(p.Contacts) < pageLimit {
		return nil
	}
	return p.Contacts[len(p.Contacts)-1].SearchAfter
}
