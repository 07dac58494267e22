package attribution

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"unicode"

	"github.com/jw6ventures/leadflow/internal/store"
)

const (
	maxFieldRunes = 512
	maxURLRunes   = 2048
)

// Value is an untrusted optional scalar. Strings, numbers and booleans decode to
// their text; null, objects and arrays decode to absent.
type Value struct {
	s     string
	valid bool
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*v = Value{}
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Value{s: s, valid: true}
	case 't', 'f':
		var b bool
		if json.Unmarshal(data, &b) == nil {
			*v = Value{s: strconv.FormatBool(b), valid: true}
		}
	case 'n', '{', '[':
	default:
		var n json.Number
		if json.Unmarshal(data, &n) == nil {
			*v = Value{s: n.String(), valid: true}
		}
	}
	return nil
}

// String returns the raw text, empty when absent.
func (v Value) String() string { return v.s }

// Payload is the beacon body as sent by the browser script.
type Payload struct {
	AccountID     Value `json:"account_id"`
	EventType     Value `json:"event_type"`
	SessionID     Value `json:"session_id"`
	PageURL       Value `json:"page_url"`
	Email         Value `json:"email"`
	Phone         Value `json:"phone"`
	PixelDetected Value `json:"pixel_detected"`

	UTMSource   Value `json:"utm_source"`
	UTMMedium   Value `json:"utm_medium"`
	UTMCampaign Value `json:"utm_campaign"`
	UTMContent  Value `json:"utm_content"`
	UTMTerm     Value `json:"utm_term"`
	FBCLID      Value `json:"fbclid"`
	GCLID       Value `json:"gclid"`
	AdID        Value `json:"ad_id"`
	CampaignID  Value `json:"campaign_id"`
	AdsetID     Value `json:"adset_id"`
	LandingURL  Value `json:"landing_url"`
	Referrer    Value `json:"referrer"`
	FBP         Value `json:"fbp"`
	FBC         Value `json:"fbc"`
	Quality     Value `json:"attribution_quality"`
	Method      Value `json:"attribution_method"`
	Fingerprint Value `json:"fingerprint"`
}

// Fields is a sanitized payload ready to persist.
type Fields struct {
	AccountID     string
	EventType     string
	SessionID     *string
	PageURL       *string
	Email         *string
	Phone         *string
	PixelDetected bool
	Attribution   store.Attribution
}

// Sanitize trims and bounds every field and drops control characters. Quality
// and method values outside the known tiers are replaced by Classify.
func Sanitize(p Payload) Fields {
	f := Fields{
		AccountID: deref(clean(p.AccountID, maxFieldRunes)),
		EventType: deref(clean(p.EventType, maxFieldRunes)),
		SessionID: clean(p.SessionID, maxFieldRunes),
		PageURL:   clean(p.PageURL, maxURLRunes),
		Email:     lower(clean(p.Email, maxFieldRunes)),
		Phone:     clean(p.Phone, maxFieldRunes),
	}
	if f.EventType == "" {
		f.EventType = "page_view"
	}
	pixel, _ := strconv.ParseBool(strings.TrimSpace(p.PixelDetected.String()))

	a := store.Attribution{
		UTMSource:   clean(p.UTMSource, maxFieldRunes),
		UTMMedium:   clean(p.UTMMedium, maxFieldRunes),
		UTMCampaign: clean(p.UTMCampaign, maxFieldRunes),
		UTMContent:  clean(p.UTMContent, maxFieldRunes),
		UTMTerm:     clean(p.UTMTerm, maxFieldRunes),
		FBCLID:      clean(p.FBCLID, maxFieldRunes),
		GCLID:       clean(p.GCLID, maxFieldRunes),
		AdID:        clean(p.AdID, maxFieldRunes),
		CampaignID:  clean(p.CampaignID, maxFieldRunes),
		AdsetID:     clean(p.AdsetID, maxFieldRunes),
		LandingURL:  clean(p.LandingURL, maxURLRunes),
		Referrer:    clean(p.Referrer, maxURLRunes),
		FBP:         clean(p.FBP, maxFieldRunes),
		FBC:         clean(p.FBC, maxFieldRunes),
		Fingerprint: clean(p.Fingerprint, maxFieldRunes),
	}
	f.PixelDetected = pixel || a.FBP != nil || a.FBC != nil

	res := Classify(SignalsFrom(a, f.PixelDetected))
	quality := deref(lower(clean(p.Quality, maxFieldRunes)))
	if !ValidQuality(quality) {
		quality = res.Quality
	}
	method := deref(lower(clean(p.Method, maxFieldRunes)))
	if !ValidMethod(method) {
		method = res.Method
	}
	a.Quality, a.Method = &quality, &method
	f.Attribution = a
	return f
}

// SignalsFrom extracts classifier inputs from stored attribution fields.
func SignalsFrom(a store.Attribution, pixelDetected bool) Signals {
	return Signals{
		UTMSource:     deref(a.UTMSource),
		UTMCampaign:   deref(a.UTMCampaign),
		UTMContent:    deref(a.UTMContent),
		AdID:          deref(a.AdID),
		CampaignID:    deref(a.CampaignID),
		FBCLID:        deref(a.FBCLID),
		GCLID:         deref(a.GCLID),
		PixelDetected: pixelDetected,
	}
}

func clean(v Value, limit int) *string {
	if !v.valid {
		return nil
	}
	var b strings.Builder
	n := 0
	for _, r := range strings.TrimSpace(v.s) {
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			continue
		}
		if n == limit {
			break
		}
		b.WriteRune(r)
		n++
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return nil
	}
	return &out
}

func lower(s *string) *string {
	if s == nil {
		return nil
	}
	l := strings.ToLower(*s)
	return &l
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
