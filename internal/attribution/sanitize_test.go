package attribution

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, body string) Payload {
	t.Helper()
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(body), &p))
	return p
}

func TestSanitizeCleansAndBoundsFields(t *testing.T) {
	long := strings.Repeat("é", 600)
	p := decode(t, `{
		"account_id": " 6f1c ",
		"email": " Lead@Example.COM ",
		"utm_source": "face\u0000book\n",
		"utm_campaign": "`+long+`",
		"landing_url": "https://example.com/`+strings.Repeat("a", 3000)+`",
		"ad_id": 12345,
		"gclid": "   ",
		"fbp": null
	}`)

	f := Sanitize(p)
	assert.Equal(t, "6f1c", f.AccountID)
	assert.Equal(t, "page_view", f.EventType)
	require.NotNil(t, f.Email)
	assert.Equal(t, "lead@example.com", *f.Email)
	require.NotNil(t, f.Attribution.UTMSource)
	assert.Equal(t, "facebook", *f.Attribution.UTMSource)
	assert.Equal(t, maxFieldRunes, utf8.RuneCountInString(*f.Attribution.UTMCampaign))
	assert.Equal(t, maxURLRunes, utf8.RuneCountInString(*f.Attribution.LandingURL))
	require.NotNil(t, f.Attribution.AdID)
	assert.Equal(t, "12345", *f.Attribution.AdID)
	assert.Nil(t, f.Attribution.GCLID)
	assert.Nil(t, f.Attribution.FBP)
	assert.False(t, f.PixelDetected)
}

func TestSanitizeReplacesUnknownTiers(t *testing.T) {
	f := Sanitize(decode(t, `{"fbclid":"abc","attribution_quality":"platinum","attribution_method":"<script>"}`))
	assert.Equal(t, QualityMedium, *f.Attribution.Quality)
	assert.Equal(t, MethodFBCLIDLookup, *f.Attribution.Method)
}

func TestSanitizeKeepsKnownTiers(t *testing.T) {
	f := Sanitize(decode(t, `{"attribution_quality":"HIGH","attribution_method":"pixel_bridge"}`))
	assert.Equal(t, QualityHigh, *f.Attribution.Quality)
	assert.Equal(t, MethodPixelBridge, *f.Attribution.Method)
}

func TestSanitizeDetectsPixelFromIDs(t *testing.T) {
	f := Sanitize(decode(t, `{"fbp":"fb.1.123","pixel_detected":"false"}`))
	assert.True(t, f.PixelDetected)
	assert.Equal(t, MethodPixelBridge, *f.Attribution.Method)

	f = Sanitize(decode(t, `{"pixel_detected":true}`))
	assert.True(t, f.PixelDetected)
}

func TestValueIgnoresStructuredInput(t *testing.T) {
	p := decode(t, `{"utm_source":{"nested":true},"utm_medium":["a"]}`)
	f := Sanitize(p)
	assert.Nil(t, f.Attribution.UTMSource)
	assert.Nil(t, f.Attribution.UTMMedium)
	assert.Equal(t, QualityLow, *f.Attribution.Quality)
}
