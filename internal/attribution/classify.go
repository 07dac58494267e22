// Package attribution scores traffic-source signals and cleans attribution
// payloads received from browsers.
package attribution

import (
	"encoding/hex"
	"hash/fnv"
	"strings"
)

// Quality tiers.
const (
	QualityPerfect = "perfect"
	QualityHigh    = "high"
	QualityMedium  = "medium"
	QualityLow     = "low"
)

// Method tiers.
const (
	MethodUTMDirect        = "utm_direct"
	MethodFBCLIDLookup     = "fbclid_lookup"
	MethodPixelBridge      = "pixel_bridge"
	MethodFingerprintMatch = "fingerprint_match"
)

// Signals are the inputs the classifier looks at. Blank strings count as absent.
type Signals struct {
	UTMSource     string
	UTMCampaign   string
	UTMContent    string
	AdID          string
	CampaignID    string
	FBCLID        string
	GCLID         string
	PixelDetected bool
}

type Result struct {
	Quality string
	Method  string
}

// Classify assigns a quality and method tier. Within each ladder the first
// matching tier wins.
func Classify(s Signals) Result {
	has := func(v string) bool { return strings.TrimSpace(v) != "" }
	clickID := has(s.FBCLID) || has(s.GCLID)

	var res Result
	switch {
	case has(s.AdID) && has(s.CampaignID) && has(s.UTMCampaign):
		res.Quality = QualityPerfect
	case clickID && (has(s.UTMCampaign) || has(s.AdID)):
		res.Quality = QualityHigh
	case has(s.UTMSource) || clickID:
		res.Quality = QualityMedium
	default:
		res.Quality = QualityLow
	}

	switch {
	case has(s.AdID) && has(s.UTMContent):
		res.Method = MethodUTMDirect
	case clickID:
		res.Method = MethodFBCLIDLookup
	case s.PixelDetected:
		res.Method = MethodPixelBridge
	default:
		res.Method = MethodFingerprintMatch
	}
	return res
}

// ValidQuality reports whether q is a known quality tier.
func ValidQuality(q string) bool {
	switch q {
	case QualityPerfect, QualityHigh, QualityMedium, QualityLow:
		return true
	}
	return false
}

// ValidMethod reports whether m is a known method tier.
func ValidMethod(m string) bool {
	switch m {
	case MethodUTMDirect, MethodFBCLIDLookup, MethodPixelBridge, MethodFingerprintMatch:
		return true
	}
	return false
}

// Fingerprint is a non-cryptographic FNV-1a hash of parts, hex encoded.
// It groups visits and must not be used for anything security relevant.
func Fingerprint(parts ...string) string {
	h := fnv.New64a()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
