// Package signature authenticates webhook deliveries before their bodies are trusted.
package signature

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Header names carried by CRM webhook deliveries.
const (
	HeaderSignature = "x-wh-signature"
	HeaderTimestamp = "x-timestamp"
)

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleTimestamp   = errors.New("webhook timestamp outside allowed window")
)

// Verifier checks that body was produced by the CRM.
type Verifier interface {
	Verify(header http.Header, body []byte) error
}

// RSAVerifier checks a base64 RSA-SHA256 (PKCS#1 v1.5) signature over the raw body.
type RSAVerifier struct {
	key *rsa.PublicKey
}

// NewRSAVerifier parses a PEM encoded PKIX or PKCS#1 public key.
func NewRSAVerifier(publicKeyPEM string) (*RSAVerifier, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(publicKeyPEM)))
	if block == nil {
		return nil, errors.New("webhook public key: no PEM block found")
	}

	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("webhook public key: expected RSA key, got %T", pub)
		}
		return &RSAVerifier{key: key}, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("webhook public key: %w", err)
	}
	return &RSAVerifier{key: key}, nil
}

func (v *RSAVerifier) Verify(header http.Header, body []byte) error {
	sig := strings.TrimSpace(header.Get(HeaderSignature))
	if sig == "" {
		return ErrMissingSignature
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return ErrInvalidSignature
	}
	digest := sha256.Sum256(body)
	if err := rsa.VerifyPKCS1v15(v.key, crypto.SHA256, digest[:], raw); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// HMACVerifier checks a hex HMAC-SHA256 of timestamp + "." + body with a bounded clock skew.
type HMACVerifier struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
}

func NewHMACVerifier(secret string, maxSkew time.Duration) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), maxSkew: maxSkew, now: time.Now}
}

func (v *HMACVerifier) Verify(header http.Header, body []byte) error {
	sig := strings.TrimSpace(header.Get(HeaderSignature))
	timestamp := strings.TrimSpace(header.Get(HeaderTimestamp))
	if sig == "" || timestamp == "" {
		return ErrMissingSignature
	}

	ts, err := parseTimestamp(timestamp)
	if err != nil {
		return ErrInvalidSignature
	}
	delta := v.now().Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if v.maxSkew > 0 && delta > v.maxSkew {
		return ErrStaleTimestamp
	}

	expected := Sign(v.secret, timestamp, body)
	if !hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the HMAC signature expected by HMACVerifier.
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// parseTimestamp accepts RFC 3339 or unix time in seconds or milliseconds.
func parseTimestamp(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n), nil
		}
		return time.Unix(n, 0), nil
	}
	return time.Parse(time.RFC3339, s)
}

// InsecureVerifier accepts every delivery. Local development only.
type InsecureVerifier struct{}

func NewInsecureVerifier() InsecureVerifier {
	log.Warn().Msg("webhook signature verification DISABLED; never run this mode in production")
	return InsecureVerifier{}
}

func (InsecureVerifier) Verify(http.Header, []byte) error { return nil }
