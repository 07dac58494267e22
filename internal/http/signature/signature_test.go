package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func signRSA(t *testing.T, key *rsa.PrivateKey, body []byte) string {
	t.Helper()
	digest := sha256.Sum256(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func TestRSAVerifier(t *testing.T) {
	key, pemKey := generateKey(t)
	v, err := NewRSAVerifier(pemKey)
	require.NoError(t, err)

	body := []byte(`{"type":"OutboundMessage"}`)
	h := http.Header{}
	h.Set(HeaderSignature, signRSA(t, key, body))
	assert.NoError(t, v.Verify(h, body))

	assert.ErrorIs(t, v.Verify(h, []byte(`{"type":"tampered"}`)), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(http.Header{}, body), ErrMissingSignature)

	h.Set(HeaderSignature, "not base64!")
	assert.ErrorIs(t, v.Verify(h, body), ErrInvalidSignature)
}

func TestNewRSAVerifierRejectsGarbage(t *testing.T) {
	_, err := NewRSAVerifier("not a key")
	assert.Error(t, err)
}

func TestHMACVerifier(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	now := time.Unix(1_700_000_000, 0)
	v := NewHMACVerifier(secret, 5*time.Minute)
	v.now = func() time.Time { return now }

	body := []byte(`{"type":"AppointmentCreate"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	h := http.Header{}
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderSignature, Sign([]byte(secret), ts, body))
	assert.NoError(t, v.Verify(h, body))

	assert.ErrorIs(t, v.Verify(h, append(body, ' ')), ErrInvalidSignature)

	old := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	h.Set(HeaderTimestamp, old)
	h.Set(HeaderSignature, Sign([]byte(secret), old, body))
	assert.ErrorIs(t, v.Verify(h, body), ErrStaleTimestamp)

	assert.ErrorIs(t, v.Verify(http.Header{}, body), ErrMissingSignature)
}

func TestInsecureVerifierAcceptsAnything(t *testing.T) {
	assert.NoError(t, NewInsecureVerifier().Verify(http.Header{}, nil))
}
