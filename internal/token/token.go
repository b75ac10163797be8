// Package token signs and verifies cookie-borne values.
//
// A token is "value.signature" or "value.expiryMs.signature", where the
// signature is an HMAC-SHA-256 over the purpose, value, and expiry. The
// same Signer shape backs both session and role cookies so the signing
// logic cannot drift between the two.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Signer signs values for a single purpose with a dedicated secret.
// Tokens signed for one purpose never verify under another.
type Signer struct {
	purpose string
	secret  []byte
}

func NewSigner(purpose string, secret []byte) Signer {
	return Signer{purpose: purpose, secret: secret}
}

// Sign returns the signed token for value. A zero expiry produces a
// non-expiring token of the form "value.sig"; otherwise the expiry is
// embedded as epoch milliseconds: "value.expiryMs.sig".
func (s Signer) Sign(value string, expires time.Time) string {
	if expires.IsZero() {
		return value + "." + s.mac(value, "")
	}
	ms := strconv.FormatInt(expires.UnixMilli(), 10)
	return value + "." + ms + "." + s.mac(value, ms)
}

// Verify checks the signature (and expiry, if present) of tok and returns
// the embedded value. Malformed, tampered, or expired tokens report ok
// false; callers treat them as absent.
func (s Signer) Verify(tok string, now time.Time) (value string, ok bool) {
	parts := strings.Split(tok, ".")
	switch len(parts) {
	case 2:
		if !s.equal(parts[1], s.mac(parts[0], "")) {
			return "", false
		}
		return parts[0], true
	case 3:
		ms, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return "", false
		}
		if !s.equal(parts[2], s.mac(parts[0], parts[1])) {
			return "", false
		}
		if now.UnixMilli() >= ms {
			return "", false
		}
		return parts[0], true
	default:
		return "", false
	}
}

func (s Signer) mac(value, expiry string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(s.purpose))
	h.Write([]byte{0})
	h.Write([]byte(value))
	h.Write([]byte{0})
	h.Write([]byte(expiry))
	return hex.EncodeToString(h.Sum(nil))
}

func (s Signer) equal(got, want string) bool {
	return hmac.Equal([]byte(got), []byte(want))
}

const idLength = 24

var charset = []byte("abcdefghijklmnopqrstuvwxyz0123456789")

// NewID generates a random opaque identifier suitable for session ids and
// task id suffixes.
func NewID() (string, error) {
	b := make([]byte, idLength)
	randomBytes := make([]byte, idLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = charset[int(randomBytes[i])%len(charset)]
	}
	return string(b), nil
}
