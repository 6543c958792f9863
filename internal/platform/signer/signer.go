// Package signer issues and verifies HMAC-SHA256 bearer tokens, following
// the same base64url(payload).base64url(sig) shape the teacher uses for its
// OAuth state parameter.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

// ErrMalformed means the token does not have the payload.signature shape.
var ErrMalformed = errors.New("signer: malformed token")

// ErrInvalidSignature means the signature does not match the payload under
// the configured key.
var ErrInvalidSignature = errors.New("signer: invalid signature")

// HMAC signs and verifies opaque byte payloads with a shared secret.
type HMAC struct {
	key []byte
}

// New returns an HMAC signer using key as the shared secret.
func New(key []byte) *HMAC {
	return &HMAC{key: key}
}

// Sign returns "base64url(payload).base64url(sig)" for payload.
func (h *HMAC) Sign(payload []byte) string {
	sig := h.mac(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sig)
}

// Verify parses a token produced by Sign and returns the original payload
// if, and only if, its signature is valid under this signer's key.
func (h *HMAC) Verify(token string) ([]byte, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return nil, ErrMalformed
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrMalformed
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrMalformed
	}
	want := h.mac(payload)
	if subtle.ConstantTimeCompare(sig, want) != 1 {
		return nil, ErrInvalidSignature
	}
	return payload, nil
}

func (h *HMAC) mac(payload []byte) []byte {
	m := hmac.New(sha256.New, h.key)
	m.Write(payload)
	return m.Sum(nil)
}
