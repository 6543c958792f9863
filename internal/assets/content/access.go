// Package content implements ContentAccess: HMAC-signed, time-limited
// tokens that let a caller fetch a generated asset without a direct
// storage credential.
package content

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vidforge/core/internal/domain"
	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/signer"
)

// nonceSize is the width of ContentTokenPayload's Nonce in raw bytes
// before base64url encoding, per the external wire contract.
const nonceSize = 16

// Access issues and verifies content tokens for a single signing key.
type Access struct {
	signer *signer.HMAC
	clk    clock.Clock
}

// New returns an Access signing with key.
func New(key []byte, clk clock.Clock) *Access {
	return &Access{signer: signer.New(key), clk: clk}
}

// newNonce returns nonceSize random bytes, base64url-encoded without
// padding, matching ContentTokenPayload's documented bit-exact format.
func newNonce() (string, error) {
	buf := make([]byte, nonceSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("content: generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// IssueToken builds and signs a ContentTokenPayload good for ttl.
func (a *Access) IssueToken(assetID, ownerID string, ttl time.Duration) (string, error) {
	nonce, err := newNonce()
	if err != nil {
		return "", err
	}

	payload := domain.ContentTokenPayload{
		AssetID: assetID,
		OwnerID: ownerID,
		Exp:     a.clk.Now().Add(ttl).Unix(),
		Nonce:   nonce,
	}

	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("content: marshal payload: %w", err)
	}
	return a.signer.Sign(canonical), nil
}

// Verify checks a token's signature and expiry, returning the asset and
// owner ids it authorizes. The caller must separately check that
// ownerID matches the requesting identity.
func (a *Access) Verify(token string) (assetID, ownerID string, err error) {
	canonical, err := a.signer.Verify(token)
	if err != nil {
		return "", "", err
	}

	var payload domain.ContentTokenPayload
	if err := json.Unmarshal(canonical, &payload); err != nil {
		return "", "", fmt.Errorf("content: malformed payload: %w", err)
	}

	if payload.Exp <= a.clk.Now().Unix() {
		return "", "", signer.ErrInvalidSignature
	}

	return payload.AssetID, payload.OwnerID, nil
}
