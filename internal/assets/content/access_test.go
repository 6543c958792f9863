package content

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidforge/core/internal/domain"
	"github.com/vidforge/core/internal/platform/clock"
)

func TestIssueAndVerify_RoundTrips(t *testing.T) {
	a := New([]byte("secret"), clock.New())

	token, err := a.IssueToken("asset-1", "owner-1", time.Minute)
	require.NoError(t, err)

	assetID, ownerID, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "asset-1", assetID)
	assert.Equal(t, "owner-1", ownerID)
}

func TestIssueToken_NonceIsSixteenRandomBytesBase64URL(t *testing.T) {
	a := New([]byte("secret"), clock.New())

	token, err := a.IssueToken("asset-1", "owner-1", time.Minute)
	require.NoError(t, err)

	canonical, err := a.signer.Verify(token)
	require.NoError(t, err)

	var payload domain.ContentTokenPayload
	require.NoError(t, json.Unmarshal(canonical, &payload))

	raw, err := base64.RawURLEncoding.DecodeString(payload.Nonce)
	require.NoError(t, err, "nonce must be raw (unpadded) base64url")
	assert.Len(t, raw, nonceSize)

	second, err := a.IssueToken("asset-1", "owner-1", time.Minute)
	require.NoError(t, err)
	canonical2, err := a.signer.Verify(second)
	require.NoError(t, err)
	var payload2 domain.ContentTokenPayload
	require.NoError(t, json.Unmarshal(canonical2, &payload2))
	assert.NotEqual(t, payload.Nonce, payload2.Nonce)
}

func TestVerify_ExpiredTokenFails(t *testing.T) {
	fake := clock.NewFake(time.Now())
	a := New([]byte("secret"), fake)

	token, err := a.IssueToken("asset-1", "owner-1", time.Minute)
	require.NoError(t, err)

	fake.Advance(2 * time.Minute)

	_, _, err = a.Verify(token)
	assert.Error(t, err)
}

func TestVerify_TamperedTokenFails(t *testing.T) {
	a := New([]byte("secret"), clock.New())

	token, err := a.IssueToken("asset-1", "owner-1", time.Minute)
	require.NoError(t, err)

	_, _, err = a.Verify(token + "x")
	assert.Error(t, err)
}

func TestVerify_WrongKeyFails(t *testing.T) {
	a1 := New([]byte("secret-1"), clock.New())
	a2 := New([]byte("secret-2"), clock.New())

	token, err := a1.IssueToken("asset-1", "owner-1", time.Minute)
	require.NoError(t, err)

	_, _, err = a2.Verify(token)
	assert.Error(t, err)
}
