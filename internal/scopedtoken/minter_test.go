package scopedtoken

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// forge builds a token from an arbitrary payload signed with the minter's
// secret, bypassing Create's clamping.
func forge(m *Minter, p Payload) string {
	payloadJSON, _ := json.Marshal(p)
	return Prefix +
		base64.RawURLEncoding.EncodeToString(payloadJSON) +
		"." +
		base64.RawURLEncoding.EncodeToString(m.sign(payloadJSON))
}

func TestCreateAndValidate(t *testing.T) {
	m := NewMinter("secret")
	token, payload, err := m.Create(CreateOptions{
		APIKey:       "pg_parent",
		TTL:          time.Hour,
		AllowedTools: []string{"search"},
		Label:        "ci",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "pgt_"))
	assert.Equal(t, int64(3600), payload.ExpiresAt-payload.IssuedAt)

	got, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "pg_parent", got.APIKey)
	assert.Equal(t, []string{"search"}, got.AllowedTools)
	assert.Equal(t, "ci", got.Label)
}

func TestCreate_ClampsTTL(t *testing.T) {
	m := NewMinter("secret")
	_, payload, err := m.Create(CreateOptions{APIKey: "pg_k", TTL: 48 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, int64(MaxTTL.Seconds()), payload.ExpiresAt-payload.IssuedAt)

	_, _, err = m.Create(CreateOptions{})
	assert.Error(t, err, "parent key required")
}

func TestValidate_Malformed(t *testing.T) {
	m := NewMinter("secret")

	for _, tok := range []string{
		"",
		"pg_notatoken",
		"pgt_",
		"pgt_onlyonepart",
		"pgt_a.b.c",
		"pgt_!!!.AAAA",
		"pgt_AAAA.!!!",
	} {
		_, err := m.Validate(tok)
		assert.ErrorIs(t, err, ErrMalformed, "token %q", tok)
	}
}

func TestValidate_SignatureBeforePayload(t *testing.T) {
	m := NewMinter("secret")
	token, _, err := m.Create(CreateOptions{APIKey: "pg_k", TTL: time.Hour})
	require.NoError(t, err)

	// Tampered payload fails the signature check, not payload parsing.
	parts := strings.SplitN(strings.TrimPrefix(token, Prefix), ".", 2)
	tampered := Prefix + base64.RawURLEncoding.EncodeToString([]byte(`{"apiKey":"pg_other"}`)) + "." + parts[1]
	_, err = m.Validate(tampered)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// A correctly signed non-JSON payload is a payload error.
	garbage := []byte("not json")
	forged := Prefix +
		base64.RawURLEncoding.EncodeToString(garbage) +
		"." +
		base64.RawURLEncoding.EncodeToString(m.sign(garbage))
	_, err = m.Validate(forged)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	// Tokens signed under a different secret never validate.
	other := NewMinter("other-secret")
	_, err = other.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidate_MissingRequiredFields(t *testing.T) {
	m := NewMinter("secret")
	now := time.Now().Unix()

	_, err := m.Validate(forge(m, Payload{ExpiresAt: now + 60, IssuedAt: now}))
	assert.ErrorIs(t, err, ErrMissingRequiredFields)

	_, err = m.Validate(forge(m, Payload{APIKey: "pg_k", IssuedAt: now}))
	assert.ErrorIs(t, err, ErrMissingRequiredFields)
}

func TestValidate_ExpiryAndTTLCap(t *testing.T) {
	m := NewMinter("secret")
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	token, _, err := m.Create(CreateOptions{APIKey: "pg_k", TTL: time.Minute})
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(time.Minute) }
	_, err = m.Validate(token)
	assert.ErrorIs(t, err, ErrTokenExpired, "expiry boundary is exclusive")

	// A signed token claiming a lifetime beyond the cap is rejected even
	// though it has not yet expired.
	m.now = func() time.Time { return base }
	oversized := forge(m, Payload{
		APIKey:    "pg_k",
		IssuedAt:  base.Unix(),
		ExpiresAt: base.Add(30 * time.Hour).Unix(),
	})
	_, err = m.Validate(oversized)
	assert.ErrorIs(t, err, ErrTokenTTLExceeded)
}

func TestRevoke(t *testing.T) {
	m := NewMinter("secret")
	token, _, err := m.Create(CreateOptions{APIKey: "pg_k", TTL: time.Hour})
	require.NoError(t, err)

	require.NoError(t, m.Revoke(token, "compromised"))
	_, err = m.Validate(token)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	assert.ErrorIs(t, m.Revoke(token, "again"), ErrTokenRevoked)
	assert.ErrorIs(t, m.Revoke("pgt_bogus", ""), ErrMalformed)

	entries := m.Revocations()
	require.Len(t, entries, 1)
	assert.Equal(t, Fingerprint(token), entries[0].Fingerprint)
	assert.Equal(t, "compromised", entries[0].Reason)
}

func TestPurge_DropsExpiredEntries(t *testing.T) {
	m := NewMinter("secret")
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	short, _, err := m.Create(CreateOptions{APIKey: "pg_k", TTL: time.Minute})
	require.NoError(t, err)
	long, _, err := m.Create(CreateOptions{APIKey: "pg_k", TTL: time.Hour})
	require.NoError(t, err)
	require.NoError(t, m.Revoke(short, ""))
	require.NoError(t, m.Revoke(long, ""))

	m.now = func() time.Time { return base.Add(10 * time.Minute) }
	assert.Equal(t, 1, m.Purge())
	assert.Len(t, m.Revocations(), 1)
}

func TestRestoreRevocations(t *testing.T) {
	m := NewMinter("secret")
	token, _, err := m.Create(CreateOptions{APIKey: "pg_k", TTL: time.Hour})
	require.NoError(t, err)
	require.NoError(t, m.Revoke(token, "rotated"))

	restored := NewMinter("secret")
	restored.RestoreRevocations(m.Revocations())
	_, err = restored.Validate(token)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestIsToken(t *testing.T) {
	assert.True(t, IsToken("pgt_abc.def"))
	assert.False(t, IsToken("pg_abc"))
}
