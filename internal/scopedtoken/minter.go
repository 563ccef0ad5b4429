// Package scopedtoken issues and validates short-lived HMAC-signed tokens
// that delegate from a parent API key, optionally narrowing the tool set.
// Tokens are self-contained: pgt_<payloadB64url>.<sigB64url> where the
// payload is canonical JSON of the claims.
package scopedtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
)

const (
	// Prefix identifies a scoped token credential.
	Prefix = "pgt_"

	// MaxTTL caps token lifetime; expiresAt - issuedAt may never exceed it.
	MaxTTL = 24 * time.Hour
)

// Validation failure modes, in check order.
var (
	ErrMalformed             = errors.New("malformed")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrMalformedPayload      = errors.New("malformed_payload")
	ErrMissingRequiredFields = errors.New("missing_required_fields")
	ErrTokenExpired          = errors.New("token_expired")
	ErrTokenTTLExceeded      = errors.New("token_ttl_exceeded")
	ErrTokenRevoked          = errors.New("token_revoked")
)

// Payload carries the token claims. Field order is the canonical
// (alphabetical) serialization order.
type Payload struct {
	AllowedTools []string `json:"allowedTools,omitempty"`
	APIKey       string   `json:"apiKey"`
	ExpiresAt    int64    `json:"expiresAt"`
	IssuedAt     int64    `json:"issuedAt"`
	Label        string   `json:"label,omitempty"`
}

// RevocationEntry marks a token fingerprint as revoked until the token
// would have expired anyway.
type RevocationEntry struct {
	Fingerprint string    `json:"fingerprint"`
	ExpiresAt   int64     `json:"expires_at"`
	RevokedAt   time.Time `json:"revoked_at"`
	Reason      string    `json:"reason,omitempty"`
}

// CreateOptions configures a new token.
type CreateOptions struct {
	APIKey       string
	TTL          time.Duration
	AllowedTools []string
	Label        string
}

// Minter signs, validates, and revokes scoped tokens with a process-wide
// secret.
type Minter struct {
	secret []byte

	mu      sync.RWMutex
	revoked map[string]*RevocationEntry

	logger    *log.Logger
	stopPurge chan struct{}
	now       func() time.Time
}

// NewMinter creates a minter with the given signing secret.
func NewMinter(secret string) *Minter {
	return &Minter{
		secret:    []byte(secret),
		revoked:   make(map[string]*RevocationEntry),
		logger:    log.New(log.Writer(), "[TOKENS] ", log.LstdFlags),
		stopPurge: make(chan struct{}),
		now:       time.Now,
	}
}

// Create issues a signed token. TTLs above MaxTTL are clamped.
func (m *Minter) Create(opts CreateOptions) (string, *Payload, error) {
	if opts.APIKey == "" {
		return "", nil, errors.New("parent api key is required")
	}
	ttl := opts.TTL
	if ttl <= 0 || ttl > MaxTTL {
		ttl = MaxTTL
	}

	now := m.now()
	payload := &Payload{
		AllowedTools: opts.AllowedTools,
		APIKey:       opts.APIKey,
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(ttl).Unix(),
		Label:        opts.Label,
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", nil, err
	}
	sig := m.sign(payloadJSON)

	token := Prefix +
		base64.RawURLEncoding.EncodeToString(payloadJSON) +
		"." +
		base64.RawURLEncoding.EncodeToString(sig)
	return token, payload, nil
}

// Validate runs the full check sequence and returns the payload of a valid
// token. The returned error is one of the package's tagged failure modes.
func (m *Minter) Validate(token string) (*Payload, error) {
	payload, err := m.verifySignedStructure(token)
	if err != nil {
		return nil, err
	}

	if payload.APIKey == "" || payload.IssuedAt == 0 || payload.ExpiresAt == 0 {
		return nil, ErrMissingRequiredFields
	}
	now := m.now().Unix()
	if now >= payload.ExpiresAt {
		return nil, ErrTokenExpired
	}
	if payload.ExpiresAt-payload.IssuedAt > int64(MaxTTL.Seconds()) {
		return nil, ErrTokenTTLExceeded
	}

	m.mu.RLock()
	_, revoked := m.revoked[Fingerprint(token)]
	m.mu.RUnlock()
	if revoked {
		return nil, ErrTokenRevoked
	}

	return payload, nil
}

// verifySignedStructure checks structure and signature, then deserializes.
func (m *Minter) verifySignedStructure(token string) (*Payload, error) {
	if !strings.HasPrefix(token, Prefix) {
		return nil, ErrMalformed
	}
	body := token[len(Prefix):]
	parts := strings.Split(body, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, ErrMalformed
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrMalformed
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrMalformed
	}

	if !hmac.Equal(sig, m.sign(payloadJSON)) {
		return nil, ErrInvalidSignature
	}

	var payload Payload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, ErrMalformedPayload
	}
	return &payload, nil
}

// Revoke adds a token's fingerprint to the revocation list. The token's
// signature and TTL invariants are verified first so arbitrary strings
// cannot populate the list.
func (m *Minter) Revoke(token, reason string) error {
	payload, err := m.verifySignedStructure(token)
	if err != nil {
		return err
	}
	if payload.ExpiresAt-payload.IssuedAt > int64(MaxTTL.Seconds()) {
		return ErrTokenTTLExceeded
	}

	fp := Fingerprint(token)
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.revoked[fp]; exists {
		return ErrTokenRevoked
	}
	m.revoked[fp] = &RevocationEntry{
		Fingerprint: fp,
		ExpiresAt:   payload.ExpiresAt,
		RevokedAt:   m.now(),
		Reason:      reason,
	}
	m.logger.Printf("Revoked token %s... (reason=%q)", fp[:12], reason)
	return nil
}

// Purge drops revocation entries whose embedded expiry has passed; the
// tokens they referenced can no longer validate anyway. Returns the number
// of entries removed.
func (m *Minter) Purge() int {
	now := m.now().Unix()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for fp, entry := range m.revoked {
		if entry.ExpiresAt <= now {
			delete(m.revoked, fp)
			removed++
		}
	}
	return removed
}

// StartPurge runs Purge on a ticker until Stop is called.
func (m *Minter) StartPurge(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.Purge(); n > 0 {
					m.logger.Printf("Purged %d expired revocation entries", n)
				}
			case <-m.stopPurge:
				return
			}
		}
	}()
}

// Stop halts the background purger.
func (m *Minter) Stop() {
	close(m.stopPurge)
}

// Revocations returns a copy of the revocation list for persistence.
func (m *Minter) Revocations() []RevocationEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RevocationEntry, 0, len(m.revoked))
	for _, e := range m.revoked {
		out = append(out, *e)
	}
	return out
}

// RestoreRevocations replaces the revocation list from a snapshot.
func (m *Minter) RestoreRevocations(entries []RevocationEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.revoked = make(map[string]*RevocationEntry, len(entries))
	for i := range entries {
		e := entries[i]
		m.revoked[e.Fingerprint] = &e
	}
}

// Fingerprint is the SHA-256 hex digest of the token string.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// IsToken reports whether a credential looks like a scoped token.
func IsToken(credential string) bool {
	return strings.HasPrefix(credential, Prefix)
}

func (m *Minter) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(data)
	return mac.Sum(nil)
}
