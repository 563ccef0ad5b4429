// Package adminkeys stores administrative credentials with a total role
// hierarchy (super_admin > admin > viewer). Validation is constant-time over
// every stored record so neither a prefix match nor an early iteration exit
// can leak which keys exist.
package adminkeys

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log"
	"sync"
	"time"
)

// Role is an administrative privilege level.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleViewer     Role = "viewer"
)

// rank orders the hierarchy; higher outranks lower.
func (r Role) rank() int {
	switch r {
	case RoleSuperAdmin:
		return 3
	case RoleAdmin:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// Allows reports whether r satisfies the minimum role min.
func (r Role) Allows(min Role) bool {
	return r.rank() >= min.rank()
}

const bootstrapCreator = "bootstrap"

var (
	ErrAdminKeyNotFound  = errors.New("admin key not found")
	ErrLastSuperAdmin    = errors.New("cannot revoke the last active super_admin")
	ErrNotBootstrapKey   = errors.New("key is not the bootstrap key")
	ErrInvalidRole       = errors.New("invalid admin role")
	ErrAdminKeyNotActive = errors.New("admin key is not active")
)

// AdminKeyRecord is one administrative credential.
type AdminKeyRecord struct {
	Key        string    `json:"key"`
	Name       string    `json:"name"`
	Role       Role      `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
	CreatedBy  string    `json:"created_by"`
	Active     bool      `json:"active"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Registry holds all admin key records. It always contains at least one
// active super_admin.
type Registry struct {
	mu      sync.Mutex
	records []*AdminKeyRecord
	logger  *log.Logger
}

// randomHex returns n random bytes hex-encoded.
func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("adminkeys: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// NewRegistry creates a registry seeded with a bootstrap super_admin. If
// bootstrapKey is empty one is generated (admin_ + 32 hex characters).
func NewRegistry(bootstrapKey string) (*Registry, string) {
	if bootstrapKey == "" {
		bootstrapKey = "admin_" + randomHex(16)
	}
	r := &Registry{
		logger: log.New(log.Writer(), "[ADMIN-KEYS] ", log.LstdFlags),
	}
	r.records = append(r.records, &AdminKeyRecord{
		Key:       bootstrapKey,
		Name:      "bootstrap",
		Role:      RoleSuperAdmin,
		CreatedAt: time.Now(),
		CreatedBy: bootstrapCreator,
		Active:    true,
	})
	return r, bootstrapKey
}

// Create mints a non-bootstrap admin key (ak_ + 32 hex characters).
func (r *Registry) Create(name string, role Role, createdBy string) (*AdminKeyRecord, error) {
	if role.rank() == 0 {
		return nil, ErrInvalidRole
	}

	rec := &AdminKeyRecord{
		Key:       "ak_" + randomHex(16),
		Name:      name,
		Role:      role,
		CreatedAt: time.Now(),
		CreatedBy: createdBy,
		Active:    true,
	}

	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()

	r.logger.Printf("Created admin key %q (role=%s, by=%s)", name, role, createdBy)
	cp := *rec
	return &cp, nil
}

// Validate checks the presented key against every stored record using a
// constant-time comparison. Length-mismatched records still trigger a dummy
// comparison, and iteration always covers the full list even after a match,
// so timing is independent of which (if any) record matched.
func (r *Registry) Validate(presented string) *AdminKeyRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	presentedBytes := []byte(presented)
	var matched *AdminKeyRecord

	for _, rec := range r.records {
		stored := []byte(rec.Key)
		if len(stored) == len(presentedBytes) {
			if subtle.ConstantTimeCompare(stored, presentedBytes) == 1 && rec.Active {
				matched = rec
			}
		} else {
			// Dummy comparison so length mismatches cost the same.
			subtle.ConstantTimeCompare(presentedBytes, presentedBytes)
		}
	}

	if matched == nil {
		return nil
	}
	matched.LastUsedAt = time.Now()
	cp := *matched
	return &cp
}

// HasRole reports whether the presented key validates and meets minRole.
func (r *Registry) HasRole(presented string, minRole Role) bool {
	rec := r.Validate(presented)
	return rec != nil && rec.Role.Allows(minRole)
}

// activeSuperAdmins counts under the lock.
func (r *Registry) activeSuperAdmins() int {
	n := 0
	for _, rec := range r.records {
		if rec.Active && rec.Role == RoleSuperAdmin {
			n++
		}
	}
	return n
}

// Revoke deactivates an admin key. Revoking the last active super_admin is
// refused so the registry never observes zero super-admins.
func (r *Registry) Revoke(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		if rec.Key == key {
			if !rec.Active {
				return ErrAdminKeyNotActive
			}
			if rec.Role == RoleSuperAdmin && r.activeSuperAdmins() <= 1 {
				return ErrLastSuperAdmin
			}
			rec.Active = false
			r.logger.Printf("Revoked admin key %q", rec.Name)
			return nil
		}
	}
	return ErrAdminKeyNotFound
}

// RotateBootstrap replaces the bootstrap key. The new super_admin is inserted
// before the old one is revoked, preserving the at-least-one-super-admin
// invariant at every observable state. Only the bootstrap key can be rotated.
func (r *Registry) RotateBootstrap(oldKey string) (*AdminKeyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var old *AdminKeyRecord
	for _, rec := range r.records {
		if rec.Key == oldKey && rec.Active {
			old = rec
			break
		}
	}
	if old == nil {
		return nil, ErrAdminKeyNotFound
	}
	if old.CreatedBy != bootstrapCreator {
		return nil, ErrNotBootstrapKey
	}

	fresh := &AdminKeyRecord{
		Key:       "admin_" + randomHex(16),
		Name:      "bootstrap",
		Role:      RoleSuperAdmin,
		CreatedAt: time.Now(),
		CreatedBy: bootstrapCreator,
		Active:    true,
	}
	r.records = append(r.records, fresh)
	old.Active = false

	r.logger.Printf("Rotated bootstrap admin key")
	cp := *fresh
	return &cp, nil
}

// List returns copies of all records.
func (r *Registry) List() []AdminKeyRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]AdminKeyRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// Snapshot returns all records for persistence.
func (r *Registry) Snapshot() []AdminKeyRecord {
	return r.List()
}

// Restore replaces the registry contents from a persisted snapshot. The
// snapshot must contain at least one active super_admin; otherwise the
// current contents are kept.
func (r *Registry) Restore(records []AdminKeyRecord) error {
	hasSuper := false
	for i := range records {
		if records[i].Active && records[i].Role == RoleSuperAdmin {
			hasSuper = true
			break
		}
	}
	if !hasSuper {
		return ErrLastSuperAdmin
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = r.records[:0]
	for i := range records {
		rec := records[i]
		r.records = append(r.records, &rec)
	}
	return nil
}
