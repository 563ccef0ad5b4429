// Package keystore is the single source of truth for API key records and
// their credit balances. All economic mutations (debit, refund, top-up) are
// atomic per key: no observer can see credits deducted without totalSpent
// incremented.
package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"sync"
	"time"
)

// Failure modes surfaced to the gate as stable reason codes.
var (
	ErrKeyNotFound           = errors.New("key_not_found")
	ErrInsufficientCredits   = errors.New("insufficient_credits")
	ErrKeyInactive           = errors.New("key_inactive")
	ErrKeySuspended          = errors.New("key_suspended")
	ErrKeyExpired            = errors.New("key_expired")
	ErrSpendingLimitExceeded = errors.New("spending_limit_exceeded")
)

// Quota holds daily/monthly call and credit caps with their rolling counters.
// Counters reset lazily on the first access of a new day or month.
type Quota struct {
	DailyCallLimit     int64 `json:"daily_call_limit"`
	MonthlyCallLimit   int64 `json:"monthly_call_limit"`
	DailyCreditLimit   int64 `json:"daily_credit_limit"`
	MonthlyCreditLimit int64 `json:"monthly_credit_limit"`

	DailyCalls     int64  `json:"daily_calls"`
	MonthlyCalls   int64  `json:"monthly_calls"`
	DailyCredits   int64  `json:"daily_credits"`
	MonthlyCredits int64  `json:"monthly_credits"`
	LastResetDay   string `json:"last_reset_day"`
	LastResetMonth string `json:"last_reset_month"`
}

// AutoTopup schedules automatic credit grants when the balance falls below
// a threshold, capped per day.
type AutoTopup struct {
	Threshold int64  `json:"threshold"`
	Amount    int64  `json:"amount"`
	MaxPerDay int    `json:"max_per_day"`
	CountDay  string `json:"count_day"`
	Count     int    `json:"count"`
}

// ApiKeyRecord identifies a caller and carries its economic state and policy
// attributes.
type ApiKeyRecord struct {
	Key  string `json:"key"`
	Name string `json:"name"`

	Credits       int64 `json:"credits"`
	TotalSpent    int64 `json:"total_spent"`
	TotalCalls    int64 `json:"total_calls"`
	SpendingLimit int64 `json:"spending_limit"`

	Active     bool       `json:"active"`
	Suspended  bool       `json:"suspended"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt time.Time  `json:"last_used_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`

	AllowedTools []string          `json:"allowed_tools,omitempty"`
	DeniedTools  []string          `json:"denied_tools,omitempty"`
	Quota        *Quota            `json:"quota,omitempty"`
	IPAllowlist  []string          `json:"ip_allowlist,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Namespace    string            `json:"namespace,omitempty"`

	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`

	AutoTopup *AutoTopup `json:"auto_topup,omitempty"`
}

// CreateParams configures a new key.
type CreateParams struct {
	Name          string
	Credits       int64
	SpendingLimit int64
	AllowedTools  []string
	DeniedTools   []string
	Quota         *Quota
	IPAllowlist   []string
	Tags          map[string]string
	Namespace     string
	ExpiresAt     *time.Time
}

// DebitResult reports the balance after a successful debit.
type DebitResult struct {
	NewBalance int64
}

// Store holds all API key records. A lazily created per-key mutex serializes
// economic mutations so a debit on one key never blocks a debit on another;
// the store-level RWMutex guards the record map and is additionally held in
// write mode around every record field write, so readers copying a record
// under RLock never observe a half-applied mutation.
type Store struct {
	mu      sync.RWMutex
	records map[string]*ApiKeyRecord

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	logger *log.Logger
	now    func() time.Time
}

// New creates an empty key store.
func New() *Store {
	return &Store{
		records: make(map[string]*ApiKeyRecord),
		locks:   make(map[string]*sync.Mutex),
		logger:  log.New(log.Writer(), "[KEYSTORE] ", log.LstdFlags),
		now:     time.Now,
	}
}

// GenerateKey produces a fresh pg_-prefixed identifier (64 hex characters).
func GenerateKey() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("keystore: crypto/rand unavailable: " + err.Error())
	}
	return "pg_" + hex.EncodeToString(buf)
}

// CreateKey mints a new key record with counters initialized to zero.
func (s *Store) CreateKey(p CreateParams) *ApiKeyRecord {
	rec := &ApiKeyRecord{
		Key:           GenerateKey(),
		Name:          p.Name,
		Credits:       p.Credits,
		SpendingLimit: p.SpendingLimit,
		Active:        true,
		CreatedAt:     s.now(),
		AllowedTools:  p.AllowedTools,
		DeniedTools:   p.DeniedTools,
		Quota:         p.Quota,
		IPAllowlist:   p.IPAllowlist,
		Tags:          p.Tags,
		Namespace:     p.Namespace,
		ExpiresAt:     p.ExpiresAt,
	}

	s.mu.Lock()
	s.records[rec.Key] = rec
	s.mu.Unlock()

	s.logger.Printf("Created key %s (name=%q, credits=%d)", maskKey(rec.Key), rec.Name, rec.Credits)
	return rec
}

// Get returns a copy of the record for inspection. Quota and auto top-up
// state are deep-copied because mutators update their counters in place; the
// copy still shares slice headers, which mutators only ever replace wholesale.
func (s *Store) Get(key string) (*ApiKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := cloneRecord(rec)
	return &cp, nil
}

func cloneRecord(rec *ApiKeyRecord) ApiKeyRecord {
	cp := *rec
	if rec.Quota != nil {
		q := *rec.Quota
		cp.Quota = &q
	}
	if rec.AutoTopup != nil {
		at := *rec.AutoTopup
		cp.AutoTopup = &at
	}
	return cp
}

// Exists reports whether a key is registered.
func (s *Store) Exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[key]
	return ok
}

// lockFor returns the per-key mutex, creating it on first mutation.
func (s *Store) lockFor(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Store) get(key string) (*ApiKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return rec, nil
}

// checkUsable verifies lifecycle flags; callers hold the per-key lock.
func (s *Store) checkUsable(rec *ApiKeyRecord) error {
	if !rec.Active {
		return ErrKeyInactive
	}
	if rec.Suspended {
		return ErrKeySuspended
	}
	if rec.ExpiresAt != nil && s.now().After(*rec.ExpiresAt) {
		return ErrKeyExpired
	}
	return nil
}

// lazyResetQuota rolls the day/month counters forward when the stamp differs.
func (s *Store) lazyResetQuota(q *Quota) {
	if q == nil {
		return
	}
	now := s.now()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	if q.LastResetDay != day {
		q.DailyCalls = 0
		q.DailyCredits = 0
		q.LastResetDay = day
	}
	if q.LastResetMonth != month {
		q.MonthlyCalls = 0
		q.MonthlyCredits = 0
		q.LastResetMonth = month
	}
}

// Debit atomically charges a key. Succeeds only if the key is active, not
// suspended, not expired, and holds at least amount credits.
func (s *Store) Debit(key string, amount int64) (*DebitResult, error) {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	rec, err := s.get(key)
	if err != nil {
		return nil, err
	}
	if err := s.checkUsable(rec); err != nil {
		return nil, err
	}
	if rec.Credits < amount {
		return nil, ErrInsufficientCredits
	}

	s.mu.Lock()
	s.lazyResetQuota(rec.Quota)

	rec.Credits -= amount
	rec.TotalSpent += amount
	rec.TotalCalls++
	rec.LastUsedAt = s.now()
	if rec.Quota != nil {
		rec.Quota.DailyCalls++
		rec.Quota.MonthlyCalls++
		rec.Quota.DailyCredits += amount
		rec.Quota.MonthlyCredits += amount
	}
	balance := rec.Credits
	s.mu.Unlock()

	return &DebitResult{NewBalance: balance}, nil
}

// Refund compensates a failed call. It never fails: refunding an unknown key
// is a no-op so settlement can run after a concurrent revocation.
func (s *Store) Refund(key string, amount int64) {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	rec, err := s.get(key)
	if err != nil {
		return
	}

	s.mu.Lock()
	rec.Credits += amount
	rec.TotalSpent -= amount
	if rec.TotalSpent < 0 {
		rec.TotalSpent = 0
	}
	if rec.TotalCalls > 0 {
		rec.TotalCalls--
	}
	s.mu.Unlock()
}

// TopUp grants credits. Grants that would push total spending capacity past
// a configured spending limit fail.
func (s *Store) TopUp(key string, credits int64) (int64, error) {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	rec, err := s.get(key)
	if err != nil {
		return 0, err
	}
	if rec.SpendingLimit > 0 && rec.TotalSpent+rec.Credits+credits > rec.SpendingLimit {
		return rec.Credits, ErrSpendingLimitExceeded
	}

	s.mu.Lock()
	rec.Credits += credits
	balance := rec.Credits
	s.mu.Unlock()
	return balance, nil
}

// Transfer moves credits between two keys atomically with respect to each
// key's critical section. Locks are acquired in key order to avoid deadlock.
func (s *Store) Transfer(from, to string, credits int64) error {
	if from == to {
		return errors.New("cannot transfer to the same key")
	}
	first, second := from, to
	if second < first {
		first, second = second, first
	}
	l1, l2 := s.lockFor(first), s.lockFor(second)
	l1.Lock()
	defer l1.Unlock()
	l2.Lock()
	defer l2.Unlock()

	src, err := s.get(from)
	if err != nil {
		return err
	}
	dst, err := s.get(to)
	if err != nil {
		return err
	}
	if src.Credits < credits {
		return ErrInsufficientCredits
	}

	s.mu.Lock()
	src.Credits -= credits
	dst.Credits += credits
	s.mu.Unlock()
	return nil
}

// Revoke deactivates a key permanently.
func (s *Store) Revoke(key string) error {
	return s.update(key, func(rec *ApiKeyRecord) { rec.Active = false })
}

// Suspend pauses a key; debit rejects suspended keys.
func (s *Store) Suspend(key string) error {
	return s.update(key, func(rec *ApiKeyRecord) { rec.Suspended = true })
}

// Resume lifts a suspension.
func (s *Store) Resume(key string) error {
	return s.update(key, func(rec *ApiKeyRecord) { rec.Suspended = false })
}

// SetACL replaces the allow/deny tool lists. Denied wins over allowed; an
// empty allow list means all tools.
func (s *Store) SetACL(key string, allowed, denied []string) error {
	return s.update(key, func(rec *ApiKeyRecord) {
		rec.AllowedTools = allowed
		rec.DeniedTools = denied
	})
}

// SetQuota replaces the quota limits, preserving running counters.
func (s *Store) SetQuota(key string, q *Quota) error {
	return s.update(key, func(rec *ApiKeyRecord) {
		if q != nil && rec.Quota != nil {
			q.DailyCalls = rec.Quota.DailyCalls
			q.MonthlyCalls = rec.Quota.MonthlyCalls
			q.DailyCredits = rec.Quota.DailyCredits
			q.MonthlyCredits = rec.Quota.MonthlyCredits
			q.LastResetDay = rec.Quota.LastResetDay
			q.LastResetMonth = rec.Quota.LastResetMonth
		}
		rec.Quota = q
	})
}

// SetIPAllowlist replaces the CIDR allowlist.
func (s *Store) SetIPAllowlist(key string, cidrs []string) error {
	return s.update(key, func(rec *ApiKeyRecord) { rec.IPAllowlist = cidrs })
}

// SetTags replaces the tag map.
func (s *Store) SetTags(key string, tags map[string]string) error {
	return s.update(key, func(rec *ApiKeyRecord) { rec.Tags = tags })
}

// SetWebhookOverride sets a per-key webhook destination.
func (s *Store) SetWebhookOverride(key, url, secret string) error {
	return s.update(key, func(rec *ApiKeyRecord) {
		rec.WebhookURL = url
		rec.WebhookSecret = secret
	})
}

// SetAutoTopup configures automatic top-ups for a key.
func (s *Store) SetAutoTopup(key string, at *AutoTopup) error {
	return s.update(key, func(rec *ApiKeyRecord) { rec.AutoTopup = at })
}

// TryAutoTopup applies an automatic top-up if the balance is under the
// threshold and today's grant count allows one. Returns the granted amount.
func (s *Store) TryAutoTopup(key string) (int64, bool) {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	rec, err := s.get(key)
	if err != nil || rec.AutoTopup == nil {
		return 0, false
	}
	at := rec.AutoTopup
	if rec.Credits >= at.Threshold {
		return 0, false
	}

	day := s.now().Format("2006-01-02")

	s.mu.Lock()
	if at.CountDay != day {
		at.CountDay = day
		at.Count = 0
	}
	if at.MaxPerDay > 0 && at.Count >= at.MaxPerDay {
		s.mu.Unlock()
		return 0, false
	}

	at.Count++
	rec.Credits += at.Amount
	balance := rec.Credits
	count := at.Count
	s.mu.Unlock()

	s.logger.Printf("Auto top-up: key=%s amount=%d balance=%d (%d/%d today)",
		maskKey(key), at.Amount, balance, count, at.MaxPerDay)
	return at.Amount, true
}

// CheckQuota verifies that a prospective call of the given price fits inside
// the key's daily/monthly caps. It resets stale counters but does not record.
func (s *Store) CheckQuota(key string, credits int64) error {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	rec, err := s.get(key)
	if err != nil {
		return err
	}
	q := rec.Quota
	if q == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lazyResetQuota(q)

	switch {
	case q.DailyCallLimit > 0 && q.DailyCalls+1 > q.DailyCallLimit:
		return errors.New("daily_call_limit")
	case q.MonthlyCallLimit > 0 && q.MonthlyCalls+1 > q.MonthlyCallLimit:
		return errors.New("monthly_call_limit")
	case q.DailyCreditLimit > 0 && q.DailyCredits+credits > q.DailyCreditLimit:
		return errors.New("daily_credit_limit")
	case q.MonthlyCreditLimit > 0 && q.MonthlyCredits+credits > q.MonthlyCreditLimit:
		return errors.New("monthly_credit_limit")
	}
	return nil
}

func (s *Store) update(key string, fn func(*ApiKeyRecord)) error {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	rec, err := s.get(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	fn(rec)
	s.mu.Unlock()
	return nil
}

// List returns copies of all records.
func (s *Store) List() []ApiKeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ApiKeyRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneRecord(rec))
	}
	return out
}

// Snapshot returns all records for persistence.
func (s *Store) Snapshot() []ApiKeyRecord {
	return s.List()
}

// Restore replaces the store contents from a persisted snapshot.
func (s *Store) Restore(records []ApiKeyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*ApiKeyRecord, len(records))
	for i := range records {
		rec := records[i]
		s.records[rec.Key] = &rec
	}
}

// Count returns the number of registered keys.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// maskKey shortens a key for log output.
func maskKey(key string) string {
	if len(key) <= 11 {
		return key
	}
	return key[:11] + "..."
}
