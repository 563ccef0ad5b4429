// Package teams groups API keys under a shared budget and quota. A key
// belongs to at most one active team; deactivating a team releases all of
// its members.
package teams

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxMembers caps team size.
const MaxMembers = 100

var (
	ErrTeamNotFound        = errors.New("team not found")
	ErrTeamInactive        = errors.New("team is not active")
	ErrTeamFull            = errors.New("team is full")
	ErrKeyAlreadyInTeam    = errors.New("key already belongs to a team")
	ErrKeyNotInTeam        = errors.New("key is not a member of this team")
	ErrBudgetExceeded      = errors.New("team_budget_exceeded")
	ErrDailyCallLimit      = errors.New("team_daily_call_limit")
	ErrDailyCreditLimit    = errors.New("team_daily_credit_limit")
)

// Team is one budget-sharing group. Budget zero means unlimited.
type Team struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	MemberKeys  []string          `json:"member_keys,omitempty"`
	Budget      int64             `json:"budget"`
	TotalSpent  int64             `json:"total_spent"`

	QuotaDailyCalls   int64 `json:"quota_daily_calls"`
	QuotaDailyCredits int64 `json:"quota_daily_credits"`

	DailyCalls   int64  `json:"daily_calls"`
	DailyCredits int64  `json:"daily_credits"`
	LastResetDay string `json:"last_reset_day"`

	Active    bool              `json:"active"`
	Tags      map[string]string `json:"tags,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// UpdateParams selects which team fields to change. Nil pointers leave the
// field alone; a nil value inside Tags removes that tag.
type UpdateParams struct {
	Name              *string
	Description       *string
	Budget            *int64
	QuotaDailyCalls   *int64
	QuotaDailyCredits *int64
	Tags              map[string]*string
}

// Registry owns all teams and the key-to-team index.
type Registry struct {
	mu       sync.Mutex
	teams    map[string]*Team
	byMember map[string]string
	logger   *log.Logger
	now      func() time.Time
}

// NewRegistry creates an empty team registry.
func NewRegistry() *Registry {
	return &Registry{
		teams:    make(map[string]*Team),
		byMember: make(map[string]string),
		logger:   log.New(log.Writer(), "[TEAMS] ", log.LstdFlags),
		now:      time.Now,
	}
}

// Create adds a team.
func (r *Registry) Create(name, description string, budget int64) *Team {
	t := &Team{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Budget:      budget,
		Active:      true,
		CreatedAt:   r.now(),
	}

	r.mu.Lock()
	r.teams[t.ID] = t
	r.mu.Unlock()

	r.logger.Printf("Created team %q (budget=%d)", name, budget)
	cp := *t
	return &cp
}

// Update applies selective changes to a team.
func (r *Registry) Update(id string, p UpdateParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.teams[id]
	if !ok {
		return ErrTeamNotFound
	}
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Budget != nil {
		t.Budget = *p.Budget
	}
	if p.QuotaDailyCalls != nil {
		t.QuotaDailyCalls = *p.QuotaDailyCalls
	}
	if p.QuotaDailyCredits != nil {
		t.QuotaDailyCredits = *p.QuotaDailyCredits
	}
	for k, v := range p.Tags {
		if v == nil {
			delete(t.Tags, k)
			continue
		}
		if t.Tags == nil {
			t.Tags = make(map[string]string)
		}
		t.Tags[k] = *v
	}
	return nil
}

// Delete deactivates a team and unassigns every member.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.teams[id]
	if !ok {
		return ErrTeamNotFound
	}
	t.Active = false
	for _, key := range t.MemberKeys {
		delete(r.byMember, key)
	}
	t.MemberKeys = nil
	r.logger.Printf("Deleted team %q, members released", t.Name)
	return nil
}

// AssignKey adds a key to a team. Fails when the key already belongs to
// another active team or the team is full.
func (r *Registry) AssignKey(teamID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.teams[teamID]
	if !ok {
		return ErrTeamNotFound
	}
	if !t.Active {
		return ErrTeamInactive
	}
	if existing, assigned := r.byMember[key]; assigned && existing != teamID {
		return ErrKeyAlreadyInTeam
	}
	if existing, assigned := r.byMember[key]; assigned && existing == teamID {
		return nil
	}
	if len(t.MemberKeys) >= MaxMembers {
		return ErrTeamFull
	}

	t.MemberKeys = append(t.MemberKeys, key)
	r.byMember[key] = teamID
	return nil
}

// UnassignKey removes a key from its team.
func (r *Registry) UnassignKey(teamID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.teams[teamID]
	if !ok {
		return ErrTeamNotFound
	}
	if r.byMember[key] != teamID {
		return ErrKeyNotInTeam
	}

	kept := t.MemberKeys[:0]
	for _, member := range t.MemberKeys {
		if member != key {
			kept = append(kept, member)
		}
	}
	t.MemberKeys = kept
	delete(r.byMember, key)
	return nil
}

// TeamFor returns the team a key belongs to, if any.
func (r *Registry) TeamFor(key string) (*Team, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byMember[key]
	if !ok {
		return nil, false
	}
	t, ok := r.teams[id]
	if !ok || !t.Active {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// lazyResetDaily rolls the daily counters when the day stamp differs.
// Caller holds the lock.
func (r *Registry) lazyResetDaily(t *Team) {
	day := r.now().Format("2006-01-02")
	if t.LastResetDay != day {
		t.DailyCalls = 0
		t.DailyCredits = 0
		t.LastResetDay = day
	}
}

// CheckBudget verifies a prospective spend fits the key's team budget. Keys
// without a team, and teams without a budget, always pass.
func (r *Registry) CheckBudget(key string, credits int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.activeTeamFor(key)
	if t == nil || t.Budget == 0 {
		return nil
	}
	if t.TotalSpent+credits > t.Budget {
		return ErrBudgetExceeded
	}
	return nil
}

// CheckQuota verifies a prospective call fits the team's daily caps. It
// resets stale counters but does not record.
func (r *Registry) CheckQuota(key string, credits int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.activeTeamFor(key)
	if t == nil {
		return nil
	}
	r.lazyResetDaily(t)

	if t.QuotaDailyCalls > 0 && t.DailyCalls+1 > t.QuotaDailyCalls {
		return ErrDailyCallLimit
	}
	if t.QuotaDailyCredits > 0 && t.DailyCredits+credits > t.QuotaDailyCredits {
		return ErrDailyCreditLimit
	}
	return nil
}

// RecordUsage charges a completed call against the key's team counters.
func (r *Registry) RecordUsage(key string, credits int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.activeTeamFor(key)
	if t == nil {
		return
	}
	r.lazyResetDaily(t)
	t.TotalSpent += credits
	t.DailyCalls++
	t.DailyCredits += credits
}

// RefundUsage compensates a refunded call.
func (r *Registry) RefundUsage(key string, credits int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.activeTeamFor(key)
	if t == nil {
		return
	}
	t.TotalSpent -= credits
	if t.TotalSpent < 0 {
		t.TotalSpent = 0
	}
}

// activeTeamFor resolves a key's active team. Caller holds the lock.
func (r *Registry) activeTeamFor(key string) *Team {
	id, ok := r.byMember[key]
	if !ok {
		return nil
	}
	t, ok := r.teams[id]
	if !ok || !t.Active {
		return nil
	}
	return t
}

// Get returns a team by id.
func (r *Registry) Get(id string) (*Team, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.teams[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// List returns all teams.
func (r *Registry) List() []Team {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Team, 0, len(r.teams))
	for _, t := range r.teams {
		out = append(out, *t)
	}
	return out
}

// Snapshot returns all teams for persistence.
func (r *Registry) Snapshot() []Team {
	return r.List()
}

// Restore replaces the registry contents from a persisted snapshot,
// rebuilding the member index from active teams.
func (r *Registry) Restore(ts []Team) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.teams = make(map[string]*Team, len(ts))
	r.byMember = make(map[string]string)
	for i := range ts {
		t := ts[i]
		r.teams[t.ID] = &t
		if t.Active {
			for _, key := range t.MemberKeys {
				r.byMember[key] = t.ID
			}
		}
	}
}
