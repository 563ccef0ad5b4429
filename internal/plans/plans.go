// Package plans manages tiered usage plans and their many-to-one assignment
// to API keys. A plan bundles rate, quota, concurrency, and pricing policy;
// zero on any limit means unbounded.
package plans

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"
)

var (
	ErrPlanNotFound    = errors.New("plan not found")
	ErrPlanExists      = errors.New("plan already exists")
	ErrPlanInUse       = errors.New("plan has assigned keys")
	ErrInvalidPlanName = errors.New("plan name must be 1-64 alphanumeric, _ or - characters")
)

var planName = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Plan is one usage tier.
type Plan struct {
	Name               string    `json:"name"`
	Description        string    `json:"description,omitempty"`
	RateLimitPerMin    int       `json:"rate_limit_per_min"`
	DailyCallLimit     int64     `json:"daily_call_limit"`
	MonthlyCallLimit   int64     `json:"monthly_call_limit"`
	DailyCreditLimit   int64     `json:"daily_credit_limit"`
	MonthlyCreditLimit int64     `json:"monthly_credit_limit"`
	CreditMultiplier   float64   `json:"credit_multiplier"`
	AllowedTools       []string  `json:"allowed_tools,omitempty"`
	DeniedTools        []string  `json:"denied_tools,omitempty"`
	MaxConcurrent      int       `json:"max_concurrent"`
	CreatedAt          time.Time `json:"created_at"`
}

// Assignment pairs a key with its plan for persistence.
type Assignment struct {
	Key  string `json:"key"`
	Plan string `json:"plan"`
}

// Registry owns the plan set and the key-to-plan mapping.
type Registry struct {
	mu          sync.RWMutex
	plans       map[string]*Plan
	assignments map[string]string
	logger      *log.Logger
}

// NewRegistry creates an empty plan registry.
func NewRegistry() *Registry {
	return &Registry{
		plans:       make(map[string]*Plan),
		assignments: make(map[string]string),
		logger:      log.New(log.Writer(), "[PLANS] ", log.LstdFlags),
	}
}

// Create adds a plan. Names must be unique and well-formed; a zero
// multiplier is normalized to 1.0 so new plans do not accidentally make
// everything free.
func (r *Registry) Create(p *Plan) (*Plan, error) {
	if !planName.MatchString(p.Name) {
		return nil, ErrInvalidPlanName
	}
	if p.CreditMultiplier < 0 {
		return nil, fmt.Errorf("credit multiplier must be >= 0")
	}
	if p.CreditMultiplier == 0 {
		p.CreditMultiplier = 1.0
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plans[p.Name]; exists {
		return nil, ErrPlanExists
	}
	r.plans[p.Name] = p

	r.logger.Printf("Created plan %q (rate=%d/min, multiplier=%.2f)", p.Name, p.RateLimitPerMin, p.CreditMultiplier)
	cp := *p
	return &cp, nil
}

// Update replaces a plan's limits in place, keeping assignments.
func (r *Registry) Update(p *Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.plans[p.Name]
	if !ok {
		return ErrPlanNotFound
	}
	if p.CreditMultiplier < 0 {
		return fmt.Errorf("credit multiplier must be >= 0")
	}
	if p.CreditMultiplier == 0 {
		p.CreditMultiplier = 1.0
	}
	p.CreatedAt = existing.CreatedAt
	r.plans[p.Name] = p
	return nil
}

// Delete removes a plan. It refuses while any key is assigned to it.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.plans[name]; !ok {
		return ErrPlanNotFound
	}
	for _, assigned := range r.assignments {
		if assigned == name {
			return ErrPlanInUse
		}
	}
	delete(r.plans, name)
	return nil
}

// Get returns a plan by name.
func (r *Registry) Get(name string) (*Plan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[name]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// Assign binds a key to a plan; an empty plan name unassigns.
func (r *Registry) Assign(key, plan string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if plan == "" {
		delete(r.assignments, key)
		return nil
	}
	if _, ok := r.plans[plan]; !ok {
		return ErrPlanNotFound
	}
	r.assignments[key] = plan
	return nil
}

// PlanFor returns the plan a key is assigned to, if any.
func (r *Registry) PlanFor(key string) (*Plan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.assignments[key]
	if !ok {
		return nil, false
	}
	p, ok := r.plans[name]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// CreditMultiplier returns the assigned plan's multiplier, 1.0 without one.
func (r *Registry) CreditMultiplier(key string) float64 {
	p, ok := r.PlanFor(key)
	if !ok {
		return 1.0
	}
	return p.CreditMultiplier
}

// IsToolAllowed applies the plan's ACL for a key: denied wins over allowed,
// an empty allow list admits all tools, and keys without a plan pass.
func (r *Registry) IsToolAllowed(key, tool string) (bool, string) {
	p, ok := r.PlanFor(key)
	if !ok {
		return true, ""
	}
	for _, denied := range p.DeniedTools {
		if denied == tool {
			return false, "plan_tool_denied"
		}
	}
	if len(p.AllowedTools) > 0 {
		for _, allowed := range p.AllowedTools {
			if allowed == tool {
				return true, ""
			}
		}
		return false, "plan_tool_not_allowed"
	}
	return true, ""
}

// AssignedKeys returns the keys currently on a plan.
func (r *Registry) AssignedKeys(plan string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for key, assigned := range r.assignments {
		if assigned == plan {
			out = append(out, key)
		}
	}
	return out
}

// List returns all plans.
func (r *Registry) List() []Plan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plan, 0, len(r.plans))
	for _, p := range r.plans {
		out = append(out, *p)
	}
	return out
}

// Snapshot returns plans and assignments for persistence.
func (r *Registry) Snapshot() ([]Plan, []Assignment) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ps := make([]Plan, 0, len(r.plans))
	for _, p := range r.plans {
		ps = append(ps, *p)
	}
	as := make([]Assignment, 0, len(r.assignments))
	for key, plan := range r.assignments {
		as = append(as, Assignment{Key: key, Plan: plan})
	}
	return ps, as
}

// Restore replaces the registry contents from a persisted snapshot.
func (r *Registry) Restore(ps []Plan, as []Assignment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.plans = make(map[string]*Plan, len(ps))
	for i := range ps {
		p := ps[i]
		r.plans[p.Name] = &p
	}
	r.assignments = make(map[string]string, len(as))
	for _, a := range as {
		if _, ok := r.plans[a.Plan]; ok {
			r.assignments[a.Key] = a.Plan
		}
	}
}
