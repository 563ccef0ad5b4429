// Package permissions evaluates priority-ordered allow/deny rules with
// compound conditions against the context of a tool call. A rule matches
// only when every one of its conditions passes; the highest-priority
// matching rule decides, falling back to the engine's default effect.
package permissions

import (
	"errors"
	"fmt"
	"log"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Effect is a rule outcome.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// ConditionType tags a condition's semantics.
type ConditionType string

const (
	CondTimeRange   ConditionType = "time_range"
	CondEnvironment ConditionType = "environment"
	CondIPCIDR      ConditionType = "ip_cidr"
	CondMaxPayload  ConditionType = "max_payload_bytes"
	CondToolPattern ConditionType = "tool_pattern"
	CondCustom      ConditionType = "custom"
)

var (
	ErrRuleNotFound  = errors.New("permission rule not found")
	ErrInvalidEffect = errors.New("effect must be allow or deny")
)

// Condition is one typed predicate. Fields are used per type.
type Condition struct {
	Type ConditionType `json:"type"`

	// time_range
	StartHour int    `json:"start_hour,omitempty"`
	EndHour   int    `json:"end_hour,omitempty"`
	TZ        string `json:"tz,omitempty"`

	// environment
	Environments []string `json:"environments,omitempty"`

	// ip_cidr
	Ranges []string `json:"ranges,omitempty"`

	// max_payload_bytes
	MaxBytes int `json:"max_bytes,omitempty"`

	// tool_pattern
	Patterns []string `json:"patterns,omitempty"`

	// custom
	Key   string      `json:"key,omitempty"`
	Value interface{} `json:"value,omitempty"`
}

// Rule is one allow/deny policy. Higher priority evaluates first.
type Rule struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Effect     Effect      `json:"effect"`
	Priority   int         `json:"priority"`
	Conditions []Condition `json:"conditions"`
	Active     bool        `json:"active"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Assignment pairs a key with its rule ids for persistence.
type Assignment struct {
	Key     string   `json:"key"`
	RuleIDs []string `json:"rule_ids"`
}

// CheckContext carries the facts a condition can inspect.
type CheckContext struct {
	Key          string
	Tool         string
	Environment  string
	IP           string
	PayloadBytes int
	Extra        map[string]interface{}
}

// Engine holds rules and per-key assignments.
type Engine struct {
	mu            sync.RWMutex
	rules         map[string]*Rule
	assignments   map[string][]string
	defaultEffect Effect
	logger        *log.Logger
	now           func() time.Time
}

// NewEngine creates an engine with the given default effect for calls no
// rule matches.
func NewEngine(defaultEffect Effect) *Engine {
	if defaultEffect != EffectDeny {
		defaultEffect = EffectAllow
	}
	return &Engine{
		rules:         make(map[string]*Rule),
		assignments:   make(map[string][]string),
		defaultEffect: defaultEffect,
		logger:        log.New(log.Writer(), "[PERMS] ", log.LstdFlags),
		now:           time.Now,
	}
}

// AddRule registers a rule, assigning an id when absent.
func (e *Engine) AddRule(r *Rule) (*Rule, error) {
	if r.Effect != EffectAllow && r.Effect != EffectDeny {
		return nil, ErrInvalidEffect
	}
	for i := range r.Conditions {
		if err := validateCondition(&r.Conditions[i]); err != nil {
			return nil, err
		}
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	e.mu.Lock()
	e.rules[r.ID] = r
	e.mu.Unlock()

	e.logger.Printf("Added rule %q (effect=%s, priority=%d, conditions=%d)", r.Name, r.Effect, r.Priority, len(r.Conditions))
	cp := *r
	return &cp, nil
}

func validateCondition(c *Condition) error {
	switch c.Type {
	case CondTimeRange:
		if c.StartHour < 0 || c.StartHour > 23 || c.EndHour < 0 || c.EndHour > 23 {
			return fmt.Errorf("time_range hours must be in [0, 23]")
		}
		if c.TZ != "" {
			if _, err := time.LoadLocation(c.TZ); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", c.TZ, err)
			}
		}
	case CondEnvironment:
		if len(c.Environments) == 0 {
			return fmt.Errorf("environment condition needs at least one environment")
		}
	case CondIPCIDR:
		for _, cidr := range c.Ranges {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("invalid CIDR %q: %w", cidr, err)
			}
		}
	case CondMaxPayload:
		if c.MaxBytes <= 0 {
			return fmt.Errorf("max_payload_bytes needs a positive max_bytes")
		}
	case CondToolPattern:
		if len(c.Patterns) == 0 {
			return fmt.Errorf("tool_pattern condition needs at least one pattern")
		}
	case CondCustom:
		if c.Key == "" {
			return fmt.Errorf("custom condition needs a key")
		}
	default:
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	return nil
}

// RemoveRule deletes a rule by id and drops it from every assignment.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rules[id]; !ok {
		return ErrRuleNotFound
	}
	delete(e.rules, id)
	for key, ids := range e.assignments {
		kept := ids[:0]
		for _, rid := range ids {
			if rid != id {
				kept = append(kept, rid)
			}
		}
		e.assignments[key] = kept
	}
	return nil
}

// SetActive toggles a rule.
func (e *Engine) SetActive(id string, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	r.Active = active
	return nil
}

// Assign replaces the list of rule ids attached to a key.
func (e *Engine) Assign(key string, ruleIDs []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range ruleIDs {
		if _, ok := e.rules[id]; !ok {
			return ErrRuleNotFound
		}
	}
	if len(ruleIDs) == 0 {
		delete(e.assignments, key)
		return nil
	}
	e.assignments[key] = append([]string(nil), ruleIDs...)
	return nil
}

// Check evaluates the key's assigned active rules, highest priority first.
// The first rule whose conditions all pass decides; otherwise the default
// effect applies.
func (e *Engine) Check(ctx CheckContext) Effect {
	e.mu.RLock()
	ids := e.assignments[ctx.Key]
	matched := make([]*Rule, 0, len(ids))
	for _, id := range ids {
		if r, ok := e.rules[id]; ok && r.Active {
			matched = append(matched, r)
		}
	}
	e.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Priority > matched[j].Priority })

	for _, r := range matched {
		if e.ruleMatches(r, &ctx) {
			return r.Effect
		}
	}
	return e.defaultEffect
}

func (e *Engine) ruleMatches(r *Rule, ctx *CheckContext) bool {
	for i := range r.Conditions {
		if !e.conditionPasses(&r.Conditions[i], ctx) {
			return false
		}
	}
	return true
}

func (e *Engine) conditionPasses(c *Condition, ctx *CheckContext) bool {
	switch c.Type {
	case CondTimeRange:
		loc := time.UTC
		if c.TZ != "" {
			if l, err := time.LoadLocation(c.TZ); err == nil {
				loc = l
			}
		}
		hour := e.now().In(loc).Hour()
		if c.StartHour <= c.EndHour {
			return hour >= c.StartHour && hour < c.EndHour
		}
		// wrap-around window, e.g. 22 -> 6
		return hour >= c.StartHour || hour < c.EndHour

	case CondEnvironment:
		for _, env := range c.Environments {
			if env == ctx.Environment {
				return true
			}
		}
		return false

	case CondIPCIDR:
		ip := net.ParseIP(ctx.IP)
		if ip == nil {
			return false
		}
		for _, cidr := range c.Ranges {
			if _, ipnet, err := net.ParseCIDR(cidr); err == nil && ipnet.Contains(ip) {
				return true
			}
		}
		return false

	case CondMaxPayload:
		return ctx.PayloadBytes <= c.MaxBytes

	case CondToolPattern:
		for _, pattern := range c.Patterns {
			if globMatch(pattern, ctx.Tool) {
				return true
			}
		}
		return false

	case CondCustom:
		if ctx.Extra == nil {
			return false
		}
		return fmt.Sprint(ctx.Extra[c.Key]) == fmt.Sprint(c.Value)
	}
	return false
}

// globMatch matches a tool name against a pattern where * spans any run of
// characters and ? matches one.
func globMatch(pattern, name string) bool {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(name)
}

// Rules returns all rules sorted by priority descending.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// AssignedRules returns the rule ids attached to a key.
func (e *Engine) AssignedRules(key string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.assignments[key]...)
}

// DefaultEffect returns the fallback effect.
func (e *Engine) DefaultEffect() Effect {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaultEffect
}

// SetDefaultEffect changes the fallback effect.
func (e *Engine) SetDefaultEffect(effect Effect) error {
	if effect != EffectAllow && effect != EffectDeny {
		return ErrInvalidEffect
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultEffect = effect
	return nil
}

// Snapshot returns rules and assignments for persistence.
func (e *Engine) Snapshot() ([]Rule, []Assignment) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rs := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		rs = append(rs, *r)
	}
	as := make([]Assignment, 0, len(e.assignments))
	for key, ids := range e.assignments {
		as = append(as, Assignment{Key: key, RuleIDs: append([]string(nil), ids...)})
	}
	return rs, as
}

// Restore replaces the engine contents from a persisted snapshot.
func (e *Engine) Restore(rs []Rule, as []Assignment) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules = make(map[string]*Rule, len(rs))
	for i := range rs {
		r := rs[i]
		e.rules[r.ID] = &r
	}
	e.assignments = make(map[string][]string, len(as))
	for _, a := range as {
		e.assignments[a.Key] = append([]string(nil), a.RuleIDs...)
	}
}
