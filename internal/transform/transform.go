// Package transform applies declarative, priority-ordered rewrites to tool
// request and response payloads. Input payloads are never mutated; every
// application works on a deep clone.
package transform

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Direction selects which side of the call a rule rewrites.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// OpType is a rewrite operation kind.
type OpType string

const (
	OpSet      OpType = "set"
	OpRemove   OpType = "remove"
	OpRename   OpType = "rename"
	OpTemplate OpType = "template"
)

// Operation is one rewrite step. Fields are used per type: set needs
// Path+Value, remove needs Path, rename needs From+To, template needs
// Path+Template.
type Operation struct {
	Type     OpType      `json:"type"`
	Path     string      `json:"path,omitempty"`
	Value    interface{} `json:"value,omitempty"`
	From     string      `json:"from,omitempty"`
	To       string      `json:"to,omitempty"`
	Template string      `json:"template,omitempty"`
}

// Rule binds operations to a tool (exact name or "*") and direction. Lower
// priority applies first.
type Rule struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Tool       string      `json:"tool"`
	Direction  Direction   `json:"direction"`
	Operations []Operation `json:"operations"`
	Priority   int         `json:"priority"`
	Enabled    bool        `json:"enabled"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Stats counts pipeline activity.
type Stats struct {
	Rules             int   `json:"rules"`
	TotalApplications int64 `json:"total_applications"`
	TotalOperations   int64 `json:"total_operations"`
	TotalErrors       int64 `json:"total_errors"`
}

var (
	ErrRuleNotFound     = errors.New("transform rule not found")
	ErrInvalidDirection = errors.New("direction must be request or response")
)

var templateVar = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Pipeline holds the rule set and applies it to payloads.
type Pipeline struct {
	mu    sync.RWMutex
	rules map[string]*Rule

	applications int64
	operations   int64
	errors       int64

	logger *log.Logger
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{
		rules:  make(map[string]*Rule),
		logger: log.New(log.Writer(), "[TRANSFORM] ", log.LstdFlags),
	}
}

// AddRule registers a rule, assigning an id when absent.
func (p *Pipeline) AddRule(r *Rule) (*Rule, error) {
	if r.Direction != DirectionRequest && r.Direction != DirectionResponse {
		return nil, ErrInvalidDirection
	}
	if r.Tool == "" {
		r.Tool = "*"
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	p.mu.Lock()
	p.rules[r.ID] = r
	p.mu.Unlock()

	p.logger.Printf("Added rule %q (tool=%s, direction=%s, ops=%d)", r.Name, r.Tool, r.Direction, len(r.Operations))
	cp := *r
	return &cp, nil
}

// RemoveRule deletes a rule by id.
func (p *Pipeline) RemoveRule(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.rules[id]; !ok {
		return ErrRuleNotFound
	}
	delete(p.rules, id)
	return nil
}

// SetEnabled toggles a rule.
func (p *Pipeline) SetEnabled(id string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	r.Enabled = enabled
	return nil
}

// Rules returns all rules sorted by priority.
func (p *Pipeline) Rules() []Rule {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Rule, 0, len(p.rules))
	for _, r := range p.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Apply rewrites data through every enabled rule matching the tool and
// direction, lowest priority first. The input is deep-cloned; per-operation
// failures are counted and skipped.
func (p *Pipeline) Apply(tool string, direction Direction, data map[string]interface{}, context map[string]interface{}) map[string]interface{} {
	p.mu.Lock()
	matched := make([]*Rule, 0)
	for _, r := range p.rules {
		if r.Enabled && r.Direction == direction && (r.Tool == "*" || r.Tool == tool) {
			matched = append(matched, r)
		}
	}
	p.mu.Unlock()

	out := cloneMap(data)
	if len(matched) == 0 {
		return out
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Priority < matched[j].Priority })

	var applied, failed int64
	for _, r := range matched {
		for i := range r.Operations {
			if err := applyOp(out, &r.Operations[i], context); err != nil {
				failed++
				continue
			}
			applied++
		}
	}

	p.mu.Lock()
	p.applications++
	p.operations += applied
	p.errors += failed
	p.mu.Unlock()
	return out
}

func applyOp(data map[string]interface{}, op *Operation, context map[string]interface{}) error {
	switch op.Type {
	case OpSet:
		return setPath(data, op.Path, cloneValue(op.Value))
	case OpRemove:
		return removePath(data, op.Path)
	case OpRename:
		val, ok := getPath(data, op.From)
		if !ok {
			return nil
		}
		if err := removePath(data, op.From); err != nil {
			return err
		}
		return setPath(data, op.To, val)
	case OpTemplate:
		resolved := templateVar.ReplaceAllStringFunc(op.Template, func(match string) string {
			name := templateVar.FindStringSubmatch(match)[1]
			if v, ok := lookupVar(context, name); ok {
				return fmt.Sprint(v)
			}
			return ""
		})
		return setPath(data, op.Path, resolved)
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// lookupVar resolves a dotted variable name against the context map.
func lookupVar(context map[string]interface{}, name string) (interface{}, bool) {
	if context == nil {
		return nil, false
	}
	return getPath(context, name)
}

// setPath writes a value at a dotted path, creating intermediate objects.
func setPath(data map[string]interface{}, path string, value interface{}) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	cur := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part]
		if !ok {
			child := make(map[string]interface{})
			cur[part] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("path %q traverses a non-object at %q", path, part)
		}
		cur = child
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

// getPath reads a dotted path.
func getPath(data map[string]interface{}, path string) (interface{}, bool) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, false
	}
	cur := data
	for _, part := range parts[:len(parts)-1] {
		child, ok := cur[part].(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur = child
	}
	v, ok := cur[parts[len(parts)-1]]
	return v, ok
}

// removePath deletes the leaf at a dotted path. Missing paths are not an
// error.
func removePath(data map[string]interface{}, path string) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	cur := data
	for _, part := range parts[:len(parts)-1] {
		child, ok := cur[part].(map[string]interface{})
		if !ok {
			return nil
		}
		cur = child
	}
	delete(cur, parts[len(parts)-1])
	return nil
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, errors.New("empty path")
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid path %q", path)
		}
	}
	return parts, nil
}

// cloneMap deep-copies a JSON-shaped tree.
func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return make(map[string]interface{})
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Stats reports pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		Rules:             len(p.rules),
		TotalApplications: p.applications,
		TotalOperations:   p.operations,
		TotalErrors:       p.errors,
	}
}

// Snapshot returns all rules for persistence.
func (p *Pipeline) Snapshot() []Rule {
	return p.Rules()
}

// Restore replaces the rule set from a persisted snapshot.
func (p *Pipeline) Restore(rules []Rule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = make(map[string]*Rule, len(rules))
	for i := range rules {
		r := rules[i]
		p.rules[r.ID] = &r
	}
}
