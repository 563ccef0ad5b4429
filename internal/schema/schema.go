// Package schema validates tool arguments against a per-tool JSON-Schema
// subset before the call is forwarded. Tools without a registered schema
// always pass.
package schema

import (
	"fmt"
	"log"
	"reflect"
	"regexp"
	"sync"
)

// Schema is the supported JSON-Schema subset. Type may be a single type name
// or a list of names (union). Nested objects carry their own properties and
// required lists.
type Schema struct {
	Type       interface{}        `json:"type,omitempty"`
	Required   []string           `json:"required,omitempty"`
	Enum       []interface{}      `json:"enum,omitempty"`
	MinLength  *int               `json:"minLength,omitempty"`
	MaxLength  *int               `json:"maxLength,omitempty"`
	Minimum    *float64           `json:"minimum,omitempty"`
	Maximum    *float64           `json:"maximum,omitempty"`
	Pattern    string             `json:"pattern,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	MinItems   *int               `json:"minItems,omitempty"`
	MaxItems   *int               `json:"maxItems,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
}

// ValidationError locates one violation in the argument tree.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ToolStats counts validations per tool.
type ToolStats struct {
	Validations int64 `json:"validations"`
	Failures    int64 `json:"failures"`
}

// ToolSchema pairs a tool name with its schema for listing and persistence.
type ToolSchema struct {
	Tool   string  `json:"tool"`
	Schema *Schema `json:"schema"`
}

// Validator holds registered tool schemas.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
	stats   map[string]*ToolStats
	logger  *log.Logger
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{
		schemas: make(map[string]*Schema),
		stats:   make(map[string]*ToolStats),
		logger:  log.New(log.Writer(), "[SCHEMA] ", log.LstdFlags),
	}
}

// Register installs or replaces the schema for a tool.
func (v *Validator) Register(tool string, s *Schema) error {
	if tool == "" {
		return fmt.Errorf("tool name is required")
	}
	if s == nil {
		return fmt.Errorf("schema is required")
	}
	if err := checkPatterns(s); err != nil {
		return err
	}

	v.mu.Lock()
	v.schemas[tool] = s
	v.mu.Unlock()
	v.logger.Printf("Registered schema for tool %q", tool)
	return nil
}

// checkPatterns compiles every regexp in the schema tree so bad patterns are
// rejected at registration instead of per call.
func checkPatterns(s *Schema) error {
	if s == nil {
		return nil
	}
	if s.Pattern != "" {
		if _, err := regexp.Compile(s.Pattern); err != nil {
			return fmt.Errorf("invalid pattern %q: %w", s.Pattern, err)
		}
	}
	if err := checkPatterns(s.Items); err != nil {
		return err
	}
	for _, child := range s.Properties {
		if err := checkPatterns(child); err != nil {
			return err
		}
	}
	return nil
}

// Unregister removes a tool's schema.
func (v *Validator) Unregister(tool string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.schemas[tool]
	delete(v.schemas, tool)
	return ok
}

// Get returns the schema registered for a tool.
func (v *Validator) Get(tool string) (*Schema, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.schemas[tool]
	return s, ok
}

// Validate walks the argument tree against the tool's schema. A nil return
// means the arguments are valid or the tool has no schema.
func (v *Validator) Validate(tool string, args map[string]interface{}) []ValidationError {
	v.mu.RLock()
	s, ok := v.schemas[tool]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	var errs []ValidationError
	validateValue(s, "", toValue(args), &errs)

	v.mu.Lock()
	st, ok := v.stats[tool]
	if !ok {
		st = &ToolStats{}
		v.stats[tool] = st
	}
	st.Validations++
	if len(errs) > 0 {
		st.Failures++
	}
	v.mu.Unlock()

	return errs
}

// toValue normalizes a nil args map to an empty object so required checks
// still produce per-field errors.
func toValue(args map[string]interface{}) interface{} {
	if args == nil {
		return map[string]interface{}{}
	}
	return args
}

// typeName maps a decoded JSON value to its schema type name.
func typeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// asFloat converts numeric JSON values for range checks.
func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func typeAllows(declared interface{}, actual string) bool {
	switch t := declared.(type) {
	case nil:
		return true
	case string:
		return t == actual
	case []interface{}:
		for _, alt := range t {
			if s, ok := alt.(string); ok && s == actual {
				return true
			}
		}
		return false
	case []string:
		for _, s := range t {
			if s == actual {
				return true
			}
		}
		return false
	}
	return false
}

func joinPath(base, field string) string {
	if base == "" {
		return field
	}
	return base + "." + field
}

func validateValue(s *Schema, path string, v interface{}, errs *[]ValidationError) {
	if s == nil {
		return
	}

	actual := typeName(v)
	if s.Type != nil && !typeAllows(s.Type, actual) {
		*errs = append(*errs, ValidationError{
			Path:    path,
			Message: fmt.Sprintf("expected type %v, got %s", s.Type, actual),
		})
		return
	}

	if len(s.Enum) > 0 {
		found := false
		for _, allowed := range s.Enum {
			if reflect.DeepEqual(allowed, v) {
				found = true
				break
			}
		}
		if !found {
			*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("value %v not in enum", v)})
		}
	}

	switch val := v.(type) {
	case string:
		if s.MinLength != nil && len(val) < *s.MinLength {
			*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("length %d below minLength %d", len(val), *s.MinLength)})
		}
		if s.MaxLength != nil && len(val) > *s.MaxLength {
			*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("length %d above maxLength %d", len(val), *s.MaxLength)})
		}
		if s.Pattern != "" {
			if re, err := regexp.Compile(s.Pattern); err == nil && !re.MatchString(val) {
				*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("does not match pattern %q", s.Pattern)})
			}
		}
	case []interface{}:
		if s.MinItems != nil && len(val) < *s.MinItems {
			*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("%d items below minItems %d", len(val), *s.MinItems)})
		}
		if s.MaxItems != nil && len(val) > *s.MaxItems {
			*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("%d items above maxItems %d", len(val), *s.MaxItems)})
		}
		if s.Items != nil {
			for i, item := range val {
				validateValue(s.Items, fmt.Sprintf("%s[%d]", path, i), item, errs)
			}
		}
	case map[string]interface{}:
		for _, req := range s.Required {
			if _, ok := val[req]; !ok {
				*errs = append(*errs, ValidationError{Path: joinPath(path, req), Message: "required field missing"})
			}
		}
		for name, child := range s.Properties {
			if fv, ok := val[name]; ok {
				validateValue(child, joinPath(path, name), fv, errs)
			}
		}
	default:
		if n, ok := asFloat(v); ok {
			if s.Minimum != nil && n < *s.Minimum {
				*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("%v below minimum %v", n, *s.Minimum)})
			}
			if s.Maximum != nil && n > *s.Maximum {
				*errs = append(*errs, ValidationError{Path: path, Message: fmt.Sprintf("%v above maximum %v", n, *s.Maximum)})
			}
		}
	}
}

// Stats returns per-tool validation counters.
func (v *Validator) Stats() map[string]ToolStats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]ToolStats, len(v.stats))
	for tool, st := range v.stats {
		out[tool] = *st
	}
	return out
}

// Snapshot returns all registered schemas for persistence.
func (v *Validator) Snapshot() []ToolSchema {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]ToolSchema, 0, len(v.schemas))
	for tool, s := range v.schemas {
		out = append(out, ToolSchema{Tool: tool, Schema: s})
	}
	return out
}

// Restore replaces the schema set from a persisted snapshot.
func (v *Validator) Restore(schemas []ToolSchema) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas = make(map[string]*Schema, len(schemas))
	for _, ts := range schemas {
		v.schemas[ts.Tool] = ts.Schema
	}
}
