package keystore

import (
	"fmt"
	"sync"
	"time"
)

// KeyTemplate captures a reusable set of key-creation defaults so operators
// can stamp out keys with consistent policy.
type KeyTemplate struct {
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	Credits       int64             `json:"credits"`
	SpendingLimit int64             `json:"spending_limit"`
	AllowedTools  []string          `json:"allowed_tools,omitempty"`
	DeniedTools   []string          `json:"denied_tools,omitempty"`
	Quota         *Quota            `json:"quota,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	Namespace     string            `json:"namespace,omitempty"`
	TTLHours      int               `json:"ttl_hours,omitempty"`
	Plan          string            `json:"plan,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// TemplateRegistry stores named key templates.
type TemplateRegistry struct {
	mu        sync.RWMutex
	templates map[string]*KeyTemplate
}

// NewTemplateRegistry creates an empty template registry.
func NewTemplateRegistry() *TemplateRegistry {
	return &TemplateRegistry{templates: make(map[string]*KeyTemplate)}
}

// Save adds or replaces a template.
func (tr *TemplateRegistry) Save(t *KeyTemplate) error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if existing, ok := tr.templates[t.Name]; ok {
		t.CreatedAt = existing.CreatedAt
	} else if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	tr.templates[t.Name] = t
	return nil
}

// Get retrieves a template by name.
func (tr *TemplateRegistry) Get(name string) (*KeyTemplate, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	t, ok := tr.templates[name]
	return t, ok
}

// Delete removes a template.
func (tr *TemplateRegistry) Delete(name string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, ok := tr.templates[name]; !ok {
		return fmt.Errorf("template %q not found", name)
	}
	delete(tr.templates, name)
	return nil
}

// List returns all templates.
func (tr *TemplateRegistry) List() []*KeyTemplate {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]*KeyTemplate, 0, len(tr.templates))
	for _, t := range tr.templates {
		out = append(out, t)
	}
	return out
}

// Snapshot returns template copies for persistence.
func (tr *TemplateRegistry) Snapshot() []KeyTemplate {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]KeyTemplate, 0, len(tr.templates))
	for _, t := range tr.templates {
		out = append(out, *t)
	}
	return out
}

// Restore replaces the registry contents from a persisted snapshot.
func (tr *TemplateRegistry) Restore(templates []KeyTemplate) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.templates = make(map[string]*KeyTemplate, len(templates))
	for i := range templates {
		t := templates[i]
		tr.templates[t.Name] = &t
	}
}

// CreateFromTemplate mints a key using a template's defaults.
func (s *Store) CreateFromTemplate(t *KeyTemplate, name string) *ApiKeyRecord {
	var expires *time.Time
	if t.TTLHours > 0 {
		e := s.now().Add(time.Duration(t.TTLHours) * time.Hour)
		expires = &e
	}
	var quota *Quota
	if t.Quota != nil {
		q := *t.Quota
		quota = &q
	}
	tags := make(map[string]string, len(t.Tags))
	for k, v := range t.Tags {
		tags[k] = v
	}

	return s.CreateKey(CreateParams{
		Name:          name,
		Credits:       t.Credits,
		SpendingLimit: t.SpendingLimit,
		AllowedTools:  append([]string(nil), t.AllowedTools...),
		DeniedTools:   append([]string(nil), t.DeniedTools...),
		Quota:         quota,
		Tags:          tags,
		Namespace:     t.Namespace,
		ExpiresAt:     expires,
	})
}
