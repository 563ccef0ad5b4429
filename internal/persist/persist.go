// Package persist writes registry snapshots to disk with the tmp + rename
// discipline so no reader ever sees a half-written file. Persistence is
// best-effort: failures are logged and memory state stays authoritative.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/paygate/gateway/internal/adminkeys"
	"github.com/paygate/gateway/internal/keystore"
	"github.com/paygate/gateway/internal/permissions"
	"github.com/paygate/gateway/internal/plans"
	"github.com/paygate/gateway/internal/schema"
	"github.com/paygate/gateway/internal/scopedtoken"
	"github.com/paygate/gateway/internal/teams"
	"github.com/paygate/gateway/internal/transform"
)

// ErrNotFound reports a missing snapshot file.
var ErrNotFound = errors.New("snapshot not found")

// State is everything the gateway serializes across restarts.
type State struct {
	Keys        []keystore.ApiKeyRecord      `json:"keys,omitempty"`
	AdminKeys   []adminkeys.AdminKeyRecord   `json:"admin_keys,omitempty"`
	Teams       []teams.Team                 `json:"teams,omitempty"`
	Plans       []plans.Plan                 `json:"plans,omitempty"`
	PlanAssigns []plans.Assignment           `json:"plan_assignments,omitempty"`
	Templates   []keystore.KeyTemplate       `json:"templates,omitempty"`
	Transforms  []transform.Rule             `json:"transforms,omitempty"`
	Rules       []permissions.Rule           `json:"permission_rules,omitempty"`
	RuleAssigns []permissions.Assignment     `json:"permission_assignments,omitempty"`
	Schemas     []schema.ToolSchema          `json:"schemas,omitempty"`
	Revocations []scopedtoken.RevocationEntry `json:"revocations,omitempty"`
}

// Store writes and reads snapshot files under one directory.
type Store struct {
	dir    string
	logger *log.Logger
}

// New creates the snapshot directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir %s: %w", dir, err)
	}
	return &Store{
		dir:    dir,
		logger: log.New(log.Writer(), "[PERSIST] ", log.LstdFlags),
	}, nil
}

// WriteJSON atomically writes v as indented JSON under name.
func (s *Store) WriteJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	final := filepath.Join(s.dir, name+".json")
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// ReadJSON loads a snapshot file into v.
func (s *Store) ReadJSON(name string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// SaveState writes every collection to its own file. The first error is
// returned after attempting all of them.
func (s *Store) SaveState(st *State) error {
	var firstErr error
	save := func(name string, v interface{}) {
		if err := s.WriteJSON(name, v); err != nil {
			s.logger.Printf("Failed to save %s: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	save("api-keys", st.Keys)
	save("admin-keys", st.AdminKeys)
	save("teams", st.Teams)
	save("plans", st.Plans)
	save("plan-assignments", st.PlanAssigns)
	save("templates", st.Templates)
	save("transforms", st.Transforms)
	save("permission-rules", st.Rules)
	save("permission-assignments", st.RuleAssigns)
	save("schemas", st.Schemas)
	save("revocations", st.Revocations)
	return firstErr
}

// LoadState reads every collection; missing files are skipped.
func (s *Store) LoadState() (*State, error) {
	st := &State{}
	load := func(name string, v interface{}) error {
		err := s.ReadJSON(name, v)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	var firstErr error
	for _, step := range []struct {
		name string
		dst  interface{}
	}{
		{"api-keys", &st.Keys},
		{"admin-keys", &st.AdminKeys},
		{"teams", &st.Teams},
		{"plans", &st.Plans},
		{"plan-assignments", &st.PlanAssigns},
		{"templates", &st.Templates},
		{"transforms", &st.Transforms},
		{"permission-rules", &st.Rules},
		{"permission-assignments", &st.RuleAssigns},
		{"schemas", &st.Schemas},
		{"revocations", &st.Revocations},
	} {
		if err := load(step.name, step.dst); err != nil {
			s.logger.Printf("Failed to load %s: %v", step.name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return st, firstErr
}
