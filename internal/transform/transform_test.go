package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAdd(t *testing.T, p *Pipeline, r *Rule) *Rule {
	t.Helper()
	created, err := p.AddRule(r)
	require.NoError(t, err)
	return created
}

func TestAddRuleValidation(t *testing.T) {
	p := NewPipeline()
	_, err := p.AddRule(&Rule{Direction: "sideways"})
	assert.ErrorIs(t, err, ErrInvalidDirection)

	created := mustAdd(t, p, &Rule{Direction: DirectionRequest, Enabled: true})
	assert.Equal(t, "*", created.Tool, "empty tool defaults to wildcard")
	assert.NotEmpty(t, created.ID)
}

func TestSetRemoveRename(t *testing.T) {
	p := NewPipeline()
	mustAdd(t, p, &Rule{
		Tool: "search", Direction: DirectionRequest, Enabled: true,
		Operations: []Operation{
			{Type: OpSet, Path: "meta.source", Value: "gateway"},
			{Type: OpRemove, Path: "secret"},
			{Type: OpRename, From: "q", To: "query"},
		},
	})

	in := map[string]interface{}{"q": "golang", "secret": "hunter2"}
	out := p.Apply("search", DirectionRequest, in, nil)

	assert.Equal(t, "golang", out["query"])
	_, hasQ := out["q"]
	assert.False(t, hasQ)
	_, hasSecret := out["secret"]
	assert.False(t, hasSecret)
	meta := out["meta"].(map[string]interface{})
	assert.Equal(t, "gateway", meta["source"])

	assert.Equal(t, "hunter2", in["secret"], "input payload is never mutated")
}

func TestTemplateSubstitution(t *testing.T) {
	p := NewPipeline()
	mustAdd(t, p, &Rule{
		Tool: "*", Direction: DirectionRequest, Enabled: true,
		Operations: []Operation{
			{Type: OpTemplate, Path: "greeting", Template: "hello {{ user.name }} from {{ region }}"},
		},
	})

	out := p.Apply("anything", DirectionRequest, map[string]interface{}{}, map[string]interface{}{
		"user":   map[string]interface{}{"name": "ada"},
		"region": "eu",
	})
	assert.Equal(t, "hello ada from eu", out["greeting"])

	out = p.Apply("anything", DirectionRequest, map[string]interface{}{}, nil)
	assert.Equal(t, "hello  from ", out["greeting"], "unresolved variables collapse to empty")
}

func TestDirectionAndToolMatching(t *testing.T) {
	p := NewPipeline()
	mustAdd(t, p, &Rule{
		Tool: "search", Direction: DirectionResponse, Enabled: true,
		Operations: []Operation{{Type: OpSet, Path: "marked", Value: true}},
	})

	out := p.Apply("search", DirectionRequest, map[string]interface{}{}, nil)
	_, ok := out["marked"]
	assert.False(t, ok, "request apply must not run response rules")

	out = p.Apply("fetch", DirectionResponse, map[string]interface{}{}, nil)
	_, ok = out["marked"]
	assert.False(t, ok, "other tools unaffected")

	out = p.Apply("search", DirectionResponse, map[string]interface{}{}, nil)
	assert.Equal(t, true, out["marked"])
}

func TestPriorityOrderLowestFirst(t *testing.T) {
	p := NewPipeline()
	mustAdd(t, p, &Rule{
		Tool: "*", Direction: DirectionRequest, Enabled: true, Priority: 10,
		Operations: []Operation{{Type: OpSet, Path: "v", Value: "late"}},
	})
	mustAdd(t, p, &Rule{
		Tool: "*", Direction: DirectionRequest, Enabled: true, Priority: 1,
		Operations: []Operation{{Type: OpSet, Path: "v", Value: "early"}},
	})

	out := p.Apply("t", DirectionRequest, map[string]interface{}{}, nil)
	assert.Equal(t, "late", out["v"], "higher priority applies last and wins")
}

func TestDisabledRulesSkipped(t *testing.T) {
	p := NewPipeline()
	r := mustAdd(t, p, &Rule{
		Tool: "*", Direction: DirectionRequest, Enabled: false,
		Operations: []Operation{{Type: OpSet, Path: "v", Value: 1}},
	})

	out := p.Apply("t", DirectionRequest, map[string]interface{}{}, nil)
	assert.Empty(t, out)

	require.NoError(t, p.SetEnabled(r.ID, true))
	out = p.Apply("t", DirectionRequest, map[string]interface{}{}, nil)
	assert.Equal(t, 1, out["v"])
}

func TestOperationErrorsCountedAndSkipped(t *testing.T) {
	p := NewPipeline()
	mustAdd(t, p, &Rule{
		Tool: "*", Direction: DirectionRequest, Enabled: true,
		Operations: []Operation{
			{Type: OpSet, Path: "scalar.sub", Value: 1},
			{Type: OpSet, Path: "ok", Value: 2},
		},
	})

	out := p.Apply("t", DirectionRequest, map[string]interface{}{"scalar": "string"}, nil)
	assert.Equal(t, 2, out["ok"], "later operations still run")

	st := p.Stats()
	assert.Equal(t, int64(1), st.TotalErrors)
	assert.Equal(t, int64(1), st.TotalOperations)
	assert.Equal(t, int64(1), st.TotalApplications)
}

func TestRemoveRule(t *testing.T) {
	p := NewPipeline()
	r := mustAdd(t, p, &Rule{Direction: DirectionRequest, Enabled: true})
	require.NoError(t, p.RemoveRule(r.ID))
	assert.ErrorIs(t, p.RemoveRule(r.ID), ErrRuleNotFound)
}

func TestSnapshotRestore(t *testing.T) {
	p := NewPipeline()
	mustAdd(t, p, &Rule{
		Name: "stamp", Tool: "*", Direction: DirectionRequest, Enabled: true,
		Operations: []Operation{{Type: OpSet, Path: "stamped", Value: true}},
	})

	fresh := NewPipeline()
	fresh.Restore(p.Snapshot())
	out := fresh.Apply("t", DirectionRequest, map[string]interface{}{}, nil)
	assert.Equal(t, true, out["stamped"])
}
