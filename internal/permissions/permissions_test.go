package permissions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newForTest(def Effect) (*Engine, *time.Time) {
	e := NewEngine(def)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, &now
}

func mustAdd(t *testing.T, e *Engine, r *Rule) *Rule {
	t.Helper()
	created, err := e.AddRule(r)
	require.NoError(t, err)
	return created
}

func TestDefaultEffectApplies(t *testing.T) {
	e, _ := newForTest(EffectAllow)
	assert.Equal(t, EffectAllow, e.Check(CheckContext{Key: "pg_k", Tool: "search"}))

	d, _ := newForTest(EffectDeny)
	assert.Equal(t, EffectDeny, d.Check(CheckContext{Key: "pg_k", Tool: "search"}))
}

func TestAddRuleValidation(t *testing.T) {
	e, _ := newForTest(EffectAllow)

	_, err := e.AddRule(&Rule{Effect: "maybe", Active: true})
	assert.ErrorIs(t, err, ErrInvalidEffect)

	cases := []Condition{
		{Type: CondTimeRange, StartHour: -1},
		{Type: CondTimeRange, StartHour: 1, EndHour: 24},
		{Type: CondTimeRange, TZ: "Not/AZone"},
		{Type: CondEnvironment},
		{Type: CondIPCIDR, Ranges: []string{"not-a-cidr"}},
		{Type: CondMaxPayload, MaxBytes: 0},
		{Type: CondToolPattern},
		{Type: CondCustom},
		{Type: "unknown"},
	}
	for _, c := range cases {
		_, err := e.AddRule(&Rule{Effect: EffectDeny, Active: true, Conditions: []Condition{c}})
		assert.Error(t, err, "condition type %s", c.Type)
	}
}

func TestPriorityOrderFirstMatchWins(t *testing.T) {
	e, _ := newForTest(EffectAllow)

	low := mustAdd(t, e, &Rule{
		Name: "allow-all-tools", Effect: EffectAllow, Priority: 1, Active: true,
		Conditions: []Condition{{Type: CondToolPattern, Patterns: []string{"*"}}},
	})
	high := mustAdd(t, e, &Rule{
		Name: "deny-admin-tools", Effect: EffectDeny, Priority: 10, Active: true,
		Conditions: []Condition{{Type: CondToolPattern, Patterns: []string{"admin_*"}}},
	})
	require.NoError(t, e.Assign("pg_k", []string{low.ID, high.ID}))

	assert.Equal(t, EffectDeny, e.Check(CheckContext{Key: "pg_k", Tool: "admin_reset"}))
	assert.Equal(t, EffectAllow, e.Check(CheckContext{Key: "pg_k", Tool: "search"}))
}

func TestInactiveRulesSkipped(t *testing.T) {
	e, _ := newForTest(EffectAllow)
	r := mustAdd(t, e, &Rule{
		Effect: EffectDeny, Priority: 5, Active: false,
		Conditions: []Condition{{Type: CondToolPattern, Patterns: []string{"*"}}},
	})
	require.NoError(t, e.Assign("pg_k", []string{r.ID}))
	assert.Equal(t, EffectAllow, e.Check(CheckContext{Key: "pg_k", Tool: "x"}))

	require.NoError(t, e.SetActive(r.ID, true))
	assert.Equal(t, EffectDeny, e.Check(CheckContext{Key: "pg_k", Tool: "x"}))
}

func TestTimeRangeWindow(t *testing.T) {
	e, now := newForTest(EffectDeny)
	r := mustAdd(t, e, &Rule{
		Effect: EffectAllow, Active: true,
		Conditions: []Condition{{Type: CondTimeRange, StartHour: 9, EndHour: 17}},
	})
	require.NoError(t, e.Assign("pg_k", []string{r.ID}))

	*now = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, EffectAllow, e.Check(CheckContext{Key: "pg_k"}))

	*now = time.Date(2026, 8, 24, 17, 0, 0, 0, time.UTC)
	assert.Equal(t, EffectDeny, e.Check(CheckContext{Key: "pg_k"}), "end hour is exclusive")

	*now = time.Date(2026, 8, 24, 8, 59, 0, 0, time.UTC)
	assert.Equal(t, EffectDeny, e.Check(CheckContext{Key: "pg_k"}))
}

func TestTimeRangeWrapAround(t *testing.T) {
	e, now := newForTest(EffectDeny)
	r := mustAdd(t, e, &Rule{
		Effect: EffectAllow, Active: true,
		Conditions: []Condition{{Type: CondTimeRange, StartHour: 22, EndHour: 6}},
	})
	require.NoError(t, e.Assign("pg_k", []string{r.ID}))

	*now = time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, EffectAllow, e.Check(CheckContext{Key: "pg_k"}))
	*now = time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, EffectAllow, e.Check(CheckContext{Key: "pg_k"}))
	*now = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, EffectDeny, e.Check(CheckContext{Key: "pg_k"}))
}

func TestIPCIDRCondition(t *testing.T) {
	e, _ := newForTest(EffectAllow)
	r := mustAdd(t, e, &Rule{
		Effect: EffectDeny, Active: true,
		Conditions: []Condition{{Type: CondIPCIDR, Ranges: []string{"10.0.0.0/8"}}},
	})
	require.NoError(t, e.Assign("pg_k", []string{r.ID}))

	assert.Equal(t, EffectDeny, e.Check(CheckContext{Key: "pg_k", IP: "10.1.2.3"}))
	assert.Equal(t, EffectAllow, e.Check(CheckContext{Key: "pg_k", IP: "192.168.0.1"}))
	assert.Equal(t, EffectAllow, e.Check(CheckContext{Key: "pg_k"}), "missing IP fails the condition")
}

func TestEnvironmentPayloadAndCustom(t *testing.T) {
	e, _ := newForTest(EffectAllow)
	r := mustAdd(t, e, &Rule{
		Effect: EffectDeny, Active: true,
		Conditions: []Condition{
			{Type: CondEnvironment, Environments: []string{"production"}},
			{Type: CondMaxPayload, MaxBytes: 1024},
			{Type: CondCustom, Key: "tier", Value: "trial"},
		},
	})
	require.NoError(t, e.Assign("pg_k", []string{r.ID}))

	matchAll := CheckContext{
		Key: "pg_k", Environment: "production", PayloadBytes: 512,
		Extra: map[string]interface{}{"tier": "trial"},
	}
	assert.Equal(t, EffectDeny, e.Check(matchAll), "all conditions match")

	partial := matchAll
	partial.PayloadBytes = 4096
	assert.Equal(t, EffectAllow, e.Check(partial), "one failed condition skips the rule")
}

func TestGlobMatch(t *testing.T) {
	assert.True(t, globMatch("admin_*", "admin_reset"))
	assert.True(t, globMatch("get_?", "get_x"))
	assert.False(t, globMatch("get_?", "get_xy"))
	assert.True(t, globMatch("*", "anything"))
	assert.False(t, globMatch("admin_*", "user_admin_x"))
}

func TestRemoveRuleDropsAssignments(t *testing.T) {
	e, _ := newForTest(EffectAllow)
	r := mustAdd(t, e, &Rule{Effect: EffectDeny, Active: true})
	require.NoError(t, e.Assign("pg_k", []string{r.ID}))

	require.NoError(t, e.RemoveRule(r.ID))
	assert.Empty(t, e.AssignedRules("pg_k"))
	assert.ErrorIs(t, e.RemoveRule(r.ID), ErrRuleNotFound)
}

func TestAssignUnknownRule(t *testing.T) {
	e, _ := newForTest(EffectAllow)
	assert.ErrorIs(t, e.Assign("pg_k", []string{"nope"}), ErrRuleNotFound)
}

func TestSnapshotRestore(t *testing.T) {
	e, _ := newForTest(EffectAllow)
	r := mustAdd(t, e, &Rule{
		Name: "deny-night", Effect: EffectDeny, Priority: 3, Active: true,
		Conditions: []Condition{{Type: CondToolPattern, Patterns: []string{"batch_*"}}},
	})
	require.NoError(t, e.Assign("pg_k", []string{r.ID}))

	rules, assigns := e.Snapshot()
	fresh, _ := newForTest(EffectAllow)
	fresh.Restore(rules, assigns)

	assert.Equal(t, EffectDeny, fresh.Check(CheckContext{Key: "pg_k", Tool: "batch_export"}))
	assert.Equal(t, EffectAllow, fresh.Check(CheckContext{Key: "pg_k", Tool: "search"}))
}
