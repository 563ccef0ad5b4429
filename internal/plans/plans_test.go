package plans

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateNormalizesMultiplier(t *testing.T) {
	r := NewRegistry()
	created, err := r.Create(&Plan{Name: "free"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, created.CreditMultiplier, "zero multiplier must not make calls free")

	_, err = r.Create(&Plan{Name: "bad", CreditMultiplier: -1})
	assert.Error(t, err)
}

func TestCreateValidatesName(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"", "has space", "has/slash", strings.Repeat("x", 65)} {
		_, err := r.Create(&Plan{Name: name})
		assert.ErrorIs(t, err, ErrInvalidPlanName, "name %q", name)
	}
	_, err := r.Create(&Plan{Name: "ok_plan-2"})
	assert.NoError(t, err)
}

func TestCreateDuplicate(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create(&Plan{Name: "pro"})
	require.NoError(t, err)
	_, err = r.Create(&Plan{Name: "pro"})
	assert.ErrorIs(t, err, ErrPlanExists)
}

func TestUpdateKeepsCreatedAt(t *testing.T) {
	r := NewRegistry()
	created, err := r.Create(&Plan{Name: "pro", RateLimitPerMin: 10})
	require.NoError(t, err)

	require.NoError(t, r.Update(&Plan{Name: "pro", RateLimitPerMin: 50}))
	got, ok := r.Get("pro")
	require.True(t, ok)
	assert.Equal(t, 50, got.RateLimitPerMin)
	assert.Equal(t, created.CreatedAt, got.CreatedAt)

	assert.ErrorIs(t, r.Update(&Plan{Name: "missing"}), ErrPlanNotFound)
}

func TestDeleteRefusesWhileAssigned(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create(&Plan{Name: "pro"})
	require.NoError(t, err)
	require.NoError(t, r.Assign("pg_key1", "pro"))

	assert.ErrorIs(t, r.Delete("pro"), ErrPlanInUse)

	require.NoError(t, r.Assign("pg_key1", ""))
	assert.NoError(t, r.Delete("pro"))
	assert.ErrorIs(t, r.Delete("pro"), ErrPlanNotFound)
}

func TestAssignAndPlanFor(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create(&Plan{Name: "pro", CreditMultiplier: 0.5})
	require.NoError(t, err)

	assert.ErrorIs(t, r.Assign("pg_key1", "missing"), ErrPlanNotFound)
	require.NoError(t, r.Assign("pg_key1", "pro"))

	p, ok := r.PlanFor("pg_key1")
	require.True(t, ok)
	assert.Equal(t, "pro", p.Name)
	assert.Equal(t, 0.5, r.CreditMultiplier("pg_key1"))
	assert.Equal(t, 1.0, r.CreditMultiplier("pg_other"), "unassigned keys pay full price")

	assert.ElementsMatch(t, []string{"pg_key1"}, r.AssignedKeys("pro"))
}

func TestToolACL(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create(&Plan{
		Name:         "scoped",
		AllowedTools: []string{"search", "fetch"},
		DeniedTools:  []string{"fetch"},
	})
	require.NoError(t, err)
	require.NoError(t, r.Assign("pg_key1", "scoped"))

	ok, reason := r.IsToolAllowed("pg_key1", "search")
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason = r.IsToolAllowed("pg_key1", "fetch")
	assert.False(t, ok)
	assert.Equal(t, "plan_tool_denied", reason, "deny wins over allow")

	ok, reason = r.IsToolAllowed("pg_key1", "delete")
	assert.False(t, ok)
	assert.Equal(t, "plan_tool_not_allowed", reason)

	ok, _ = r.IsToolAllowed("pg_no_plan", "anything")
	assert.True(t, ok)
}

func TestSnapshotRestoreDropsDanglingAssignments(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create(&Plan{Name: "pro"})
	require.NoError(t, err)
	require.NoError(t, r.Assign("pg_key1", "pro"))

	ps, as := r.Snapshot()
	as = append(as, Assignment{Key: "pg_ghost", Plan: "deleted-plan"})

	fresh := NewRegistry()
	fresh.Restore(ps, as)

	_, ok := fresh.PlanFor("pg_key1")
	assert.True(t, ok)
	_, ok = fresh.PlanFor("pg_ghost")
	assert.False(t, ok, "assignments to missing plans are dropped on restore")
}
