package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow_FixedWindow(t *testing.T) {
	l := New()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("pg_k", 3))
	}
	assert.False(t, l.Allow("pg_k", 3))

	// New window, counter resets.
	l.now = func() time.Time { return base.Add(WindowSize) }
	assert.True(t, l.Allow("pg_k", 3))
}

func TestAllow_ZeroLimitUnbounded(t *testing.T) {
	l := New()
	for i := 0; i < 1000; i++ {
		require.True(t, l.Allow("pg_k", 0))
	}
	assert.Equal(t, 1000, l.Status("pg_k", 0).Used, "unbounded requests are still counted")
}

func TestAllow_IndependentCounters(t *testing.T) {
	l := New()
	assert.True(t, l.Allow("pg_k", 1))
	assert.False(t, l.Allow("pg_k", 1))
	assert.True(t, l.Allow("pg_k:search", 1), "per-tool counter is separate")
}

func TestCheckAndStatus_DoNotRecord(t *testing.T) {
	l := New()
	base := time.Date(2026, 8, 24, 12, 0, 30, 0, time.UTC)
	l.now = func() time.Time { return base }

	require.True(t, l.Allow("pg_k", 2))
	for i := 0; i < 10; i++ {
		assert.True(t, l.Check("pg_k", 2))
		_ = l.Status("pg_k", 2)
	}

	st := l.Status("pg_k", 2)
	assert.Equal(t, 1, st.Used)
	assert.Equal(t, 1, st.Remaining)
	assert.Equal(t, int64(0), st.ResetInMs%1000)
	assert.LessOrEqual(t, st.ResetInMs, int64(60000))
}

func TestStatus_RemainingFloorsAtZero(t *testing.T) {
	l := New()
	require.True(t, l.Allow("pg_k", 0))
	require.True(t, l.Allow("pg_k", 0))

	// Limit lowered below current usage mid-window.
	st := l.Status("pg_k", 1)
	assert.Equal(t, 0, st.Remaining)
}

func TestStatus_UnboundedReportsSentinel(t *testing.T) {
	l := New()
	require.True(t, l.Allow("pg_k", 0))

	st := l.Status("pg_k", 0)
	assert.Equal(t, 1, st.Used)
	assert.Equal(t, -1, st.Remaining, "unbounded counters must not read as exhausted")
}

func TestPrune(t *testing.T) {
	l := New()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	l.Allow("a", 10)
	l.Allow("b", 10)

	l.now = func() time.Time { return base.Add(WindowSize + time.Second) }
	l.Allow("b", 10)

	l.now = func() time.Time { return base.Add(2*WindowSize + time.Second) }
	assert.Equal(t, 1, l.Prune(), "only the untouched counter is stale")
}

func adaptiveForTest() (*Adaptive, time.Time) {
	a := NewAdaptive(AdaptiveConfig{
		ErrorRateThreshold: 0.5,
		Cooldown:           10 * time.Second,
		MinRatePercent:     25,
		MaxRatePercent:     200,
	})
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return base }
	return a, base
}

func TestAdaptive_TightensOnErrors(t *testing.T) {
	a, _ := adaptiveForTest()
	for i := 0; i < 6; i++ {
		a.RecordCall("pg_k")
	}
	for i := 0; i < 4; i++ {
		a.RecordError("pg_k")
	}

	assert.InDelta(t, 0.75, a.Evaluate("pg_k"), 1e-9)
	assert.Equal(t, 75, a.EffectiveRate("pg_k", 100))
}

func TestAdaptive_BoostsWhenClean(t *testing.T) {
	a, _ := adaptiveForTest()
	for i := 0; i < 5; i++ {
		a.RecordCall("pg_k")
	}
	assert.InDelta(t, 1.25, a.Evaluate("pg_k"), 1e-9)
	assert.Equal(t, 125, a.EffectiveRate("pg_k", 100))
}

func TestAdaptive_DenialsBlockBoost(t *testing.T) {
	a, _ := adaptiveForTest()
	for i := 0; i < 5; i++ {
		a.RecordCall("pg_k")
	}
	a.RecordDenial("pg_k")
	assert.InDelta(t, 1.0, a.Evaluate("pg_k"), 1e-9, "denials freeze the multiplier")
}

func TestAdaptive_RequiresMinimumTraffic(t *testing.T) {
	a, _ := adaptiveForTest()
	for i := 0; i < 4; i++ {
		a.RecordCall("pg_k")
		a.RecordError("pg_k")
	}
	assert.InDelta(t, 1.0, a.Evaluate("pg_k"), 1e-9)
}

func TestAdaptive_CooldownAndBounds(t *testing.T) {
	a, base := adaptiveForTest()
	now := base
	a.now = func() time.Time { return now }

	seed := func() {
		for i := 0; i < 6; i++ {
			a.RecordCall("pg_k")
		}
		for i := 0; i < 6; i++ {
			a.RecordError("pg_k")
		}
	}

	seed()
	assert.InDelta(t, 0.75, a.Evaluate("pg_k"), 1e-9)
	// Within the cooldown nothing changes.
	assert.InDelta(t, 0.75, a.Evaluate("pg_k"), 1e-9)

	// Repeated tightening floors at minRatePercent.
	for i := 0; i < 10; i++ {
		now = now.Add(11 * time.Second)
		seed()
		a.Evaluate("pg_k")
	}
	assert.InDelta(t, 0.25, a.Evaluate("pg_k"), 1e-9)

	assert.Equal(t, 25, a.EffectiveRate("pg_k", 100))
	assert.Equal(t, 50, a.EffectiveRate("pg_unknown", 50), "untracked keys use the base rate")
}

func TestAdaptive_ResetKey(t *testing.T) {
	a, _ := adaptiveForTest()
	for i := 0; i < 6; i++ {
		a.RecordCall("pg_k")
		a.RecordError("pg_k")
	}
	require.InDelta(t, 0.75, a.Evaluate("pg_k"), 1e-9)

	a.ResetKey("pg_k")
	assert.Equal(t, 100, a.EffectiveRate("pg_k", 100))
}
