package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newForTest(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := New(threshold, cooldown)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestOpensAtThreshold(t *testing.T) {
	b, _ := newForTest(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.AllowRequest())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.AllowRequest())
	assert.Equal(t, int64(1), b.Stats().TotalRejections)
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	b, _ := newForTest(3, time.Minute)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State(), "non-consecutive failures must not trip")
}

func TestProbeAfterCooldown(t *testing.T) {
	b, now := newForTest(1, 30*time.Second)
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(29 * time.Second)
	assert.False(t, b.AllowRequest())

	*now = now.Add(time.Second)
	assert.True(t, b.AllowRequest(), "cooldown elapsed admits the probe")
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestProbeFailureReopens(t *testing.T) {
	b, now := newForTest(1, 30*time.Second)
	b.RecordFailure()
	*now = now.Add(30 * time.Second)
	require.True(t, b.AllowRequest())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.AllowRequest(), "openedAt was reset by the probe failure")

	*now = now.Add(30 * time.Second)
	assert.True(t, b.AllowRequest())
}

func TestReset(t *testing.T) {
	b, _ := newForTest(1, time.Minute)
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.AllowRequest())
	assert.Equal(t, 0, b.Stats().ConsecutiveFailures)

	st := b.Stats()
	assert.Equal(t, int64(1), st.TotalFailures, "cumulative counters survive reset")
	require.NotNil(t, st.LastFailureAt)
}

func TestConstructorFloors(t *testing.T) {
	b := New(0, 0)
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State(), "threshold floors at 1")
}
