package canary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoute_DisabledAlwaysPrimary(t *testing.T) {
	r := New(0)
	for i := 0; i < 100; i++ {
		assert.Equal(t, BackendPrimary, r.Route())
	}
	assert.Equal(t, int64(100), r.Stats()[BackendPrimary].Calls)
}

func TestRoute_FullWeightAlwaysCanary(t *testing.T) {
	r := New(100)
	for i := 0; i < 100; i++ {
		assert.Equal(t, BackendCanary, r.Route())
	}
	assert.Equal(t, int64(100), r.Stats()[BackendCanary].Calls)
}

func TestRoute_WeightedDraw(t *testing.T) {
	r := New(30)
	r.draw = func() int { return 29 }
	assert.Equal(t, BackendCanary, r.Route())
	r.draw = func() int { return 30 }
	assert.Equal(t, BackendPrimary, r.Route(), "weight boundary is exclusive")
}

func TestSetWeight_ClampsAndNotifies(t *testing.T) {
	r := New(0)
	var events []Event
	r.OnEvent(func(e Event) { events = append(events, e) })

	assert.Equal(t, 100, r.SetWeight(250))
	assert.Equal(t, 0, r.SetWeight(-5))
	assert.Equal(t, 40, r.SetWeight(40))
	assert.Equal(t, 60, r.SetWeight(60))
	r.SetWeight(60) // no-op, no event

	require.Len(t, events, 4)
	assert.Equal(t, EventEnabled, events[0].Type)
	assert.Equal(t, EventDisabled, events[1].Type)
	assert.Equal(t, EventEnabled, events[2].Type)
	assert.Equal(t, EventWeightChanged, events[3].Type)
	assert.Equal(t, 60, events[3].Weight)
}

func TestRecordError(t *testing.T) {
	r := New(50)
	r.RecordError(BackendPrimary)
	r.RecordError(BackendCanary)
	r.RecordError(BackendCanary)

	st := r.Stats()
	assert.Equal(t, int64(1), st[BackendPrimary].Errors)
	assert.Equal(t, int64(2), st[BackendCanary].Errors)
}

func TestEnabled(t *testing.T) {
	assert.False(t, New(0).Enabled())
	assert.True(t, New(1).Enabled())
}

func TestDrawPercent_InRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		n := drawPercent()
		assert.GreaterOrEqual(t, n, 0)
		assert.Less(t, n, 100)
	}
}
