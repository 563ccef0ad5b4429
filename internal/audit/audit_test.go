package audit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newForTest(capacity int) (*Log, *time.Time) {
	l := New(capacity)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestMonotonicIDs(t *testing.T) {
	l, _ := newForTest(10)
	a := l.Record("key.created", "admin", "created", nil)
	b := l.Record("key.revoked", "admin", "revoked", nil)
	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, int64(2), b.ID)
}

func TestRingEvictsOldest(t *testing.T) {
	l, _ := newForTest(3)
	for i := 0; i < 5; i++ {
		l.Record("event", "a", fmt.Sprintf("msg-%d", i), nil)
	}
	assert.Equal(t, 3, l.Len())

	entries := l.Query(Filter{})
	require.Len(t, entries, 3)
	assert.Equal(t, int64(5), entries[0].ID, "newest first")
	assert.Equal(t, int64(3), entries[2].ID, "oldest retained is id 3")
}

func TestIDsKeepClimbingAfterEviction(t *testing.T) {
	l, _ := newForTest(2)
	for i := 0; i < 4; i++ {
		l.Record("event", "a", "m", nil)
	}
	e := l.Record("event", "a", "m", nil)
	assert.Equal(t, int64(5), e.ID)
}

func TestQueryFilters(t *testing.T) {
	l, now := newForTest(100)

	l.Record("key.created", "alice", "one", nil)
	*now = now.Add(time.Hour)
	l.Record("key.revoked", "bob", "two", nil)
	*now = now.Add(time.Hour)
	l.Record("key.created", "alice", "three", nil)

	byType := l.Query(Filter{Types: []string{"key.created"}})
	assert.Len(t, byType, 2)

	byActor := l.Query(Filter{Actor: "bob"})
	require.Len(t, byActor, 1)
	assert.Equal(t, "two", byActor[0].Message)

	since := l.Query(Filter{Since: time.Date(2026, 8, 24, 13, 30, 0, 0, time.UTC)})
	require.Len(t, since, 1)
	assert.Equal(t, "three", since[0].Message)

	until := l.Query(Filter{Until: time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC)})
	require.Len(t, until, 1)
	assert.Equal(t, "one", until[0].Message)

	limited := l.Query(Filter{Limit: 2})
	require.Len(t, limited, 2)
	assert.Equal(t, "three", limited[0].Message)
}

func TestSummarize(t *testing.T) {
	l, now := newForTest(100)
	l.Record("key.created", "alice", "m", nil)
	l.Record("key.created", "alice", "m", nil)
	l.Record("key.revoked", "bob", "m", nil)
	*now = now.Add(25 * time.Hour)
	l.Record("key.created", "carol", "m", nil)

	s := l.Summarize()
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 3, s.ByType["key.created"])
	assert.Equal(t, 1, s.ByType["key.revoked"])

	require.NotEmpty(t, s.TopActors)
	assert.Equal(t, "alice", s.TopActors[0].Actor)
	assert.Equal(t, 2, s.TopActors[0].Count)

	assert.Len(t, s.DailyTrend, 2)
	assert.Equal(t, 3, s.DailyTrend["2026-08-24"])
	assert.Equal(t, 1, s.DailyTrend["2026-08-25"])
	assert.Equal(t, 3, s.HourlyTrend["2026-08-24T12"])
}

func TestTopActorsCappedAtTen(t *testing.T) {
	l, _ := newForTest(100)
	for i := 0; i < 15; i++ {
		l.Record("event", fmt.Sprintf("actor-%d", i), "m", nil)
	}
	assert.Len(t, l.Summarize().TopActors, 10)
}
