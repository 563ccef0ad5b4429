// Package audit keeps an append-only in-memory ring of structured events
// for the admin surface and compliance export. Entries carry monotonically
// increasing ids; the oldest entries fall off when the ring is full.
package audit

import (
	"sort"
	"sync"
	"time"
)

// Entry is one audit event.
type Entry struct {
	ID        int64                  `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Actor     string                 `json:"actor"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Filter selects entries for a query. Zero values match everything.
type Filter struct {
	Types []string
	Actor string
	Since time.Time
	Until time.Time
	Limit int
}

// Summary aggregates the ring's contents.
type Summary struct {
	Total       int              `json:"total"`
	ByType      map[string]int   `json:"by_type"`
	TopActors   []ActorCount     `json:"top_actors"`
	HourlyTrend map[string]int   `json:"hourly_trend"`
	DailyTrend  map[string]int   `json:"daily_trend"`
}

// ActorCount pairs an actor with its event count.
type ActorCount struct {
	Actor string `json:"actor"`
	Count int    `json:"count"`
}

// Log is the bounded ring.
type Log struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	nextID   int64
	now      func() time.Time
}

// New creates a ring holding up to capacity entries.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Log{
		capacity: capacity,
		nextID:   1,
		now:      time.Now,
	}
}

// Record appends an event, evicting the oldest entry when full.
func (l *Log) Record(eventType, actor, message string, metadata map[string]interface{}) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		ID:        l.nextID,
		Timestamp: l.now(),
		Type:      eventType,
		Actor:     actor,
		Message:   message,
		Metadata:  metadata,
	}
	l.nextID++

	l.entries = append(l.entries, e)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
	return e
}

// Query returns matching entries, newest first.
func (l *Log) Query(f Filter) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if !matches(&e, &f) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func matches(e *Entry, f *Filter) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Summarize aggregates counts per type, top actors, and hourly/daily trends.
func (l *Log) Summarize() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Summary{
		Total:       len(l.entries),
		ByType:      make(map[string]int),
		HourlyTrend: make(map[string]int),
		DailyTrend:  make(map[string]int),
	}
	actors := make(map[string]int)
	for i := range l.entries {
		e := &l.entries[i]
		s.ByType[e.Type]++
		actors[e.Actor]++
		s.HourlyTrend[e.Timestamp.Format("2006-01-02T15")]++
		s.DailyTrend[e.Timestamp.Format("2006-01-02")]++
	}

	for actor, count := range actors {
		s.TopActors = append(s.TopActors, ActorCount{Actor: actor, Count: count})
	}
	sort.Slice(s.TopActors, func(i, j int) bool {
		if s.TopActors[i].Count != s.TopActors[j].Count {
			return s.TopActors[i].Count > s.TopActors[j].Count
		}
		return s.TopActors[i].Actor < s.TopActors[j].Actor
	})
	if len(s.TopActors) > 10 {
		s.TopActors = s.TopActors[:10]
	}
	return s
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
