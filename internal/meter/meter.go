// Package meter records every evaluated call as a UsageEvent in a bounded
// ring. Events feed the webhook emitter and the admin analytics surface.
package meter

import (
	"sync"
	"time"
)

// UsageEvent is one evaluated tool call. The key is stored unmasked;
// consumers that surface events mask it themselves.
type UsageEvent struct {
	Timestamp       time.Time `json:"timestamp"`
	APIKey          string    `json:"api_key"`
	KeyName         string    `json:"key_name,omitempty"`
	Tool            string    `json:"tool"`
	CreditsCharged  int64     `json:"credits_charged"`
	Allowed         bool      `json:"allowed"`
	DenyReason      string    `json:"deny_reason,omitempty"`
	ResponseBytes   int       `json:"response_bytes,omitempty"`
	OutputSurcharge int64     `json:"output_surcharge,omitempty"`
}

// Stats aggregates the retained events.
type Stats struct {
	Total         int              `json:"total"`
	Allowed       int              `json:"allowed"`
	Denied        int              `json:"denied"`
	CreditsTotal  int64            `json:"credits_total"`
	PerTool       map[string]int   `json:"per_tool"`
	DenyReasons   map[string]int   `json:"deny_reasons"`
}

// Meter is the bounded event ring. An optional observer sees every event as
// it is recorded; the webhook emitter registers itself there.
type Meter struct {
	mu       sync.Mutex
	events   []UsageEvent
	capacity int
	observer func(UsageEvent)
}

// New creates a meter holding up to capacity events.
func New(capacity int) *Meter {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Meter{capacity: capacity}
}

// OnEvent registers the observer called for each recorded event.
func (m *Meter) OnEvent(fn func(UsageEvent)) {
	m.mu.Lock()
	m.observer = fn
	m.mu.Unlock()
}

// Record appends an event, evicting the oldest when full.
func (m *Meter) Record(e UsageEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.events = append(m.events, e)
	if len(m.events) > m.capacity {
		m.events = m.events[len(m.events)-m.capacity:]
	}
	observer := m.observer
	m.mu.Unlock()

	if observer != nil {
		observer(e)
	}
}

// Recent returns up to n events, newest first.
func (m *Meter) Recent(n int) []UsageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 || n > len(m.events) {
		n = len(m.events)
	}
	out := make([]UsageEvent, 0, n)
	for i := len(m.events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.events[i])
	}
	return out
}

// ForKey returns up to n of a key's events, newest first.
func (m *Meter) ForKey(key string, n int) []UsageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []UsageEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].APIKey != key {
			continue
		}
		out = append(out, m.events[i])
		if n > 0 && len(out) >= n {
			break
		}
	}
	return out
}

// Summarize aggregates the retained events.
func (m *Meter) Summarize() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Total:       len(m.events),
		PerTool:     make(map[string]int),
		DenyReasons: make(map[string]int),
	}
	for i := range m.events {
		e := &m.events[i]
		s.PerTool[e.Tool]++
		if e.Allowed {
			s.Allowed++
			s.CreditsTotal += e.CreditsCharged + e.OutputSurcharge
		} else {
			s.Denied++
			s.DenyReasons[e.DenyReason]++
		}
	}
	return s
}
