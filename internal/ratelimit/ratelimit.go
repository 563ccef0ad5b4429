// Package ratelimit enforces fixed-window request limits per API key and
// per key:tool pair. Windows are aligned 60-second buckets; counters reset
// when a request arrives in a new bucket.
package ratelimit

import (
	"log"
	"sync"
	"time"
)

// WindowSize is the fixed bucket length.
const WindowSize = 60 * time.Second

// window is one counting bucket.
type window struct {
	start time.Time
	count int
}

// Status reports the current window for a counter without advancing it.
// Remaining is -1 when the counter is unbounded (limit of zero or below).
type Status struct {
	Limit     int   `json:"limit"`
	Used      int   `json:"used"`
	Remaining int   `json:"remaining"`
	ResetInMs int64 `json:"reset_in_ms"`
}

// Limiter tracks fixed windows keyed by an arbitrary counter name. Callers
// use the bare API key for the key-level limit and "key:tool" for per-tool
// limits.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	logger  *log.Logger
	now     func() time.Time
}

// New creates an empty limiter.
func New() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		logger:  log.New(log.Writer(), "[RATELIMIT] ", log.LstdFlags),
		now:     time.Now,
	}
}

// current returns the live window for a counter, rolling it if the bucket
// has lapsed. Caller holds the lock.
func (l *Limiter) current(counter string) *window {
	now := l.now()
	w, ok := l.windows[counter]
	if !ok || now.Sub(w.start) >= WindowSize {
		w = &window{start: now}
		l.windows[counter] = w
	}
	return w
}

// Allow reports whether one more request fits under the limit and records
// it if so. A limit of zero or below means unbounded; unbounded requests
// are still counted so status reporting stays meaningful.
func (l *Limiter) Allow(counter string, limit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.current(counter)
	if limit > 0 && w.count >= limit {
		return false
	}
	w.count++
	return true
}

// Check reports whether a request would be admitted without recording it.
func (l *Limiter) Check(counter string, limit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 {
		return true
	}
	return l.current(counter).count < limit
}

// Status returns the counter's window state without recording a request.
func (l *Limiter) Status(counter string, limit int) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.current(counter)
	st := Status{
		Limit:     limit,
		Used:      w.count,
		ResetInMs: int64(WindowSize-l.now().Sub(w.start)) / int64(time.Millisecond),
	}
	if limit > 0 {
		st.Remaining = limit - w.count
		if st.Remaining < 0 {
			st.Remaining = 0
		}
	} else {
		st.Remaining = -1
	}
	return st
}

// Reset clears a single counter.
func (l *Limiter) Reset(counter string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, counter)
}

// Prune drops counters whose window lapsed more than one full window ago.
// Returns the number removed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for counter, w := range l.windows {
		if now.Sub(w.start) >= 2*WindowSize {
			delete(l.windows, counter)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Printf("Pruned %d stale rate-limit windows", removed)
	}
	return removed
}
