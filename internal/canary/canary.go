// Package canary splits tool-call traffic between a primary and a canary
// upstream by weight. The draw comes from crypto/rand so the split is not
// biased by a seeded PRNG.
package canary

import (
	"crypto/rand"
	"log"
	"math/big"
	"sync"
	"time"
)

// Backend identifies which upstream serves a call.
type Backend string

const (
	BackendPrimary Backend = "primary"
	BackendCanary  Backend = "canary"
)

// EventType marks a router lifecycle change.
type EventType string

const (
	EventEnabled       EventType = "enabled"
	EventDisabled      EventType = "disabled"
	EventWeightChanged EventType = "weight-changed"
)

// Event is emitted on router state changes so the surrounding server can
// start or stop the canary process.
type Event struct {
	Type      EventType `json:"type"`
	Weight    int       `json:"weight"`
	Timestamp time.Time `json:"timestamp"`
}

// BackendStats counts routed calls and errors for one backend.
type BackendStats struct {
	Calls  int64 `json:"calls"`
	Errors int64 `json:"errors"`
}

// Router draws per-call routing decisions against the configured weight
// (percent of traffic sent to the canary).
type Router struct {
	mu      sync.Mutex
	weight  int
	primary BackendStats
	canary  BackendStats

	listeners []func(Event)
	logger    *log.Logger
	draw      func() int
}

// New creates a router. A weight of zero routes everything to primary.
func New(weight int) *Router {
	r := &Router{
		logger: log.New(log.Writer(), "[CANARY] ", log.LstdFlags),
	}
	r.draw = drawPercent
	r.weight = clampWeight(weight)
	return r
}

func clampWeight(w int) int {
	if w < 0 {
		return 0
	}
	if w > 100 {
		return 100
	}
	return w
}

// drawPercent returns a uniform integer in [0, 100).
func drawPercent() int {
	n, err := rand.Int(rand.Reader, big.NewInt(100))
	if err != nil {
		// crypto/rand failure routes conservatively to primary.
		return 99
	}
	return int(n.Int64())
}

// Route picks the backend for one call and counts it.
func (r *Router) Route() Backend {
	r.mu.Lock()
	defer r.mu.Unlock()

	backend := BackendPrimary
	switch {
	case r.weight <= 0:
		// disabled
	case r.weight >= 100:
		backend = BackendCanary
	case r.draw() < r.weight:
		backend = BackendCanary
	}

	if backend == BackendCanary {
		r.canary.Calls++
	} else {
		r.primary.Calls++
	}
	return backend
}

// RecordError attributes an upstream error to a backend.
func (r *Router) RecordError(backend Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if backend == BackendCanary {
		r.canary.Errors++
	} else {
		r.primary.Errors++
	}
}

// SetWeight updates the canary share, clamped to [0, 100], and notifies
// listeners of enable/disable/weight transitions.
func (r *Router) SetWeight(weight int) int {
	weight = clampWeight(weight)

	r.mu.Lock()
	prev := r.weight
	r.weight = weight
	listeners := append([]func(Event){}, r.listeners...)
	r.mu.Unlock()

	if prev == weight {
		return weight
	}

	var ev Event
	switch {
	case prev == 0:
		ev = Event{Type: EventEnabled, Weight: weight, Timestamp: time.Now()}
	case weight == 0:
		ev = Event{Type: EventDisabled, Weight: weight, Timestamp: time.Now()}
	default:
		ev = Event{Type: EventWeightChanged, Weight: weight, Timestamp: time.Now()}
	}
	r.logger.Printf("Canary %s (weight=%d)", ev.Type, weight)
	for _, fn := range listeners {
		fn(ev)
	}
	return weight
}

// Weight returns the current canary share.
func (r *Router) Weight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.weight
}

// Enabled reports whether any traffic reaches the canary.
func (r *Router) Enabled() bool {
	return r.Weight() > 0
}

// OnEvent registers a listener for router state changes.
func (r *Router) OnEvent(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Stats returns per-backend counters.
func (r *Router) Stats() map[Backend]BackendStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[Backend]BackendStats{
		BackendPrimary: r.primary,
		BackendCanary:  r.canary,
	}
}
