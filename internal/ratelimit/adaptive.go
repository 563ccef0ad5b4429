package ratelimit

import (
	"log"
	"math"
	"sync"
	"time"
)

// adaptiveWindow is how far back calls, errors, and denials count toward
// the error rate.
const adaptiveWindow = 60 * time.Second

// AdaptiveConfig tunes the per-key multiplier adjustment.
type AdaptiveConfig struct {
	ErrorRateThreshold float64
	Cooldown           time.Duration
	MinRatePercent     int
	MaxRatePercent     int
}

// keyHealth tracks one key's recent behavior and its current multiplier.
type keyHealth struct {
	calls       []time.Time
	errors      []time.Time
	denials     []time.Time
	multiplier  float64
	lastAdjust  time.Time
	adjustments int
}

// KeyRate is the externally visible adaptive state for a key.
type KeyRate struct {
	Key         string  `json:"key"`
	Multiplier  float64 `json:"multiplier"`
	RecentCalls int     `json:"recent_calls"`
	RecentErrs  int     `json:"recent_errors"`
	Adjustments int     `json:"adjustments"`
}

// Adaptive scales each key's rate limit by a multiplier that tightens when
// the key's recent error rate is high and relaxes when it is clean.
type Adaptive struct {
	mu     sync.Mutex
	cfg    AdaptiveConfig
	keys   map[string]*keyHealth
	logger *log.Logger
	now    func() time.Time
}

// NewAdaptive creates an adaptive limiter with all multipliers at 1.0.
func NewAdaptive(cfg AdaptiveConfig) *Adaptive {
	return &Adaptive{
		cfg:    cfg,
		keys:   make(map[string]*keyHealth),
		logger: log.New(log.Writer(), "[ADAPTIVE] ", log.LstdFlags),
		now:    time.Now,
	}
}

func (a *Adaptive) health(key string) *keyHealth {
	h, ok := a.keys[key]
	if !ok {
		h = &keyHealth{multiplier: 1.0}
		a.keys[key] = h
	}
	return h
}

// trim drops timestamps older than the window.
func trim(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

// RecordCall notes a completed call for a key.
func (a *Adaptive) RecordCall(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.health(key).calls = append(a.health(key).calls, a.now())
}

// RecordError notes an upstream error attributed to a key.
func (a *Adaptive) RecordError(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.health(key).errors = append(a.health(key).errors, a.now())
}

// RecordDenial notes a policy denial for a key. Denials block boosting but
// do not count toward the error rate.
func (a *Adaptive) RecordDenial(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.health(key).denials = append(a.health(key).denials, a.now())
}

// Evaluate reconsiders a key's multiplier. It runs at most once per
// cooldown per key and only once at least five calls landed in the window.
// A high error rate tightens by 25%; a fully clean window boosts by 25%.
// Returns the multiplier in effect after the evaluation.
func (a *Adaptive) Evaluate(key string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	h := a.health(key)
	now := a.now()
	if !h.lastAdjust.IsZero() && now.Sub(h.lastAdjust) < a.cfg.Cooldown {
		return h.multiplier
	}

	cutoff := now.Add(-adaptiveWindow)
	h.calls = trim(h.calls, cutoff)
	h.errors = trim(h.errors, cutoff)
	h.denials = trim(h.denials, cutoff)

	if len(h.calls) < 5 {
		return h.multiplier
	}

	floor := float64(a.cfg.MinRatePercent) / 100
	ceiling := float64(a.cfg.MaxRatePercent) / 100
	errorRate := float64(len(h.errors)) / float64(len(h.calls))

	switch {
	case errorRate > a.cfg.ErrorRateThreshold:
		h.multiplier = math.Max(h.multiplier*0.75, floor)
		h.lastAdjust = now
		h.adjustments++
		a.logger.Printf("Tightened %s to %.2fx (error rate %.2f)", maskKey(key), h.multiplier, errorRate)
	case len(h.errors) == 0 && len(h.denials) == 0:
		h.multiplier = math.Min(h.multiplier*1.25, ceiling)
		h.lastAdjust = now
		h.adjustments++
	}
	return h.multiplier
}

// EffectiveRate applies the key's multiplier to a base limit.
func (a *Adaptive) EffectiveRate(key string, baseRate int) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	h, ok := a.keys[key]
	if !ok {
		return baseRate
	}
	return int(math.Floor(float64(baseRate) * h.multiplier))
}

// Rates returns the adaptive state of every tracked key.
func (a *Adaptive) Rates() []KeyRate {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-adaptiveWindow)
	out := make([]KeyRate, 0, len(a.keys))
	for key, h := range a.keys {
		h.calls = trim(h.calls, cutoff)
		h.errors = trim(h.errors, cutoff)
		out = append(out, KeyRate{
			Key:         maskKey(key),
			Multiplier:  h.multiplier,
			RecentCalls: len(h.calls),
			RecentErrs:  len(h.errors),
			Adjustments: h.adjustments,
		})
	}
	return out
}

// ResetKey restores a key's multiplier to 1.0 and clears its history.
func (a *Adaptive) ResetKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.keys, key)
}

func maskKey(key string) string {
	if len(key) <= 12 {
		return key
	}
	return key[:12] + "..."
}
