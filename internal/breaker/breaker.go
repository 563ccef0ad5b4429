// Package breaker implements a three-state circuit breaker guarding the
// upstream forwarder. Closed passes traffic, open fast-fails, half_open
// admits a single probe after the cooldown.
package breaker

import (
	"log"
	"sync"
	"time"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Stats is a point-in-time view of the breaker counters.
type Stats struct {
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalFailures       int64      `json:"total_failures"`
	TotalSuccesses      int64      `json:"total_successes"`
	TotalRejections     int64      `json:"total_rejections"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}

// Breaker trips open after threshold consecutive failures and probes the
// upstream again once the cooldown elapses.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	state               State
	consecutiveFailures int
	totalFailures       int64
	totalSuccesses      int64
	totalRejections     int64
	openedAt            time.Time
	lastFailureAt       time.Time

	logger *log.Logger
	now    func() time.Time
}

// New creates a closed breaker.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	if cooldown < time.Second {
		cooldown = time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		logger:    log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
		now:       time.Now,
	}
}

// AllowRequest reports whether a call may proceed. An open breaker past its
// cooldown transitions to half_open and admits the caller as the probe;
// rejected calls increment the rejection counter.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			b.logger.Printf("Cooldown elapsed, probing upstream (half_open)")
			return true
		}
		b.totalRejections++
		return false
	}
	return true
}

// RecordSuccess notes a completed call. A half_open probe success closes
// the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.consecutiveFailures = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.logger.Printf("Probe succeeded, circuit closed")
	}
}

// RecordFailure notes a failed call. Crossing the threshold while closed,
// or any half_open probe failure, opens the circuit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.totalFailures++
	b.consecutiveFailures++
	b.lastFailureAt = now

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.threshold {
			b.state = StateOpen
			b.openedAt = now
			b.logger.Printf("Threshold reached (%d consecutive failures), circuit open", b.consecutiveFailures)
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.logger.Printf("Probe failed, circuit re-opened")
	}
}

// Reset forces the breaker closed and clears the consecutive counter.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.logger.Printf("Circuit manually reset")
}

// State returns the current position without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Stats{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
		TotalRejections:     b.totalRejections,
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		st.OpenedAt = &t
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		st.LastFailureAt = &t
	}
	return st
}
