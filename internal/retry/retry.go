// Package retry executes upstream attempts with exponential backoff and a
// sliding-window retry budget that prevents retry storms.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"
)

const budgetWindow = 60 * time.Second

// CodedError is an upstream failure carrying a numeric protocol code the
// retryable checker can inspect.
type CodedError struct {
	Code    int
	Message string
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Code, e.Message)
}

// Config tunes the policy.
type Config struct {
	MaxRetries         int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	Jitter             bool
	RetryBudgetPercent float64
	RetryableCodes     []int
	RetryablePatterns  []string
}

// Stats summarizes retry activity.
type Stats struct {
	TotalAttempts        int64            `json:"total_attempts"`
	SuccessesAfterRetry  int64            `json:"successes_after_retry"`
	Exhausted            int64            `json:"exhausted"`
	BudgetDenied         int64            `json:"budget_denied"`
	PerTool              map[string]int64 `json:"per_tool"`
	WindowTraffic        int              `json:"window_traffic"`
	WindowRetries        int              `json:"window_retries"`
	BudgetUtilizationPct float64          `json:"budget_utilization_pct"`
}

// Policy runs operations with retries under a budget.
type Policy struct {
	mu  sync.Mutex
	cfg Config

	traffic []time.Time
	retries []time.Time

	totalAttempts       int64
	successesAfterRetry int64
	exhausted           int64
	budgetDenied        int64
	perTool             map[string]int64

	logger *log.Logger
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
}

// New creates a policy.
func New(cfg Config) *Policy {
	return &Policy{
		cfg:     cfg,
		perTool: make(map[string]int64),
		logger:  log.New(log.Writer(), "[RETRY] ", log.LstdFlags),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delay computes the backoff before retry number attempt (0-based), with
// full jitter when enabled.
func (p *Policy) Delay(attempt int) time.Duration {
	d := p.cfg.BackoffBase << uint(attempt)
	if d > p.cfg.BackoffMax || d <= 0 {
		d = p.cfg.BackoffMax
	}
	if p.cfg.Jitter && d > 0 {
		d = time.Duration(rand.Int63n(int64(d) + 1))
	}
	return d
}

// DefaultRetryable matches the configured numeric codes and message
// substrings.
func (p *Policy) DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		for _, code := range p.cfg.RetryableCodes {
			if coded.Code == code {
				return true
			}
		}
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range p.cfg.RetryablePatterns {
		if strings.Contains(msg, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// Execute runs op, retrying retryable failures up to MaxRetries times while
// the budget permits. A nil isRetryable uses DefaultRetryable.
func (p *Policy) Execute(ctx context.Context, tool string, op func() (interface{}, error), isRetryable func(error) bool) (interface{}, int, error) {
	if isRetryable == nil {
		isRetryable = p.DefaultRetryable
	}
	p.recordTraffic()

	attempts := 0
	for {
		attempts++
		p.mu.Lock()
		p.totalAttempts++
		p.perTool[tool]++
		p.mu.Unlock()

		result, err := op()
		if err == nil {
			if attempts > 1 {
				p.mu.Lock()
				p.successesAfterRetry++
				p.mu.Unlock()
			}
			return result, attempts, nil
		}

		retryNum := attempts - 1
		if retryNum >= p.cfg.MaxRetries || !isRetryable(err) {
			if retryNum >= p.cfg.MaxRetries && p.cfg.MaxRetries > 0 {
				p.mu.Lock()
				p.exhausted++
				p.mu.Unlock()
			}
			return nil, attempts, err
		}
		if !p.allowRetry() {
			p.mu.Lock()
			p.budgetDenied++
			p.mu.Unlock()
			p.logger.Printf("Retry budget exhausted for %s, surfacing error", tool)
			return nil, attempts, err
		}

		if serr := p.sleep(ctx, p.Delay(retryNum)); serr != nil {
			return nil, attempts, serr
		}
	}
}

// recordTraffic notes one inbound operation in the traffic window.
func (p *Policy) recordTraffic() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.traffic = append(trimWindow(p.traffic, now), now)
	p.retries = trimWindow(p.retries, now)
}

// allowRetry checks the budget and, when allowed, records the retry.
// Under ten requests in the window retries are always allowed so a cold
// system can recover.
func (p *Policy) allowRetry() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.traffic = trimWindow(p.traffic, now)
	p.retries = trimWindow(p.retries, now)

	traffic := len(p.traffic)
	if traffic >= 10 {
		ratio := float64(len(p.retries)) / float64(traffic) * 100
		if ratio >= p.cfg.RetryBudgetPercent {
			return false
		}
	}
	p.retries = append(p.retries, now)
	return true
}

func trimWindow(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-budgetWindow)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

// Stats reports cumulative and window counters.
func (p *Policy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.traffic = trimWindow(p.traffic, now)
	p.retries = trimWindow(p.retries, now)

	st := Stats{
		TotalAttempts:       p.totalAttempts,
		SuccessesAfterRetry: p.successesAfterRetry,
		Exhausted:           p.exhausted,
		BudgetDenied:        p.budgetDenied,
		PerTool:             make(map[string]int64, len(p.perTool)),
		WindowTraffic:       len(p.traffic),
		WindowRetries:       len(p.retries),
	}
	for tool, n := range p.perTool {
		st.PerTool[tool] = n
	}
	if len(p.traffic) > 0 {
		st.BudgetUtilizationPct = float64(len(p.retries)) / float64(len(p.traffic)) * 100
	}
	return st
}

// SetConfig replaces the policy configuration at runtime.
func (p *Policy) SetConfig(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// Configured returns the current configuration.
func (p *Policy) Configured() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}
