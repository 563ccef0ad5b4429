// Package upstream delivers admitted tool calls to the backend, composing
// the response cache, canary router, circuit breaker, retry policy, and
// per-tool timeout. A cache hit short-circuits everything downstream of it.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/paygate/gateway/internal/breaker"
	"github.com/paygate/gateway/internal/cache"
	"github.com/paygate/gateway/internal/canary"
	"github.com/paygate/gateway/internal/retry"
)

// ErrCircuitOpen is surfaced when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit_breaker_open")

// Backend sends one tool call to an upstream server.
type Backend interface {
	Call(ctx context.Context, tool string, args map[string]interface{}) (interface{}, error)
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, tool string, args map[string]interface{}) (interface{}, error)

func (f BackendFunc) Call(ctx context.Context, tool string, args map[string]interface{}) (interface{}, error) {
	return f(ctx, tool, args)
}

// Options tunes caching and timeouts. Per-tool values override the defaults;
// a TTL of zero disables caching for that tool.
type Options struct {
	DefaultTTL     time.Duration
	DefaultTimeout time.Duration
	ToolTTL        map[string]time.Duration
	ToolTimeout    map[string]time.Duration
}

// Result is one completed forward.
type Result struct {
	Response      interface{}    `json:"response"`
	FromCache     bool           `json:"from_cache"`
	Backend       canary.Backend `json:"backend"`
	Attempts      int            `json:"attempts"`
	ResponseBytes int            `json:"response_bytes"`
}

// Forwarder owns the reliability mesh around the upstream call.
type Forwarder struct {
	primary Backend
	canary  Backend

	cache   *cache.Cache
	router  *canary.Router
	breaker *breaker.Breaker
	retry   *retry.Policy

	mu   sync.RWMutex
	opts Options

	logger *log.Logger
}

// New wires a forwarder. The canary backend may be nil; canary-routed calls
// then fall back to primary.
func New(primary, canaryBackend Backend, c *cache.Cache, router *canary.Router, b *breaker.Breaker, r *retry.Policy, opts Options) *Forwarder {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	return &Forwarder{
		primary: primary,
		canary:  canaryBackend,
		cache:   c,
		router:  router,
		breaker: b,
		retry:   r,
		opts:    opts,
		logger:  log.New(log.Writer(), "[UPSTREAM] ", log.LstdFlags),
	}
}

// ttlFor returns the effective cache TTL for a tool.
func (f *Forwarder) ttlFor(tool string) time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if ttl, ok := f.opts.ToolTTL[tool]; ok {
		return ttl
	}
	return f.opts.DefaultTTL
}

// timeoutFor returns the effective per-attempt timeout for a tool.
func (f *Forwarder) timeoutFor(tool string) time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if t, ok := f.opts.ToolTimeout[tool]; ok && t > 0 {
		return t
	}
	return f.opts.DefaultTimeout
}

// Forward delivers one tool call. Cache hits bypass the breaker and retry
// policy entirely; everything else runs one breaker-gated retry loop with a
// per-attempt timeout against the routed backend.
func (f *Forwarder) Forward(ctx context.Context, tool string, args map[string]interface{}) (*Result, error) {
	ttl := f.ttlFor(tool)
	if ttl > 0 {
		if resp, hit := f.cache.Get(tool, args); hit {
			return &Result{
				Response:      resp,
				FromCache:     true,
				Backend:       canary.BackendPrimary,
				ResponseBytes: sizeOf(resp),
			}, nil
		}
	}

	routed := f.router.Route()
	backend := f.primary
	if routed == canary.BackendCanary && f.canary != nil {
		backend = f.canary
	}

	if !f.breaker.AllowRequest() {
		return nil, ErrCircuitOpen
	}

	timeout := f.timeoutFor(tool)
	response, attempts, err := f.retry.Execute(ctx, tool, func() (interface{}, error) {
		resp, attemptErr := f.attempt(ctx, backend, tool, args, timeout)
		if attemptErr != nil {
			f.breaker.RecordFailure()
			f.router.RecordError(routed)
			return nil, attemptErr
		}
		f.breaker.RecordSuccess()
		return resp, nil
	}, nil)
	if err != nil {
		return &Result{Backend: routed, Attempts: attempts}, err
	}

	if ttl > 0 {
		f.cache.Put(tool, args, response, ttl)
	}
	return &Result{
		Response:      response,
		Backend:       routed,
		Attempts:      attempts,
		ResponseBytes: sizeOf(response),
	}, nil
}

// attempt runs one backend call under the per-tool timeout.
func (f *Forwarder) attempt(ctx context.Context, backend Backend, tool string, args map[string]interface{}, timeout time.Duration) (interface{}, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		resp interface{}
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := backend.Call(attemptCtx, tool, args)
		done <- outcome{resp, err}
	}()

	select {
	case out := <-done:
		return out.resp, out.err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("tool_timeout %s exceeded %dms", tool, timeout.Milliseconds())
		}
		return nil, attemptCtx.Err()
	}
}

// sizeOf measures a response's serialized size for surcharge accounting.
func sizeOf(resp interface{}) int {
	if resp == nil {
		return 0
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return 0
	}
	return len(data)
}

// Retryable exposes the default retryable predicate for callers that need
// to classify a surfaced error.
func (f *Forwarder) Retryable(err error) bool {
	return f.retry.DefaultRetryable(err)
}

// SetOptions replaces the TTL and timeout tables at runtime.
func (f *Forwarder) SetOptions(opts Options) {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	f.mu.Lock()
	f.opts = opts
	f.mu.Unlock()
}
