// Package webhooks delivers batched usage and admin lifecycle events over
// HTTP with HMAC signatures, exponential-backoff retries, and a ring-buffered
// dead-letter queue. Delivery is at-least-once; signatures are idempotent.
package webhooks

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"encoding/json"

	"github.com/google/uuid"

	"github.com/paygate/gateway/internal/meter"
)

// AdminEventType tags a lifecycle event.
type AdminEventType string

const (
	EventKeyCreated           AdminEventType = "key.created"
	EventKeyRevoked           AdminEventType = "key.revoked"
	EventKeyRotated           AdminEventType = "key.rotated"
	EventKeyTopup             AdminEventType = "key.topup"
	EventKeySuspended         AdminEventType = "key.suspended"
	EventKeyResumed           AdminEventType = "key.resumed"
	EventKeyExpired           AdminEventType = "key.expired"
	EventKeyCreditsTransfer   AdminEventType = "key.credits_transferred"
	EventKeyAutoTopupConfig   AdminEventType = "key.auto_topup_configured"
	EventKeyAutoToppedUp      AdminEventType = "key.auto_topped_up"
	EventTokenRevoked         AdminEventType = "token.revoked"
	EventAdminKeyCreated      AdminEventType = "admin_key.created"
	EventAdminKeyRevoked      AdminEventType = "admin_key.revoked"
	EventAlertFired           AdminEventType = "alert.fired"
)

// AdminEvent is one administrative lifecycle event.
type AdminEvent struct {
	Type      AdminEventType         `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Config tunes the emitter.
type Config struct {
	URL            string
	Secret         string
	BatchSize      int
	FlushInterval  time.Duration
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDeadLetters int
	MaxDeliveryLog int
}

// batchPayload is the wire format of one POST body.
type batchPayload struct {
	SentAt      string             `json:"sentAt"`
	Events      []meter.UsageEvent `json:"events,omitempty"`
	AdminEvents []AdminEvent       `json:"adminEvents,omitempty"`
}

// destination is one delivery target. Keys with a webhook override get
// their own destination; everything else goes to the configured default.
type destination struct {
	url    string
	secret string
}

// buffer accumulates events for one destination between flushes.
type buffer struct {
	usage []meter.UsageEvent
	admin []AdminEvent
}

func (b *buffer) size() int { return len(b.usage) + len(b.admin) }

// pendingBatch is a drained batch awaiting delivery or retry.
type pendingBatch struct {
	id           string
	dest         destination
	usage        []meter.UsageEvent
	admin        []AdminEvent
	attempt      int
	nextAttempt  time.Time
	firstAttempt time.Time
	lastAttempt  time.Time
	lastError    string
}

// DeadLetter is a batch that exhausted its retries.
type DeadLetter struct {
	ID           string             `json:"id"`
	URL          string             `json:"url"`
	Events       []meter.UsageEvent `json:"events,omitempty"`
	AdminEvents  []AdminEvent       `json:"admin_events,omitempty"`
	LastError    string             `json:"last_error"`
	FirstAttempt time.Time          `json:"first_attempt"`
	LastAttempt  time.Time          `json:"last_attempt"`
	Attempts     int                `json:"attempts"`
}

// DeliveryLogEntry records one delivery attempt, success or failure.
type DeliveryLogEntry struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	URL            string    `json:"url"`
	StatusCode     int       `json:"status_code,omitempty"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Attempt        int       `json:"attempt"`
	Error          string    `json:"error,omitempty"`
	EventCount     int       `json:"event_count"`
	EventTypes     []string  `json:"event_types,omitempty"`
}

// Emitter buffers, batches, signs, and delivers events.
type Emitter struct {
	cfg    Config
	client *http.Client

	mu          sync.Mutex
	buffers     map[destination]*buffer
	retryQueue  []*pendingBatch
	deadLetters []DeadLetter
	deliveryLog []DeliveryLogEntry

	stop chan struct{}
	wg   sync.WaitGroup

	logger *log.Logger
	now    func() time.Time
}

// New creates an emitter. Start must be called to run the flush and retry
// tickers; Flush may be called directly for synchronous delivery.
func New(cfg Config) *Emitter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDeadLetters <= 0 {
		cfg.MaxDeadLetters = 100
	}
	if cfg.MaxDeliveryLog <= 0 {
		cfg.MaxDeliveryLog = 500
	}
	return &Emitter{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		buffers: make(map[destination]*buffer),
		stop:    make(chan struct{}),
		logger:  log.New(log.Writer(), "[WEBHOOK] ", log.LstdFlags),
		now:     time.Now,
	}
}

// EnqueueUsage buffers a usage event. Non-empty override values route the
// event to the key's own webhook instead of the default.
func (e *Emitter) EnqueueUsage(ev meter.UsageEvent, overrideURL, overrideSecret string) {
	dest := e.resolve(overrideURL, overrideSecret)
	if dest.url == "" {
		return
	}

	e.mu.Lock()
	b := e.bufferFor(dest)
	b.usage = append(b.usage, ev)
	full := b.size() >= e.cfg.BatchSize
	e.mu.Unlock()

	if full {
		e.Flush()
	}
}

// EnqueueAdmin buffers an admin lifecycle event for the default destination.
func (e *Emitter) EnqueueAdmin(ev AdminEvent) {
	dest := e.resolve("", "")
	if dest.url == "" {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}

	e.mu.Lock()
	b := e.bufferFor(dest)
	b.admin = append(b.admin, ev)
	full := b.size() >= e.cfg.BatchSize
	e.mu.Unlock()

	if full {
		e.Flush()
	}
}

func (e *Emitter) resolve(overrideURL, overrideSecret string) destination {
	if overrideURL != "" {
		secret := overrideSecret
		if secret == "" {
			secret = e.cfg.Secret
		}
		return destination{url: overrideURL, secret: secret}
	}
	return destination{url: e.cfg.URL, secret: e.cfg.Secret}
}

// bufferFor returns the destination buffer. Caller holds the lock.
func (e *Emitter) bufferFor(dest destination) *buffer {
	b, ok := e.buffers[dest]
	if !ok {
		b = &buffer{}
		e.buffers[dest] = b
	}
	return b
}

// Flush drains up to BatchSize events per destination and delivers each
// batch synchronously.
func (e *Emitter) Flush() {
	for _, b := range e.drain() {
		e.deliver(b)
	}
}

// drain cuts pending buffers into batches of at most BatchSize events.
func (e *Emitter) drain() []*pendingBatch {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*pendingBatch
	for dest, b := range e.buffers {
		for b.size() > 0 {
			batch := &pendingBatch{id: uuid.NewString(), dest: dest}
			budget := e.cfg.BatchSize

			take := len(b.usage)
			if take > budget {
				take = budget
			}
			batch.usage = append(batch.usage, b.usage[:take]...)
			b.usage = b.usage[take:]
			budget -= take

			take = len(b.admin)
			if take > budget {
				take = budget
			}
			batch.admin = append(batch.admin, b.admin[:take]...)
			b.admin = b.admin[take:]

			out = append(out, batch)
		}
		delete(e.buffers, dest)
	}
	return out
}

// deliver attempts one POST of a batch; failures schedule a retry or move
// the batch to the dead-letter queue.
func (e *Emitter) deliver(b *pendingBatch) {
	now := e.now()
	if b.firstAttempt.IsZero() {
		b.firstAttempt = now
	}
	b.lastAttempt = now

	statusCode, elapsed, err := e.post(b)
	e.logDelivery(b, statusCode, elapsed, err)

	if err == nil {
		return
	}
	b.lastError = err.Error()

	if b.attempt >= e.cfg.MaxRetries {
		e.toDeadLetters(b)
		return
	}

	delay := e.cfg.BaseDelay << uint(b.attempt)
	b.attempt++
	b.nextAttempt = e.now().Add(delay)

	e.mu.Lock()
	e.retryQueue = append(e.retryQueue, b)
	e.mu.Unlock()
	e.logger.Printf("Delivery failed (attempt %d, retry in %s): %v", b.attempt-1, delay, err)
}

// post performs the signed HTTP POST. A non-2xx/3xx status is an error.
func (e *Emitter) post(b *pendingBatch) (int, time.Duration, error) {
	payload := batchPayload{
		SentAt:      e.now().UTC().Format(time.RFC3339),
		Events:      b.usage,
		AdminEvents: b.admin,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, b.dest.url, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "paygate-mcp-webhook/1.0")
	if b.dest.secret != "" {
		ts := e.now().Unix()
		req.Header.Set("X-PayGate-Signature", fmt.Sprintf("t=%d,v1=%s", ts, Sign(b.dest.secret, ts, body)))
	}
	if b.attempt > 0 {
		req.Header.Set("X-PayGate-Retry", strconv.Itoa(b.attempt))
	}

	start := e.now()
	resp, err := e.client.Do(req)
	elapsed := e.now().Sub(start)
	if err != nil {
		return 0, elapsed, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return resp.StatusCode, elapsed, fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return resp.StatusCode, elapsed, nil
}

// Sign computes the v1 signature over "<unix-seconds>.<body>".
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an inbound X-PayGate-Signature header against a
// body using a constant-time comparison.
func VerifySignature(secret, header string, body []byte) bool {
	var ts int64 = -1
	var v1 string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			n, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return false
			}
			ts = n
		case "v1":
			v1 = kv[1]
		}
	}
	if ts < 0 || v1 == "" {
		return false
	}
	expected := Sign(secret, ts, body)
	return hmac.Equal([]byte(expected), []byte(v1))
}

// logDelivery appends a delivery-log entry, ring-capped.
func (e *Emitter) logDelivery(b *pendingBatch, status int, elapsed time.Duration, err error) {
	entry := DeliveryLogEntry{
		ID:             uuid.NewString(),
		Timestamp:      e.now(),
		URL:            MaskURL(b.dest.url),
		StatusCode:     status,
		ResponseTimeMs: elapsed.Milliseconds(),
		Attempt:        b.attempt,
		EventCount:     len(b.usage) + len(b.admin),
		EventTypes:     eventTypes(b),
	}
	if err != nil {
		entry.Error = err.Error()
	}

	e.mu.Lock()
	e.deliveryLog = append(e.deliveryLog, entry)
	if len(e.deliveryLog) > e.cfg.MaxDeliveryLog {
		e.deliveryLog = e.deliveryLog[len(e.deliveryLog)-e.cfg.MaxDeliveryLog:]
	}
	e.mu.Unlock()
}

func eventTypes(b *pendingBatch) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	if len(b.usage) > 0 {
		add("usage")
	}
	for _, ev := range b.admin {
		add(string(ev.Type))
	}
	return out
}

// MaskURL strips the password from a URL's userinfo and truncates long
// usernames so delivery logs never leak credentials.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	name := u.User.Username()
	if len(name) > 8 {
		name = name[:8] + "..."
	}
	u.User = url.User(name)
	return u.String()
}

// toDeadLetters moves an exhausted batch to the dead-letter ring.
func (e *Emitter) toDeadLetters(b *pendingBatch) {
	dl := DeadLetter{
		ID:           b.id,
		URL:          MaskURL(b.dest.url),
		Events:       b.usage,
		AdminEvents:  b.admin,
		LastError:    b.lastError,
		FirstAttempt: b.firstAttempt,
		LastAttempt:  b.lastAttempt,
		Attempts:     b.attempt + 1,
	}

	e.mu.Lock()
	e.deadLetters = append(e.deadLetters, dl)
	if len(e.deadLetters) > e.cfg.MaxDeadLetters {
		e.deadLetters = e.deadLetters[len(e.deadLetters)-e.cfg.MaxDeadLetters:]
	}
	e.mu.Unlock()
	e.logger.Printf("Batch %s moved to dead letters after %d attempts: %s", b.id, dl.Attempts, b.lastError)
}

// DeadLetters returns the current dead-letter queue.
func (e *Emitter) DeadLetters() []DeadLetter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]DeadLetter(nil), e.deadLetters...)
}

// ClearDeadLetters drops all dead letters and returns how many were dropped.
func (e *Emitter) ClearDeadLetters() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.deadLetters)
	e.deadLetters = nil
	return n
}

// ReplayDeadLetters removes the selected entries (all when indices is empty)
// and re-enqueues them for immediate delivery with a fresh attempt counter.
// Returns the number replayed.
func (e *Emitter) ReplayDeadLetters(indices []int) int {
	e.mu.Lock()
	selected := make(map[int]bool, len(indices))
	for _, i := range indices {
		selected[i] = true
	}

	var replay []*pendingBatch
	var kept []DeadLetter
	for i, dl := range e.deadLetters {
		if len(indices) > 0 && !selected[i] {
			kept = append(kept, dl)
			continue
		}
		replay = append(replay, &pendingBatch{
			id:    dl.ID,
			dest:  destination{url: e.cfg.URL, secret: e.cfg.Secret},
			usage: dl.Events,
			admin: dl.AdminEvents,
		})
	}
	e.deadLetters = kept
	e.retryQueue = append(e.retryQueue, replay...)
	e.mu.Unlock()
	return len(replay)
}

// RetryDue delivers every queued batch whose backoff has elapsed. The
// 1-second scheduler calls this; tests call it directly.
func (e *Emitter) RetryDue() {
	now := e.now()

	e.mu.Lock()
	var due []*pendingBatch
	var waiting []*pendingBatch
	for _, b := range e.retryQueue {
		if b.nextAttempt.After(now) {
			waiting = append(waiting, b)
		} else {
			due = append(due, b)
		}
	}
	e.retryQueue = waiting
	e.mu.Unlock()

	for _, b := range due {
		e.deliver(b)
	}
}

// DeliveryLog returns the capped attempt log, newest last.
func (e *Emitter) DeliveryLog() []DeliveryLogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]DeliveryLogEntry(nil), e.deliveryLog...)
}

// PendingRetries returns the number of batches awaiting retry.
func (e *Emitter) PendingRetries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.retryQueue)
}

// Start runs the flush ticker and the 1-second retry scheduler until Stop.
func (e *Emitter) Start() {
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.Flush()
			case <-e.stop:
				return
			}
		}
	}()
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.RetryDue()
			case <-e.stop:
				return
			}
		}
	}()
}

// Stop halts the tickers and flushes whatever is buffered.
func (e *Emitter) Stop() {
	close(e.stop)
	e.wg.Wait()
	e.Flush()
}
