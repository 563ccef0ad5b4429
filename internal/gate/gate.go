// Package gate is the synchronous decision engine in front of the upstream
// forwarder. For every tool call it consults credentials, policy, rate
// limits, quotas, concurrency limits, ACLs, team budgets, schema validators,
// usage plans, permission rules, and shadow mode, then atomically debits
// credits. The debit is always the last step so a denied call never spends.
package gate

import (
	"encoding/json"
	"errors"
	"log"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/paygate/gateway/internal/audit"
	"github.com/paygate/gateway/internal/keystore"
	"github.com/paygate/gateway/internal/meter"
	"github.com/paygate/gateway/internal/permissions"
	"github.com/paygate/gateway/internal/plans"
	"github.com/paygate/gateway/internal/ratelimit"
	"github.com/paygate/gateway/internal/schema"
	"github.com/paygate/gateway/internal/scopedtoken"
	"github.com/paygate/gateway/internal/teams"
	"github.com/paygate/gateway/internal/webhooks"
)

// Deny reasons produced by the gate itself; registries contribute their own.
const (
	ReasonFreeMethod          = "free_method"
	ReasonMissingAPIKey       = "missing_api_key"
	ReasonUnknownAPIKey       = "unknown_api_key"
	ReasonInvalidScopedToken  = "invalid_scoped_token"
	ReasonIPNotAllowed        = "ip_not_allowed"
	ReasonToolDenied          = "tool_denied"
	ReasonToolNotAllowed      = "tool_not_allowed"
	ReasonTokenToolNotAllowed = "token_tool_not_allowed"
	ReasonPermissionDenied    = "permission_denied"
	ReasonSchemaFailed        = "schema_validation_failed"
	ReasonRateLimited         = "rate_limited"
	ReasonConcurrencyLimit    = "concurrency_limit"
	ReasonSpendingLimit       = "spending_limit_exceeded"
	ReasonUpstreamFailure     = "upstream_failure"
)

// ToolPrice overrides per-tool pricing and rate policy.
type ToolPrice struct {
	CreditsPerCall     int64
	CreditsPerKbOutput float64
	RateLimitPerMin    int
}

// Config tunes the gate.
type Config struct {
	FreeMethods           []string
	ShadowMode            bool
	RefundOnFailure       bool
	DefaultCreditsPerCall int64
	ToolPricing           map[string]ToolPrice
	PerKeyRatePerMin      int
	AdaptiveEnabled       bool
}

// Call is one tool invocation.
type Call struct {
	Tool string
	Args map[string]interface{}
}

// Context carries transport-supplied facts about the caller.
type Context struct {
	ClientIP    string
	Environment string
	Extra       map[string]interface{}
}

// Decision is the gate's verdict on one call.
type Decision struct {
	ID                   string                   `json:"id"`
	Allowed              bool                     `json:"allowed"`
	Reason               string                   `json:"reason,omitempty"`
	CreditsCharged       int64                    `json:"credits_charged"`
	Tool                 string                   `json:"tool"`
	Key                  string                   `json:"-"`
	KeyName              string                   `json:"key_name,omitempty"`
	Shadow               bool                     `json:"shadow,omitempty"`
	SchemaErrors         []schema.ValidationError `json:"schema_errors,omitempty"`
	OutputSurchargePerKb float64                  `json:"-"`
	OutputSurcharge      int64                    `json:"output_surcharge,omitempty"`

	acquired bool
	settled  atomic.Bool
}

// BatchResult is the verdict on an all-or-nothing batch.
type BatchResult struct {
	AllAllowed   bool        `json:"all_allowed"`
	FailedIndex  int         `json:"failed_index,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	TotalCredits int64       `json:"total_credits"`
	Decisions    []*Decision `json:"decisions,omitempty"`
}

// Replicator mirrors balances to a best-effort external store.
type Replicator interface {
	ReplicateBalance(key string, balance int64)
}

// AdminNotifier receives admin lifecycle events for webhook delivery.
type AdminNotifier interface {
	EnqueueAdmin(ev webhooks.AdminEvent)
}

// Gate composes every registry into one evaluate/settle pair.
type Gate struct {
	keys     *keystore.Store
	tokens   *scopedtoken.Minter
	limiter  *ratelimit.Limiter
	adaptive *ratelimit.Adaptive
	plans    *plans.Registry
	perms    *permissions.Engine
	teams    *teams.Registry
	schemas  *schema.Validator
	meter    *meter.Meter
	audit    *audit.Log

	mirror Replicator
	events AdminNotifier

	cfgMu sync.RWMutex
	cfg   Config

	inflightMu sync.Mutex
	inflight   map[string]int

	logger *log.Logger
	now    func() time.Time
}

// Deps lists the registries the gate consults.
type Deps struct {
	Keys     *keystore.Store
	Tokens   *scopedtoken.Minter
	Limiter  *ratelimit.Limiter
	Adaptive *ratelimit.Adaptive
	Plans    *plans.Registry
	Perms    *permissions.Engine
	Teams    *teams.Registry
	Schemas  *schema.Validator
	Meter    *meter.Meter
	Audit    *audit.Log
	Mirror   Replicator
	Events   AdminNotifier
}

// New wires a gate.
func New(cfg Config, d Deps) *Gate {
	if cfg.DefaultCreditsPerCall <= 0 {
		cfg.DefaultCreditsPerCall = 1
	}
	return &Gate{
		keys:     d.Keys,
		tokens:   d.Tokens,
		limiter:  d.Limiter,
		adaptive: d.Adaptive,
		plans:    d.Plans,
		perms:    d.Perms,
		teams:    d.Teams,
		schemas:  d.Schemas,
		meter:    d.Meter,
		audit:    d.Audit,
		mirror:   d.Mirror,
		events:   d.Events,
		cfg:      cfg,
		inflight: make(map[string]int),
		logger:   log.New(log.Writer(), "[GATE] ", log.LstdFlags),
		now:      time.Now,
	}
}

// SetShadowMode toggles shadow mode at runtime.
func (g *Gate) SetShadowMode(on bool) {
	g.cfgMu.Lock()
	g.cfg.ShadowMode = on
	g.cfgMu.Unlock()
	g.logger.Printf("Shadow mode %v", on)
}

// ShadowMode reports the current shadow setting.
func (g *Gate) ShadowMode() bool {
	g.cfgMu.RLock()
	defer g.cfgMu.RUnlock()
	return g.cfg.ShadowMode
}

func (g *Gate) config() Config {
	g.cfgMu.RLock()
	defer g.cfgMu.RUnlock()
	return g.cfg
}

// toolPrice returns the base per-call price and surcharge rate for a tool.
func (cfg *Config) toolPrice(tool string) (int64, float64, int) {
	if tp, ok := cfg.ToolPricing[tool]; ok {
		base := tp.CreditsPerCall
		if base <= 0 {
			base = cfg.DefaultCreditsPerCall
		}
		return base, tp.CreditsPerKbOutput, tp.RateLimitPerMin
	}
	return cfg.DefaultCreditsPerCall, 0, 0
}

func (cfg *Config) isFreeMethod(tool string) bool {
	for _, m := range cfg.FreeMethods {
		if m == tool {
			return true
		}
	}
	return false
}

// Evaluate runs the ordered check pipeline for one call. The returned
// decision carries the charge; callers must Settle it exactly once after
// the upstream outcome is known.
func (g *Gate) Evaluate(credential string, call Call, ctx Context) *Decision {
	start := g.now()
	d := g.evaluate(credential, call, ctx)
	evaluateDuration.Observe(g.now().Sub(start).Seconds())

	outcome := "deny"
	if d.Allowed {
		outcome = "allow"
		creditsChargedTotal.Add(float64(d.CreditsCharged))
	}
	decisionsTotal.WithLabelValues(outcome, d.Reason).Inc()

	if !d.Allowed {
		g.recordDenial(d)
	}
	return d
}

func (g *Gate) evaluate(credential string, call Call, ctx Context) *Decision {
	cfg := g.config()
	d := &Decision{ID: uuid.NewString(), Tool: call.Tool}

	// Free methods bypass every check and charge nothing.
	if cfg.isFreeMethod(call.Tool) {
		d.Allowed = true
		d.Reason = ReasonFreeMethod
		return d
	}

	if credential == "" {
		return g.deny(d, &cfg, ReasonMissingAPIKey)
	}

	// Scoped tokens substitute their parent key and narrow the tool set.
	apiKey := credential
	var scopedAllowed []string
	if scopedtoken.IsToken(credential) {
		payload, err := g.tokens.Validate(credential)
		if err != nil {
			return g.deny(d, &cfg, tokenReason(err))
		}
		apiKey = payload.APIKey
		scopedAllowed = payload.AllowedTools
	}
	d.Key = apiKey

	rec, err := g.keys.Get(apiKey)
	if err != nil {
		return g.deny(d, &cfg, ReasonUnknownAPIKey)
	}
	d.KeyName = rec.Name
	switch {
	case !rec.Active:
		return g.deny(d, &cfg, keystore.ErrKeyInactive.Error())
	case rec.Suspended:
		return g.deny(d, &cfg, keystore.ErrKeySuspended.Error())
	case rec.ExpiresAt != nil && g.now().After(*rec.ExpiresAt):
		return g.deny(d, &cfg, keystore.ErrKeyExpired.Error())
	}

	price, reason, schemaErrs := g.checkPolicy(&cfg, rec, call, ctx, scopedAllowed, true)
	d.SchemaErrors = schemaErrs
	d.OutputSurchargePerKb = surchargeRate(&cfg, call.Tool)
	if reason != "" {
		return g.deny(d, &cfg, reason)
	}

	// Concurrency slot is taken before the debit and released at settle.
	if plan, ok := g.plans.PlanFor(apiKey); ok && plan.MaxConcurrent > 0 {
		if !g.acquire(apiKey, plan.MaxConcurrent) {
			return g.deny(d, &cfg, ReasonConcurrencyLimit)
		}
		d.acquired = true
	}

	result, err := g.keys.Debit(apiKey, price)
	if err != nil {
		g.release(d)
		return g.deny(d, &cfg, err.Error())
	}

	g.teams.RecordUsage(apiKey, price)
	if cfg.AdaptiveEnabled {
		g.adaptive.RecordCall(apiKey)
		g.adaptive.Evaluate(apiKey)
	}
	if g.mirror != nil {
		g.mirror.ReplicateBalance(apiKey, result.NewBalance)
	}

	// Auto top-up is a side effect; it never blocks the decision.
	if rec.AutoTopup != nil && result.NewBalance < rec.AutoTopup.Threshold {
		go g.tryAutoTopup(apiKey)
	}

	d.Allowed = true
	d.CreditsCharged = price
	return d
}

// checkPolicy runs steps 4-15 of the pipeline: every read-only policy check
// plus price computation. With record unset, rate-limit counters are only
// inspected, which batch evaluation relies on.
func (g *Gate) checkPolicy(cfg *Config, rec *keystore.ApiKeyRecord, call Call, ctx Context, scopedAllowed []string, record bool) (int64, string, []schema.ValidationError) {
	if len(rec.IPAllowlist) > 0 && !ipAllowed(ctx.ClientIP, rec.IPAllowlist) {
		return 0, ReasonIPNotAllowed, nil
	}

	for _, denied := range rec.DeniedTools {
		if denied == call.Tool {
			return 0, ReasonToolDenied, nil
		}
	}
	if len(rec.AllowedTools) > 0 && !contains(rec.AllowedTools, call.Tool) {
		return 0, ReasonToolNotAllowed, nil
	}

	if len(scopedAllowed) > 0 && !contains(scopedAllowed, call.Tool) {
		return 0, ReasonTokenToolNotAllowed, nil
	}

	if ok, planReason := g.plans.IsToolAllowed(rec.Key, call.Tool); !ok {
		return 0, planReason, nil
	}

	payloadBytes := 0
	if len(call.Args) > 0 {
		if data, err := json.Marshal(call.Args); err == nil {
			payloadBytes = len(data)
		}
	}
	if g.perms.Check(permissions.CheckContext{
		Key:          rec.Key,
		Tool:         call.Tool,
		Environment:  ctx.Environment,
		IP:           ctx.ClientIP,
		PayloadBytes: payloadBytes,
		Extra:        ctx.Extra,
	}) == permissions.EffectDeny {
		return 0, ReasonPermissionDenied, nil
	}

	if errs := g.schemas.Validate(call.Tool, call.Args); len(errs) > 0 {
		return 0, ReasonSchemaFailed, errs
	}

	if reason := g.checkRateLimits(cfg, rec.Key, call.Tool, record); reason != "" {
		return 0, reason, nil
	}

	base, _, _ := cfg.toolPrice(call.Tool)
	price := roundHalfAway(float64(base) * g.plans.CreditMultiplier(rec.Key))
	if price < 0 {
		price = 0
	}

	if err := g.teams.CheckBudget(rec.Key, price); err != nil {
		return 0, err.Error(), nil
	}
	if err := g.teams.CheckQuota(rec.Key, price); err != nil {
		return 0, err.Error(), nil
	}
	if err := g.keys.CheckQuota(rec.Key, price); err != nil {
		return 0, err.Error(), nil
	}

	if rec.SpendingLimit > 0 && rec.TotalSpent+price > rec.SpendingLimit {
		return 0, ReasonSpendingLimit, nil
	}
	return price, "", nil
}

// checkRateLimits applies the most restrictive of the global per-key, plan,
// and per-tool limits. The adaptive multiplier scales the key-level value.
func (g *Gate) checkRateLimits(cfg *Config, key, tool string, record bool) string {
	keyLimit := cfg.PerKeyRatePerMin
	if plan, ok := g.plans.PlanFor(key); ok && plan.RateLimitPerMin > 0 {
		if keyLimit == 0 || plan.RateLimitPerMin < keyLimit {
			keyLimit = plan.RateLimitPerMin
		}
	}
	if keyLimit > 0 && cfg.AdaptiveEnabled {
		keyLimit = g.adaptive.EffectiveRate(key, keyLimit)
		if keyLimit < 1 {
			keyLimit = 1
		}
	}

	_, _, toolLimit := cfg.toolPrice(tool)
	toolCounter := key + ":tool:" + tool

	if record {
		if !g.limiter.Allow(key, keyLimit) {
			g.adaptiveDenial(cfg, key)
			return ReasonRateLimited
		}
		if toolLimit > 0 && !g.limiter.Allow(toolCounter, toolLimit) {
			g.adaptiveDenial(cfg, key)
			return ReasonRateLimited
		}
		return ""
	}

	if !g.limiter.Check(key, keyLimit) || (toolLimit > 0 && !g.limiter.Check(toolCounter, toolLimit)) {
		return ReasonRateLimited
	}
	return ""
}

func (g *Gate) adaptiveDenial(cfg *Config, key string) {
	if cfg.AdaptiveEnabled {
		g.adaptive.RecordDenial(key)
	}
}

// deny finalizes a denial, or converts it to an uncharged allow in shadow
// mode. Shadow decisions keep the original reason behind a prefix so the
// meter stays faithful.
func (g *Gate) deny(d *Decision, cfg *Config, reason string) *Decision {
	if cfg.ShadowMode {
		d.Allowed = true
		d.Shadow = true
		d.Reason = "shadow:" + reason
		d.CreditsCharged = 0
		return d
	}
	d.Allowed = false
	d.Reason = reason
	if cfg.AdaptiveEnabled && d.Key != "" {
		g.adaptive.RecordDenial(d.Key)
	}
	return d
}

// recordDenial feeds the meter and audit log for a denied call.
func (g *Gate) recordDenial(d *Decision) {
	g.meter.Record(meter.UsageEvent{
		Timestamp:  g.now(),
		APIKey:     d.Key,
		KeyName:    d.KeyName,
		Tool:       d.Tool,
		Allowed:    false,
		DenyReason: d.Reason,
	})
	g.audit.Record("call.denied", maskKey(d.Key), "tool call denied: "+d.Reason, map[string]interface{}{
		"tool":   d.Tool,
		"reason": d.Reason,
	})
}

// Settle completes a decision once the upstream outcome is known. It is
// idempotent per decision: the second and later calls are no-ops.
func (g *Gate) Settle(d *Decision, success bool, responseBytes int) {
	if d == nil || !d.settled.CompareAndSwap(false, true) {
		return
	}
	g.release(d)

	if !d.Allowed || d.Reason == ReasonFreeMethod {
		return
	}
	cfg := g.config()

	if success && d.OutputSurchargePerKb > 0 && responseBytes > 0 {
		surcharge := int64(math.Ceil(float64(responseBytes) / 1024 * d.OutputSurchargePerKb))
		if surcharge > 0 {
			if _, err := g.keys.Debit(d.Key, surcharge); err == nil {
				d.OutputSurcharge = surcharge
				g.teams.RecordUsage(d.Key, surcharge)
			}
		}
	}

	event := meter.UsageEvent{
		Timestamp:       g.now(),
		APIKey:          d.Key,
		KeyName:         d.KeyName,
		Tool:            d.Tool,
		CreditsCharged:  d.CreditsCharged,
		Allowed:         true,
		ResponseBytes:   responseBytes,
		OutputSurcharge: d.OutputSurcharge,
	}
	if d.Shadow {
		event.DenyReason = d.Reason
	}

	if !success {
		if cfg.RefundOnFailure && d.CreditsCharged > 0 {
			g.keys.Refund(d.Key, d.CreditsCharged)
			g.teams.RefundUsage(d.Key, d.CreditsCharged)
			creditsRefundedTotal.Add(float64(d.CreditsCharged))
			event.CreditsCharged = 0
		}
		event.Allowed = false
		event.DenyReason = ReasonUpstreamFailure
		if cfg.AdaptiveEnabled {
			g.adaptive.RecordError(d.Key)
		}
		g.audit.Record("call.failed", maskKey(d.Key), "upstream failure for "+d.Tool, map[string]interface{}{
			"tool":     d.Tool,
			"refunded": cfg.RefundOnFailure,
		})
	}

	g.meter.Record(event)
}

// EvaluateBatch admits or rejects a batch of calls atomically: every policy
// is pre-checked for every call, and only a fully clean batch debits (once,
// for the summed price).
func (g *Gate) EvaluateBatch(credential string, calls []Call, ctx Context) *BatchResult {
	cfg := g.config()

	apiKey := credential
	var scopedAllowed []string
	if scopedtoken.IsToken(credential) {
		payload, err := g.tokens.Validate(credential)
		if err != nil {
			return &BatchResult{Reason: tokenReason(err)}
		}
		apiKey = payload.APIKey
		scopedAllowed = payload.AllowedTools
	}
	if apiKey == "" {
		return &BatchResult{Reason: ReasonMissingAPIKey}
	}

	rec, err := g.keys.Get(apiKey)
	if err != nil {
		return &BatchResult{Reason: ReasonUnknownAPIKey}
	}

	var total int64
	prices := make([]int64, len(calls))
	for i, call := range calls {
		if cfg.isFreeMethod(call.Tool) {
			continue
		}
		price, reason, _ := g.checkPolicy(&cfg, rec, call, ctx, scopedAllowed, false)
		if reason != "" {
			return &BatchResult{FailedIndex: i, Reason: reason}
		}
		prices[i] = price
		total += price
	}

	if rec.SpendingLimit > 0 && rec.TotalSpent+total > rec.SpendingLimit {
		return &BatchResult{Reason: ReasonSpendingLimit}
	}
	result, err := g.keys.Debit(apiKey, total)
	if err != nil {
		return &BatchResult{Reason: err.Error()}
	}
	g.teams.RecordUsage(apiKey, total)
	if g.mirror != nil {
		g.mirror.ReplicateBalance(apiKey, result.NewBalance)
	}

	out := &BatchResult{AllAllowed: true, TotalCredits: total}
	for i, call := range calls {
		// Counters are recorded only now that the whole batch is admitted.
		g.checkRateLimits(&cfg, apiKey, call.Tool, true)
		d := &Decision{
			ID:             uuid.NewString(),
			Allowed:        true,
			Tool:           call.Tool,
			Key:            apiKey,
			KeyName:        rec.Name,
			CreditsCharged: prices[i],
		}
		d.OutputSurchargePerKb = surchargeRate(&cfg, call.Tool)
		out.Decisions = append(out.Decisions, d)
	}
	return out
}

// FilterToolsForKey shrinks an advertised tool list to what the credential
// may call. A nil return means no filtering applies.
func (g *Gate) FilterToolsForKey(credential string, tools []string) []string {
	apiKey := credential
	var scopedAllowed []string
	if scopedtoken.IsToken(credential) {
		payload, err := g.tokens.Validate(credential)
		if err != nil {
			return []string{}
		}
		apiKey = payload.APIKey
		scopedAllowed = payload.AllowedTools
	}

	rec, err := g.keys.Get(apiKey)
	if err != nil {
		return nil
	}

	plan, hasPlan := g.plans.PlanFor(apiKey)
	filtering := len(rec.AllowedTools) > 0 || len(rec.DeniedTools) > 0 || len(scopedAllowed) > 0 ||
		(hasPlan && (len(plan.AllowedTools) > 0 || len(plan.DeniedTools) > 0))
	if !filtering {
		return nil
	}

	out := make([]string, 0, len(tools))
	for _, tool := range tools {
		if contains(rec.DeniedTools, tool) {
			continue
		}
		if len(rec.AllowedTools) > 0 && !contains(rec.AllowedTools, tool) {
			continue
		}
		if len(scopedAllowed) > 0 && !contains(scopedAllowed, tool) {
			continue
		}
		if ok, _ := g.plans.IsToolAllowed(apiKey, tool); !ok {
			continue
		}
		out = append(out, tool)
	}
	return out
}

// tryAutoTopup applies a pending auto top-up and audits it.
func (g *Gate) tryAutoTopup(key string) {
	amount, granted := g.keys.TryAutoTopup(key)
	if !granted {
		return
	}
	g.audit.Record("key.auto_topped_up", maskKey(key), "automatic top-up applied", map[string]interface{}{
		"amount": amount,
	})
	if g.events != nil {
		g.events.EnqueueAdmin(webhooks.AdminEvent{
			Type:  webhooks.EventKeyAutoToppedUp,
			Actor: "system",
			Metadata: map[string]interface{}{
				"key":    maskKey(key),
				"amount": amount,
			},
		})
	}
}

// acquire takes a concurrency slot if the in-flight count stays at or under
// the plan limit.
func (g *Gate) acquire(key string, max int) bool {
	g.inflightMu.Lock()
	defer g.inflightMu.Unlock()
	if g.inflight[key]+1 > max {
		return false
	}
	g.inflight[key]++
	return true
}

func (g *Gate) release(d *Decision) {
	if !d.acquired {
		return
	}
	d.acquired = false
	g.inflightMu.Lock()
	if g.inflight[d.Key] > 0 {
		g.inflight[d.Key]--
	}
	g.inflightMu.Unlock()
}

// InFlight reports the current in-flight count for a key.
func (g *Gate) InFlight(key string) int {
	g.inflightMu.Lock()
	defer g.inflightMu.Unlock()
	return g.inflight[key]
}

func tokenReason(err error) string {
	switch {
	case errors.Is(err, scopedtoken.ErrTokenRevoked):
		return scopedtoken.ErrTokenRevoked.Error()
	case errors.Is(err, scopedtoken.ErrTokenExpired):
		return scopedtoken.ErrTokenExpired.Error()
	default:
		return ReasonInvalidScopedToken
	}
}

func surchargeRate(cfg *Config, tool string) float64 {
	_, rate, _ := cfg.toolPrice(tool)
	return rate
}

// ipAllowed matches a client IP against entries that may be CIDRs or plain
// addresses.
func ipAllowed(clientIP string, allowlist []string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, entry := range allowlist {
		if strings.Contains(entry, "/") {
			if _, ipnet, err := net.ParseCIDR(entry); err == nil && ipnet.Contains(ip) {
				return true
			}
			continue
		}
		if other := net.ParseIP(entry); other != nil && other.Equal(ip) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// roundHalfAway rounds to the nearest integer, half away from zero.
func roundHalfAway(x float64) int64 {
	if x >= 0 {
		return int64(math.Floor(x + 0.5))
	}
	return int64(math.Ceil(x - 0.5))
}

func maskKey(key string) string {
	if len(key) <= 11 {
		return key
	}
	return key[:11] + "..."
}
