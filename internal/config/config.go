package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration for the gateway process.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Pricing     PricingConfig     `yaml:"pricing"`
	Gate        GateConfig        `yaml:"gate"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Adaptive    AdaptiveConfig    `yaml:"adaptive"`
	Cache       CacheConfig       `yaml:"cache"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Retry       RetryConfig       `yaml:"retry"`
	Canary      CanaryConfig      `yaml:"canary"`
	Tokens      TokenConfig       `yaml:"tokens"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Audit       AuditConfig       `yaml:"audit"`
	Meter       MeterConfig       `yaml:"meter"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Mirror      MirrorConfig      `yaml:"mirror"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type UpstreamConfig struct {
	URL       string `yaml:"url"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// ToolPricing overrides pricing and forwarding behavior for a single tool.
type ToolPricing struct {
	CreditsPerCall     int64   `yaml:"credits_per_call"`
	CreditsPerKbOutput float64 `yaml:"credits_per_kb_output"`
	CacheTTLSeconds    int     `yaml:"cache_ttl_seconds"`
	TimeoutMs          int     `yaml:"timeout_ms"`
	RateLimitPerMin    int     `yaml:"rate_limit_per_min"`
}

type PricingConfig struct {
	DefaultCreditsPerCall int64                  `yaml:"default_credits_per_call"`
	Tools                 map[string]ToolPricing `yaml:"tools"`
}

type GateConfig struct {
	FreeMethods     []string `yaml:"free_methods"`
	ShadowMode      bool     `yaml:"shadow_mode"`
	RefundOnFailure bool     `yaml:"refund_on_failure"`
}

type RateLimitConfig struct {
	PerKeyPerMinute int `yaml:"per_key_per_minute"`
}

type AdaptiveConfig struct {
	Enabled            bool    `yaml:"enabled"`
	ErrorRateThreshold float64 `yaml:"error_rate_threshold"`
	CooldownSeconds    int     `yaml:"cooldown_seconds"`
	MinRatePercent     float64 `yaml:"min_rate_percent"`
	MaxRatePercent     float64 `yaml:"max_rate_percent"`
}

type CacheConfig struct {
	TTLSeconds  int  `yaml:"ttl_seconds"`
	MaxEntries  int  `yaml:"max_entries"`
	ChargeOnHit bool `yaml:"charge_on_hit"`
}

type BreakerConfig struct {
	Threshold       int `yaml:"threshold"`
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

type RetryConfig struct {
	MaxRetries         int      `yaml:"max_retries"`
	BackoffBaseMs      int      `yaml:"backoff_base_ms"`
	BackoffMaxMs       int      `yaml:"backoff_max_ms"`
	Jitter             bool     `yaml:"jitter"`
	RetryBudgetPercent float64  `yaml:"retry_budget_percent"`
	RetryableCodes     []int    `yaml:"retryable_codes"`
	RetryablePatterns  []string `yaml:"retryable_patterns"`
}

type CanaryConfig struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

type TokenConfig struct {
	SigningSecret        string `yaml:"signing_secret"`
	PurgeIntervalSeconds int    `yaml:"purge_interval_seconds"`
}

type WebhookConfig struct {
	URL             string `yaml:"url"`
	Secret          string `yaml:"secret"`
	BatchSize       int    `yaml:"batch_size"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
	MaxRetries      int    `yaml:"max_retries"`
	BaseDelayMs     int    `yaml:"base_delay_ms"`
	MaxDeadLetters  int    `yaml:"max_dead_letters"`
}

type AuditConfig struct {
	Capacity int `yaml:"capacity"`
}

type MeterConfig struct {
	Capacity int `yaml:"capacity"`
}

type PersistenceConfig struct {
	Dir string `yaml:"dir"`
}

type MirrorConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: "8080", Env: "dev"},
		Upstream: UpstreamConfig{TimeoutMs: 30000},
		Pricing: PricingConfig{
			DefaultCreditsPerCall: 1,
			Tools:                 map[string]ToolPricing{},
		},
		Gate: GateConfig{
			FreeMethods: []string{"initialize", "tools/list", "ping"},
		},
		Adaptive: AdaptiveConfig{
			ErrorRateThreshold: 0.5,
			CooldownSeconds:    30,
			MinRatePercent:     10,
			MaxRatePercent:     150,
		},
		Cache:   CacheConfig{MaxEntries: 1000, ChargeOnHit: true},
		Breaker: BreakerConfig{Threshold: 5, CooldownSeconds: 30},
		Retry: RetryConfig{
			MaxRetries:         2,
			BackoffBaseMs:      100,
			BackoffMaxMs:       5000,
			Jitter:             true,
			RetryBudgetPercent: 20,
			RetryableCodes:     []int{-32000, 429, 502, 503, 504},
			RetryablePatterns:  []string{"timeout", "connection refused", "connection reset", "temporarily unavailable"},
		},
		Tokens: TokenConfig{PurgeIntervalSeconds: 60},
		Webhook: WebhookConfig{
			BatchSize:       20,
			FlushIntervalMs: 5000,
			MaxRetries:      5,
			BaseDelayMs:     1000,
			MaxDeadLetters:  100,
		},
		Audit: AuditConfig{Capacity: 5000},
		Meter: MeterConfig{Capacity: 10000},
	}
}

// Load reads a YAML config file and merges it over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// ToolCredits returns the per-call price for a tool.
func (p *PricingConfig) ToolCredits(tool string) int64 {
	if tp, ok := p.Tools[tool]; ok && tp.CreditsPerCall > 0 {
		return tp.CreditsPerCall
	}
	return p.DefaultCreditsPerCall
}

// OutputSurchargeRate returns the per-KB output surcharge for a tool, 0 if none.
func (p *PricingConfig) OutputSurchargeRate(tool string) float64 {
	if tp, ok := p.Tools[tool]; ok {
		return tp.CreditsPerKbOutput
	}
	return 0
}

// IsFreeMethod reports whether a method bypasses credit accounting.
func (g *GateConfig) IsFreeMethod(method string) bool {
	for _, m := range g.FreeMethods {
		if m == method {
			return true
		}
	}
	return false
}
