package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/paygate/gateway/internal/adminkeys"
	"github.com/paygate/gateway/internal/api"
	"github.com/paygate/gateway/internal/audit"
	"github.com/paygate/gateway/internal/breaker"
	"github.com/paygate/gateway/internal/cache"
	"github.com/paygate/gateway/internal/canary"
	"github.com/paygate/gateway/internal/config"
	"github.com/paygate/gateway/internal/gate"
	"github.com/paygate/gateway/internal/keystore"
	"github.com/paygate/gateway/internal/meter"
	"github.com/paygate/gateway/internal/mirror"
	"github.com/paygate/gateway/internal/permissions"
	"github.com/paygate/gateway/internal/persist"
	"github.com/paygate/gateway/internal/plans"
	"github.com/paygate/gateway/internal/ratelimit"
	"github.com/paygate/gateway/internal/retry"
	"github.com/paygate/gateway/internal/schema"
	"github.com/paygate/gateway/internal/scopedtoken"
	"github.com/paygate/gateway/internal/teams"
	"github.com/paygate/gateway/internal/transform"
	"github.com/paygate/gateway/internal/upstream"
	"github.com/paygate/gateway/internal/webhooks"
)

const snapshotInterval = 30 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg := loadConfig()
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}

	log.Printf("Starting PayGate gateway (env=%s)...", cfg.Server.Env)

	// Registries.
	keys := keystore.New()
	templates := keystore.NewTemplateRegistry()
	admins, bootstrap := adminkeys.NewRegistry(os.Getenv("PAYGATE_ADMIN_KEY"))
	if bootstrap != "" {
		log.Printf("Bootstrap admin key (store this now, it is not shown again): %s", bootstrap)
	}

	tokenSecret := cfg.Tokens.SigningSecret
	if tokenSecret == "" {
		tokenSecret = os.Getenv("PAYGATE_TOKEN_SECRET")
	}
	if tokenSecret == "" {
		tokenSecret = uuid.NewString()
		log.Println("No token signing secret configured; scoped tokens will not survive restarts")
	}
	tokens := scopedtoken.NewMinter(tokenSecret)

	limiter := ratelimit.New()
	adaptive := ratelimit.NewAdaptive(ratelimit.AdaptiveConfig{
		ErrorRateThreshold: cfg.Adaptive.ErrorRateThreshold,
		Cooldown:           time.Duration(cfg.Adaptive.CooldownSeconds) * time.Second,
		MinRatePercent:     int(cfg.Adaptive.MinRatePercent),
		MaxRatePercent:     int(cfg.Adaptive.MaxRatePercent),
	})
	planReg := plans.NewRegistry()
	perms := permissions.NewEngine(permissions.EffectAllow)
	teamReg := teams.NewRegistry()
	schemas := schema.NewValidator()
	pipeline := transform.NewPipeline()
	auditLog := audit.New(cfg.Audit.Capacity)
	usage := meter.New(cfg.Meter.Capacity)

	// Snapshot persistence.
	var snapshots *persist.Store
	if cfg.Persistence.Dir != "" {
		var err error
		snapshots, err = persist.New(cfg.Persistence.Dir)
		if err != nil {
			log.Fatalf("Persistence init failed: %v", err)
		}
		st, err := snapshots.LoadState()
		if err != nil {
			log.Printf("Partial snapshot load: %v", err)
		}
		keys.Restore(st.Keys)
		if len(st.AdminKeys) > 0 {
			if err := admins.Restore(st.AdminKeys); err != nil {
				log.Printf("Admin key restore failed: %v", err)
			}
		}
		teamReg.Restore(st.Teams)
		planReg.Restore(st.Plans, st.PlanAssigns)
		templates.Restore(st.Templates)
		pipeline.Restore(st.Transforms)
		perms.Restore(st.Rules, st.RuleAssigns)
		schemas.Restore(st.Schemas)
		tokens.RestoreRevocations(st.Revocations)
		log.Printf("Restored state from %s (%d keys)", cfg.Persistence.Dir, len(st.Keys))
	}

	// Best-effort Redis mirror.
	var repl *mirror.Mirror
	if cfg.Mirror.Enabled {
		m, err := mirror.New(cfg.Mirror.Addr, cfg.Mirror.Password, cfg.Mirror.DB)
		if err != nil {
			log.Printf("Mirror unavailable, continuing without it: %v", err)
		} else {
			repl = m
			defer repl.Close()
		}
	}

	// Reliability mesh.
	respCache := cache.New(cfg.Cache.MaxEntries, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
	brk := breaker.New(cfg.Breaker.Threshold, time.Duration(cfg.Breaker.CooldownSeconds)*time.Second)
	canaryRouter := canary.New(cfg.Canary.Weight)
	retryPolicy := retry.New(retry.Config{
		MaxRetries:         cfg.Retry.MaxRetries,
		BackoffBase:        time.Duration(cfg.Retry.BackoffBaseMs) * time.Millisecond,
		BackoffMax:         time.Duration(cfg.Retry.BackoffMaxMs) * time.Millisecond,
		Jitter:             cfg.Retry.Jitter,
		RetryBudgetPercent: cfg.Retry.RetryBudgetPercent,
		RetryableCodes:     cfg.Retry.RetryableCodes,
		RetryablePatterns:  cfg.Retry.RetryablePatterns,
	})

	upstreamTimeout := time.Duration(cfg.Upstream.TimeoutMs) * time.Millisecond
	primary := upstream.NewHTTPBackend(cfg.Upstream.URL, upstreamTimeout)
	var canaryBackend upstream.Backend
	if cfg.Canary.URL != "" {
		canaryBackend = upstream.NewHTTPBackend(cfg.Canary.URL, upstreamTimeout)
	}
	forwarder := upstream.New(primary, canaryBackend, respCache, canaryRouter, brk, retryPolicy, forwardOptions(cfg))

	// Webhooks: every usage event flows to the default destination, or the
	// key's own webhook when one is configured.
	emitter := webhooks.New(webhooks.Config{
		URL:            cfg.Webhook.URL,
		Secret:         cfg.Webhook.Secret,
		BatchSize:      cfg.Webhook.BatchSize,
		FlushInterval:  time.Duration(cfg.Webhook.FlushIntervalMs) * time.Millisecond,
		MaxRetries:     cfg.Webhook.MaxRetries,
		BaseDelay:      time.Duration(cfg.Webhook.BaseDelayMs) * time.Millisecond,
		MaxDeadLetters: cfg.Webhook.MaxDeadLetters,
	})
	usage.OnEvent(func(ev meter.UsageEvent) {
		var url, secret string
		if rec, err := keys.Get(ev.APIKey); err == nil {
			url, secret = rec.WebhookURL, rec.WebhookSecret
		}
		emitter.EnqueueUsage(ev, url, secret)
	})
	emitter.Start()
	defer emitter.Stop()

	// The gate.
	var gateMirror gate.Replicator
	if repl != nil {
		gateMirror = repl
	}
	g := gate.New(gate.Config{
		FreeMethods:           cfg.Gate.FreeMethods,
		ShadowMode:            cfg.Gate.ShadowMode,
		RefundOnFailure:       cfg.Gate.RefundOnFailure,
		DefaultCreditsPerCall: cfg.Pricing.DefaultCreditsPerCall,
		ToolPricing:           toolPricing(cfg),
		PerKeyRatePerMin:      cfg.RateLimit.PerKeyPerMinute,
		AdaptiveEnabled:       cfg.Adaptive.Enabled,
	}, gate.Deps{
		Keys:     keys,
		Tokens:   tokens,
		Limiter:  limiter,
		Adaptive: adaptive,
		Plans:    planReg,
		Perms:    perms,
		Teams:    teamReg,
		Schemas:  schemas,
		Meter:    usage,
		Audit:    auditLog,
		Mirror:   gateMirror,
		Events:   emitter,
	})

	tokens.StartPurge(time.Duration(cfg.Tokens.PurgeIntervalSeconds) * time.Second)
	defer tokens.Stop()

	server := api.NewServer(api.Deps{
		Config:    cfg,
		Keys:      keys,
		Templates: templates,
		Admins:    admins,
		Tokens:    tokens,
		Limiter:   limiter,
		Adaptive:  adaptive,
		Plans:     planReg,
		Perms:     perms,
		Teams:     teamReg,
		Schemas:   schemas,
		Pipeline:  pipeline,
		Gate:      g,
		Forwarder: forwarder,
		Cache:     respCache,
		Breaker:   brk,
		Canary:    canaryRouter,
		Retry:     retryPolicy,
		Emitter:   emitter,
		Audit:     auditLog,
		Meter:     usage,
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	saveState := func() {
		if snapshots == nil {
			return
		}
		rules, ruleAssigns := perms.Snapshot()
		ps, planAssigns := planReg.Snapshot()
		st := &persist.State{
			Keys:        keys.Snapshot(),
			AdminKeys:   admins.Snapshot(),
			Teams:       teamReg.Snapshot(),
			Plans:       ps,
			PlanAssigns: planAssigns,
			Templates:   templates.Snapshot(),
			Transforms:  pipeline.Snapshot(),
			Rules:       rules,
			RuleAssigns: ruleAssigns,
			Schemas:     schemas.Snapshot(),
			Revocations: tokens.Revocations(),
		}
		if err := snapshots.SaveState(st); err != nil {
			log.Printf("Snapshot save failed: %v", err)
		}
	}

	stopSnapshots := make(chan struct{})
	if snapshots != nil {
		go func() {
			ticker := time.NewTicker(snapshotInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					saveState()
				case <-stopSnapshots:
					return
				}
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		close(stopSnapshots)
		saveState()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("PayGate listening on port %s (upstream=%s)", cfg.Server.Port, cfg.Upstream.URL)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Server stopped")
}

func loadConfig() *config.Config {
	path := os.Getenv("PAYGATE_CONFIG")
	if path == "" {
		if _, err := os.Stat("paygate.yaml"); err == nil {
			path = "paygate.yaml"
		}
	}
	if path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Config load failed: %v", err)
	}
	log.Printf("Loaded config from %s", path)
	return cfg
}

// toolPricing projects the YAML pricing table into the gate's view of it.
func toolPricing(cfg *config.Config) map[string]gate.ToolPrice {
	out := make(map[string]gate.ToolPrice, len(cfg.Pricing.Tools))
	for tool, tp := range cfg.Pricing.Tools {
		out[tool] = gate.ToolPrice{
			CreditsPerCall:     tp.CreditsPerCall,
			CreditsPerKbOutput: tp.CreditsPerKbOutput,
			RateLimitPerMin:    tp.RateLimitPerMin,
		}
	}
	return out
}

// forwardOptions projects cache TTL and timeout overrides for the forwarder.
func forwardOptions(cfg *config.Config) upstream.Options {
	opts := upstream.Options{
		DefaultTTL:     time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		DefaultTimeout: time.Duration(cfg.Upstream.TimeoutMs) * time.Millisecond,
		ToolTTL:        map[string]time.Duration{},
		ToolTimeout:    map[string]time.Duration{},
	}
	for tool, tp := range cfg.Pricing.Tools {
		if tp.CacheTTLSeconds > 0 {
			opts.ToolTTL[tool] = time.Duration(tp.CacheTTLSeconds) * time.Second
		}
		if tp.TimeoutMs > 0 {
			opts.ToolTimeout[tool] = time.Duration(tp.TimeoutMs) * time.Millisecond
		}
	}
	return opts
}
