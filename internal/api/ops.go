package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/paygate/gateway/internal/adminkeys"
	"github.com/paygate/gateway/internal/audit"
	"github.com/paygate/gateway/internal/retry"
	"github.com/paygate/gateway/internal/webhooks"
)

func (s *Server) handleCreateAdminKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Role string `json:"role"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.Role == "" {
		writeError(w, http.StatusBadRequest, codeMissingParam, "name and role are required")
		return
	}

	rec, err := s.admins.Create(req.Name, adminkeys.Role(req.Role), s.actor(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParam, err.Error())
		return
	}

	s.audit.Record("admin_key.created", s.actor(r), "created admin key "+rec.Name, map[string]interface{}{"role": rec.Role})
	s.emitter.EnqueueAdmin(webhooks.AdminEvent{Type: webhooks.EventAdminKeyCreated, Actor: s.actor(r), Metadata: map[string]interface{}{"name": rec.Name}})
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListAdminKeys(w http.ResponseWriter, r *http.Request) {
	// Keys themselves are never listed, only their metadata.
	records := s.admins.List()
	type view struct {
		Name       string         `json:"name"`
		Role       adminkeys.Role `json:"role"`
		CreatedBy  string         `json:"created_by"`
		Active     bool           `json:"active"`
		CreatedAt  time.Time      `json:"created_at"`
		LastUsedAt time.Time      `json:"last_used_at"`
	}
	out := make([]view, 0, len(records))
	for _, rec := range records {
		out = append(out, view{
			Name:       rec.Name,
			Role:       rec.Role,
			CreatedBy:  rec.CreatedBy,
			Active:     rec.Active,
			CreatedAt:  rec.CreatedAt,
			LastUsedAt: rec.LastUsedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRevokeAdminKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, codeMissingParam, "key is required")
		return
	}

	err := s.admins.Revoke(req.Key)
	switch {
	case errors.Is(err, adminkeys.ErrAdminKeyNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, adminkeys.ErrLastSuperAdmin), errors.Is(err, adminkeys.ErrAdminKeyNotActive):
		writeError(w, http.StatusConflict, codeConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, codeInvalidParam, err.Error())
	default:
		s.audit.Record("admin_key.revoked", s.actor(r), "revoked admin key", nil)
		s.emitter.EnqueueAdmin(webhooks.AdminEvent{Type: webhooks.EventAdminKeyRevoked, Actor: s.actor(r)})
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	}
}

func (s *Server) handleRotateBootstrap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldKey string `json:"old_key"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OldKey == "" {
		writeError(w, http.StatusBadRequest, codeMissingParam, "old_key is required")
		return
	}

	// Resolve the actor before rotation deactivates the presented key.
	actor := s.actor(r)
	fresh, err := s.admins.RotateBootstrap(req.OldKey)
	switch {
	case errors.Is(err, adminkeys.ErrAdminKeyNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, adminkeys.ErrNotBootstrapKey):
		writeError(w, http.StatusForbidden, codeForbidden, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, codeInvalidParam, err.Error())
	default:
		s.audit.Record("admin_key.rotated", actor, "rotated bootstrap admin key", nil)
		s.emitter.EnqueueAdmin(webhooks.AdminEvent{Type: webhooks.EventKeyRotated, Actor: actor})
		writeJSON(w, http.StatusOK, fresh)
	}
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	tool := r.URL.Query().Get("tool")
	removed := s.cache.Clear(tool)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleBreakerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.breaker.Stats())
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	s.breaker.Reset()
	s.audit.Record("breaker.reset", s.actor(r), "circuit breaker manually reset", nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleCanaryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"weight":  s.canary.Weight(),
		"enabled": s.canary.Enabled(),
		"stats":   s.canary.Stats(),
	})
}

func (s *Server) handleCanaryWeight(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Weight int `json:"weight"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	applied := s.canary.SetWeight(req.Weight)
	s.audit.Record("canary.weight", s.actor(r), "canary weight changed", map[string]interface{}{"weight": applied})
	writeJSON(w, http.StatusOK, map[string]int{"weight": applied})
}

func (s *Server) handleRetryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.retry.Stats())
}

func (s *Server) handleRetryConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxRetries         int      `json:"max_retries"`
		BackoffBaseMs      int      `json:"backoff_base_ms"`
		BackoffMaxMs       int      `json:"backoff_max_ms"`
		Jitter             bool     `json:"jitter"`
		RetryBudgetPercent float64  `json:"retry_budget_percent"`
		RetryableCodes     []int    `json:"retryable_codes"`
		RetryablePatterns  []string `json:"retryable_patterns"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MaxRetries < 0 || req.BackoffBaseMs < 0 || req.BackoffMaxMs < 0 {
		writeError(w, http.StatusBadRequest, codeInvalidParam, "retry values must be non-negative")
		return
	}
	s.retry.SetConfig(retry.Config{
		MaxRetries:         req.MaxRetries,
		BackoffBase:        time.Duration(req.BackoffBaseMs) * time.Millisecond,
		BackoffMax:         time.Duration(req.BackoffMaxMs) * time.Millisecond,
		Jitter:             req.Jitter,
		RetryBudgetPercent: req.RetryBudgetPercent,
		RetryableCodes:     req.RetryableCodes,
		RetryablePatterns:  req.RetryablePatterns,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleShadowMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.gate.SetShadowMode(req.Enabled)
	s.audit.Record("shadow_mode", s.actor(r), "shadow mode toggled", map[string]interface{}{"enabled": req.Enabled})
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (s *Server) handleAdaptiveRates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.adaptive.Rates())
}

func (s *Server) handleAdaptiveReset(w http.ResponseWriter, r *http.Request) {
	s.adaptive.ResetKey(mux.Vars(r)["key"])
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.emitter.DeadLetters())
}

func (s *Server) handleReplayDeadLetters(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Indices []int `json:"indices"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	replayed := s.emitter.ReplayDeadLetters(req.Indices)
	writeJSON(w, http.StatusOK, map[string]int{"replayed": replayed})
}

func (s *Server) handleClearDeadLetters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": s.emitter.ClearDeadLetters()})
}

func (s *Server) handleDeliveryLog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.emitter.DeliveryLog())
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{Actor: q.Get("actor")}
	if types, ok := q["type"]; ok {
		f.Types = types
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			f.Until = t
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			f.Limit = n
		}
	}
	writeJSON(w, http.StatusOK, s.audit.Query(f))
}

func (s *Server) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.audit.Summarize())
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	n := 100
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil {
			n = parsed
		}
	}
	events := s.meter.Recent(n)
	// The meter stores keys unmasked; the surface masks them.
	for i := range events {
		events[i].APIKey = maskKey(events[i].APIKey)
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.meter.Summarize())
}

func maskKey(key string) string {
	if len(key) <= 11 {
		return key
	}
	return key[:11] + "..."
}
