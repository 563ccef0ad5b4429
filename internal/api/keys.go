package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/paygate/gateway/internal/keystore"
	"github.com/paygate/gateway/internal/scopedtoken"
	"github.com/paygate/gateway/internal/webhooks"
)

func keyStatus(err error) (int, string) {
	switch {
	case errors.Is(err, keystore.ErrKeyNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, keystore.ErrInsufficientCredits),
		errors.Is(err, keystore.ErrSpendingLimitExceeded):
		return http.StatusConflict, codeConflict
	default:
		return http.StatusBadRequest, codeInvalidParam
	}
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string            `json:"name"`
		Credits       int64             `json:"credits"`
		SpendingLimit int64             `json:"spending_limit"`
		AllowedTools  []string          `json:"allowed_tools"`
		DeniedTools   []string          `json:"denied_tools"`
		Quota         *keystore.Quota   `json:"quota"`
		IPAllowlist   []string          `json:"ip_allowlist"`
		Tags          map[string]string `json:"tags"`
		Namespace     string            `json:"namespace"`
		TTLHours      int               `json:"ttl_hours"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, codeMissingParam, "name is required")
		return
	}

	var expires *time.Time
	if req.TTLHours > 0 {
		e := time.Now().Add(time.Duration(req.TTLHours) * time.Hour)
		expires = &e
	}
	rec := s.keys.CreateKey(keystore.CreateParams{
		Name:          req.Name,
		Credits:       req.Credits,
		SpendingLimit: req.SpendingLimit,
		AllowedTools:  req.AllowedTools,
		DeniedTools:   req.DeniedTools,
		Quota:         req.Quota,
		IPAllowlist:   req.IPAllowlist,
		Tags:          req.Tags,
		Namespace:     req.Namespace,
		ExpiresAt:     expires,
	})

	s.audit.Record("key.created", s.actor(r), "created key "+rec.Name, map[string]interface{}{"credits": rec.Credits})
	s.emitter.EnqueueAdmin(webhooks.AdminEvent{Type: webhooks.EventKeyCreated, Actor: s.actor(r), Metadata: map[string]interface{}{"name": rec.Name}})
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.keys.List())
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	rec, err := s.keys.Get(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	rec, err := s.keys.Get(key)
	if err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, "key not found")
		return
	}
	if !rec.Active {
		writeError(w, http.StatusConflict, codeConflict, "key already revoked")
		return
	}
	s.keys.Revoke(key)

	s.audit.Record("key.revoked", s.actor(r), "revoked key "+rec.Name, nil)
	s.emitter.EnqueueAdmin(webhooks.AdminEvent{Type: webhooks.EventKeyRevoked, Actor: s.actor(r), Metadata: map[string]interface{}{"name": rec.Name}})
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Credits int64 `json:"credits"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Credits <= 0 {
		writeError(w, http.StatusBadRequest, codeInvalidParam, "credits must be positive")
		return
	}

	key := mux.Vars(r)["key"]
	balance, err := s.keys.TopUp(key, req.Credits)
	if err != nil {
		status, code := keyStatus(err)
		writeError(w, status, code, err.Error())
		return
	}

	s.audit.Record("key.topup", s.actor(r), "topped up key", map[string]interface{}{"credits": req.Credits})
	s.emitter.EnqueueAdmin(webhooks.AdminEvent{Type: webhooks.EventKeyTopup, Actor: s.actor(r), Metadata: map[string]interface{}{"credits": req.Credits}})
	writeJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := s.keys.Suspend(key); err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, "key not found")
		return
	}
	s.audit.Record("key.suspended", s.actor(r), "suspended key", nil)
	s.emitter.EnqueueAdmin(webhooks.AdminEvent{Type: webhooks.EventKeySuspended, Actor: s.actor(r)})
	writeJSON(w, http.StatusOK, map[string]string{"status": "suspended"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := s.keys.Resume(key); err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, "key not found")
		return
	}
	s.audit.Record("key.resumed", s.actor(r), "resumed key", nil)
	s.emitter.EnqueueAdmin(webhooks.AdminEvent{Type: webhooks.EventKeyResumed, Actor: s.actor(r)})
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleSetACL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AllowedTools []string `json:"allowed_tools"`
		DeniedTools  []string `json:"denied_tools"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.keys.SetACL(mux.Vars(r)["key"], req.AllowedTools, req.DeniedTools); err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	var req keystore.Quota
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.keys.SetQuota(mux.Vars(r)["key"], &req); err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSetAutoTopup(w http.ResponseWriter, r *http.Request) {
	var req keystore.AutoTopup
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, codeInvalidParam, "amount must be positive")
		return
	}
	if err := s.keys.SetAutoTopup(mux.Vars(r)["key"], &req); err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, "key not found")
		return
	}
	s.emitter.EnqueueAdmin(webhooks.AdminEvent{Type: webhooks.EventKeyAutoTopupConfig, Actor: s.actor(r)})
	writeJSON(w, http.StatusOK, map[string]string{"status": "configured"})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From    string `json:"from"`
		To      string `json:"to"`
		Credits int64  `json:"credits"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.From == "" || req.To == "" {
		writeError(w, http.StatusBadRequest, codeMissingParam, "from and to are required")
		return
	}
	if req.Credits <= 0 {
		writeError(w, http.StatusBadRequest, codeInvalidParam, "credits must be positive")
		return
	}
	if err := s.keys.Transfer(req.From, req.To, req.Credits); err != nil {
		status, code := keyStatus(err)
		writeError(w, status, code, err.Error())
		return
	}

	s.audit.Record("key.credits_transferred", s.actor(r), "transferred credits between keys", map[string]interface{}{"credits": req.Credits})
	s.emitter.EnqueueAdmin(webhooks.AdminEvent{Type: webhooks.EventKeyCreditsTransfer, Actor: s.actor(r), Metadata: map[string]interface{}{"credits": req.Credits}})
	writeJSON(w, http.StatusOK, map[string]string{"status": "transferred"})
}

func (s *Server) handleKeyUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.meter.ForKey(mux.Vars(r)["key"], 100))
}

func (s *Server) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	var t keystore.KeyTemplate
	if !decodeBody(w, r, &t) {
		return
	}
	if err := s.templates.Save(&t); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParam, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.templates.List())
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.templates.Delete(mux.Vars(r)["name"]); err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleCreateFromTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, codeMissingParam, "name is required")
		return
	}

	t, ok := s.templates.Get(mux.Vars(r)["name"])
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "template not found")
		return
	}
	rec := s.keys.CreateFromTemplate(t, req.Name)
	if t.Plan != "" {
		if err := s.plans.Assign(rec.Key, t.Plan); err != nil {
			s.logger.Printf("Template plan %q missing, key created without plan", t.Plan)
		}
	}

	s.audit.Record("key.created", s.actor(r), "created key from template "+t.Name, nil)
	s.emitter.EnqueueAdmin(webhooks.AdminEvent{Type: webhooks.EventKeyCreated, Actor: s.actor(r), Metadata: map[string]interface{}{"template": t.Name}})
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey       string   `json:"api_key"`
		TTLMinutes   int      `json:"ttl_minutes"`
		AllowedTools []string `json:"allowed_tools"`
		Label        string   `json:"label"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.APIKey == "" {
		writeError(w, http.StatusBadRequest, codeMissingParam, "api_key is required")
		return
	}
	if !s.keys.Exists(req.APIKey) {
		writeError(w, http.StatusNotFound, codeNotFound, "api key not found")
		return
	}

	token, payload, err := s.tokens.Create(scopedtoken.CreateOptions{
		APIKey:       req.APIKey,
		TTL:          time.Duration(req.TTLMinutes) * time.Minute,
		AllowedTools: req.AllowedTools,
		Label:        req.Label,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParam, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token":      token,
		"expires_at": payload.ExpiresAt,
	})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token  string `json:"token"`
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, codeMissingParam, "token is required")
		return
	}

	if err := s.tokens.Revoke(req.Token, req.Reason); err != nil {
		if errors.Is(err, scopedtoken.ErrTokenRevoked) {
			writeError(w, http.StatusConflict, codeConflict, "token already revoked")
			return
		}
		writeError(w, http.StatusBadRequest, codeInvalidParam, err.Error())
		return
	}

	s.audit.Record("token.revoked", s.actor(r), "revoked scoped token", map[string]interface{}{"reason": req.Reason})
	s.emitter.EnqueueAdmin(webhooks.AdminEvent{Type: webhooks.EventTokenRevoked, Actor: s.actor(r)})
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleListRevocations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tokens.Revocations())
}
