// Package api is the HTTP adapter over the core: the tool-call gateway
// endpoint plus the admin mutation surface. Handlers are thin; every
// decision lives in the registries and the gate.
package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paygate/gateway/internal/adminkeys"
	"github.com/paygate/gateway/internal/audit"
	"github.com/paygate/gateway/internal/breaker"
	"github.com/paygate/gateway/internal/cache"
	"github.com/paygate/gateway/internal/canary"
	"github.com/paygate/gateway/internal/config"
	"github.com/paygate/gateway/internal/gate"
	"github.com/paygate/gateway/internal/keystore"
	"github.com/paygate/gateway/internal/meter"
	"github.com/paygate/gateway/internal/permissions"
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

// Stable admin error codes.
const (
	codeMissingParam  = "missing_param"
	codeInvalidParam  = "invalid_param"
	codeNotFound      = "not_found"
	codeAlreadyExists = "already_exists"
	codeForbidden     = "forbidden"
	codeConflict      = "conflict"
)

// Server holds every core component the HTTP surface adapts.
type Server struct {
	cfg       *config.Config
	keys      *keystore.Store
	templates *keystore.TemplateRegistry
	admins    *adminkeys.Registry
	tokens    *scopedtoken.Minter
	limiter   *ratelimit.Limiter
	adaptive  *ratelimit.Adaptive
	plans     *plans.Registry
	perms     *permissions.Engine
	teams     *teams.Registry
	schemas   *schema.Validator
	pipeline  *transform.Pipeline
	gate      *gate.Gate
	forwarder *upstream.Forwarder
	cache     *cache.Cache
	breaker   *breaker.Breaker
	canary    *canary.Router
	retry     *retry.Policy
	emitter   *webhooks.Emitter
	audit     *audit.Log
	meter     *meter.Meter

	logger *log.Logger
}

// Deps bundles the components for NewServer.
type Deps struct {
	Config    *config.Config
	Keys      *keystore.Store
	Templates *keystore.TemplateRegistry
	Admins    *adminkeys.Registry
	Tokens    *scopedtoken.Minter
	Limiter   *ratelimit.Limiter
	Adaptive  *ratelimit.Adaptive
	Plans     *plans.Registry
	Perms     *permissions.Engine
	Teams     *teams.Registry
	Schemas   *schema.Validator
	Pipeline  *transform.Pipeline
	Gate      *gate.Gate
	Forwarder *upstream.Forwarder
	Cache     *cache.Cache
	Breaker   *breaker.Breaker
	Canary    *canary.Router
	Retry     *retry.Policy
	Emitter   *webhooks.Emitter
	Audit     *audit.Log
	Meter     *meter.Meter
}

// NewServer wires the HTTP surface.
func NewServer(d Deps) *Server {
	return &Server{
		cfg:       d.Config,
		keys:      d.Keys,
		templates: d.Templates,
		admins:    d.Admins,
		tokens:    d.Tokens,
		limiter:   d.Limiter,
		adaptive:  d.Adaptive,
		plans:     d.Plans,
		perms:     d.Perms,
		teams:     d.Teams,
		schemas:   d.Schemas,
		pipeline:  d.Pipeline,
		gate:      d.Gate,
		forwarder: d.Forwarder,
		cache:     d.Cache,
		breaker:   d.Breaker,
		canary:    d.Canary,
		retry:     d.Retry,
		emitter:   d.Emitter,
		audit:     d.Audit,
		meter:     d.Meter,
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// Gateway surface.
	r.HandleFunc("/call", s.handleCall).Methods("POST")
	r.HandleFunc("/call/batch", s.handleCallBatch).Methods("POST")
	r.HandleFunc("/tools", s.handleToolsList).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	// Admin surface. Viewer role reads; admin mutates; super_admin manages
	// admin credentials.
	admin := r.PathPrefix("/admin").Subrouter()

	admin.HandleFunc("/keys", s.requireRole(adminkeys.RoleAdmin, s.handleCreateKey)).Methods("POST")
	admin.HandleFunc("/keys", s.requireRole(adminkeys.RoleViewer, s.handleListKeys)).Methods("GET")
	admin.HandleFunc("/keys/{key}", s.requireRole(adminkeys.RoleViewer, s.handleGetKey)).Methods("GET")
	admin.HandleFunc("/keys/{key}", s.requireRole(adminkeys.RoleAdmin, s.handleRevokeKey)).Methods("DELETE")
	admin.HandleFunc("/keys/{key}/topup", s.requireRole(adminkeys.RoleAdmin, s.handleTopUp)).Methods("POST")
	admin.HandleFunc("/keys/{key}/suspend", s.requireRole(adminkeys.RoleAdmin, s.handleSuspend)).Methods("POST")
	admin.HandleFunc("/keys/{key}/resume", s.requireRole(adminkeys.RoleAdmin, s.handleResume)).Methods("POST")
	admin.HandleFunc("/keys/{key}/acl", s.requireRole(adminkeys.RoleAdmin, s.handleSetACL)).Methods("PUT")
	admin.HandleFunc("/keys/{key}/quota", s.requireRole(adminkeys.RoleAdmin, s.handleSetQuota)).Methods("PUT")
	admin.HandleFunc("/keys/{key}/auto-topup", s.requireRole(adminkeys.RoleAdmin, s.handleSetAutoTopup)).Methods("PUT")
	admin.HandleFunc("/keys/transfer", s.requireRole(adminkeys.RoleAdmin, s.handleTransfer)).Methods("POST")
	admin.HandleFunc("/keys/{key}/usage", s.requireRole(adminkeys.RoleViewer, s.handleKeyUsage)).Methods("GET")

	admin.HandleFunc("/templates", s.requireRole(adminkeys.RoleAdmin, s.handleSaveTemplate)).Methods("POST")
	admin.HandleFunc("/templates", s.requireRole(adminkeys.RoleViewer, s.handleListTemplates)).Methods("GET")
	admin.HandleFunc("/templates/{name}", s.requireRole(adminkeys.RoleAdmin, s.handleDeleteTemplate)).Methods("DELETE")
	admin.HandleFunc("/templates/{name}/keys", s.requireRole(adminkeys.RoleAdmin, s.handleCreateFromTemplate)).Methods("POST")

	admin.HandleFunc("/tokens", s.requireRole(adminkeys.RoleAdmin, s.handleCreateToken)).Methods("POST")
	admin.HandleFunc("/tokens/revoke", s.requireRole(adminkeys.RoleAdmin, s.handleRevokeToken)).Methods("POST")
	admin.HandleFunc("/tokens/revocations", s.requireRole(adminkeys.RoleViewer, s.handleListRevocations)).Methods("GET")

	admin.HandleFunc("/plans", s.requireRole(adminkeys.RoleAdmin, s.handleCreatePlan)).Methods("POST")
	admin.HandleFunc("/plans", s.requireRole(adminkeys.RoleViewer, s.handleListPlans)).Methods("GET")
	admin.HandleFunc("/plans/{name}", s.requireRole(adminkeys.RoleAdmin, s.handleUpdatePlan)).Methods("PUT")
	admin.HandleFunc("/plans/{name}", s.requireRole(adminkeys.RoleAdmin, s.handleDeletePlan)).Methods("DELETE")
	admin.HandleFunc("/plans/{name}/assign", s.requireRole(adminkeys.RoleAdmin, s.handleAssignPlan)).Methods("POST")

	admin.HandleFunc("/rules", s.requireRole(adminkeys.RoleAdmin, s.handleAddRule)).Methods("POST")
	admin.HandleFunc("/rules", s.requireRole(adminkeys.RoleViewer, s.handleListRules)).Methods("GET")
	admin.HandleFunc("/rules/{id}", s.requireRole(adminkeys.RoleAdmin, s.handleRemoveRule)).Methods("DELETE")
	admin.HandleFunc("/rules/assign", s.requireRole(adminkeys.RoleAdmin, s.handleAssignRules)).Methods("POST")

	admin.HandleFunc("/teams", s.requireRole(adminkeys.RoleAdmin, s.handleCreateTeam)).Methods("POST")
	admin.HandleFunc("/teams", s.requireRole(adminkeys.RoleViewer, s.handleListTeams)).Methods("GET")
	admin.HandleFunc("/teams/{id}", s.requireRole(adminkeys.RoleAdmin, s.handleUpdateTeam)).Methods("PUT")
	admin.HandleFunc("/teams/{id}", s.requireRole(adminkeys.RoleAdmin, s.handleDeleteTeam)).Methods("DELETE")
	admin.HandleFunc("/teams/{id}/members", s.requireRole(adminkeys.RoleAdmin, s.handleAssignMember)).Methods("POST")
	admin.HandleFunc("/teams/{id}/members/{key}", s.requireRole(adminkeys.RoleAdmin, s.handleUnassignMember)).Methods("DELETE")

	admin.HandleFunc("/schemas/{tool}", s.requireRole(adminkeys.RoleAdmin, s.handleSetSchema)).Methods("PUT")
	admin.HandleFunc("/schemas/{tool}", s.requireRole(adminkeys.RoleAdmin, s.handleDeleteSchema)).Methods("DELETE")
	admin.HandleFunc("/schemas", s.requireRole(adminkeys.RoleViewer, s.handleListSchemas)).Methods("GET")

	admin.HandleFunc("/transforms", s.requireRole(adminkeys.RoleAdmin, s.handleAddTransform)).Methods("POST")
	admin.HandleFunc("/transforms", s.requireRole(adminkeys.RoleViewer, s.handleListTransforms)).Methods("GET")
	admin.HandleFunc("/transforms/{id}", s.requireRole(adminkeys.RoleAdmin, s.handleRemoveTransform)).Methods("DELETE")

	admin.HandleFunc("/admin-keys", s.requireRole(adminkeys.RoleSuperAdmin, s.handleCreateAdminKey)).Methods("POST")
	admin.HandleFunc("/admin-keys", s.requireRole(adminkeys.RoleSuperAdmin, s.handleListAdminKeys)).Methods("GET")
	admin.HandleFunc("/admin-keys/revoke", s.requireRole(adminkeys.RoleSuperAdmin, s.handleRevokeAdminKey)).Methods("POST")
	admin.HandleFunc("/admin-keys/rotate", s.requireRole(adminkeys.RoleSuperAdmin, s.handleRotateBootstrap)).Methods("POST")

	admin.HandleFunc("/cache/stats", s.requireRole(adminkeys.RoleViewer, s.handleCacheStats)).Methods("GET")
	admin.HandleFunc("/cache/clear", s.requireRole(adminkeys.RoleAdmin, s.handleCacheClear)).Methods("POST")
	admin.HandleFunc("/breaker", s.requireRole(adminkeys.RoleViewer, s.handleBreakerStats)).Methods("GET")
	admin.HandleFunc("/breaker/reset", s.requireRole(adminkeys.RoleAdmin, s.handleBreakerReset)).Methods("POST")
	admin.HandleFunc("/canary", s.requireRole(adminkeys.RoleViewer, s.handleCanaryStats)).Methods("GET")
	admin.HandleFunc("/canary/weight", s.requireRole(adminkeys.RoleAdmin, s.handleCanaryWeight)).Methods("PUT")
	admin.HandleFunc("/retry", s.requireRole(adminkeys.RoleViewer, s.handleRetryStats)).Methods("GET")
	admin.HandleFunc("/retry/config", s.requireRole(adminkeys.RoleAdmin, s.handleRetryConfig)).Methods("PUT")
	admin.HandleFunc("/shadow-mode", s.requireRole(adminkeys.RoleAdmin, s.handleShadowMode)).Methods("PUT")
	admin.HandleFunc("/adaptive", s.requireRole(adminkeys.RoleViewer, s.handleAdaptiveRates)).Methods("GET")
	admin.HandleFunc("/adaptive/{key}/reset", s.requireRole(adminkeys.RoleAdmin, s.handleAdaptiveReset)).Methods("POST")

	admin.HandleFunc("/dead-letters", s.requireRole(adminkeys.RoleViewer, s.handleDeadLetters)).Methods("GET")
	admin.HandleFunc("/dead-letters/replay", s.requireRole(adminkeys.RoleAdmin, s.handleReplayDeadLetters)).Methods("POST")
	admin.HandleFunc("/dead-letters", s.requireRole(adminkeys.RoleAdmin, s.handleClearDeadLetters)).Methods("DELETE")
	admin.HandleFunc("/deliveries", s.requireRole(adminkeys.RoleViewer, s.handleDeliveryLog)).Methods("GET")

	admin.HandleFunc("/audit", s.requireRole(adminkeys.RoleViewer, s.handleAuditQuery)).Methods("GET")
	admin.HandleFunc("/audit/summary", s.requireRole(adminkeys.RoleViewer, s.handleAuditSummary)).Methods("GET")
	admin.HandleFunc("/usage", s.requireRole(adminkeys.RoleViewer, s.handleUsage)).Methods("GET")
	admin.HandleFunc("/usage/summary", s.requireRole(adminkeys.RoleViewer, s.handleUsageSummary)).Methods("GET")

	return r
}

// requireRole wraps an admin handler with X-Admin-Key authentication.
func (s *Server) requireRole(min adminkeys.Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("X-Admin-Key")
		if presented == "" {
			writeError(w, http.StatusUnauthorized, codeMissingParam, "X-Admin-Key header is required")
			return
		}
		rec := s.admins.Validate(presented)
		if rec == nil || !rec.Role.Allows(min) {
			writeError(w, http.StatusForbidden, codeForbidden, "insufficient privileges")
			return
		}
		next(w, r)
	}
}

// actor resolves the admin name for audit entries.
func (s *Server) actor(r *http.Request) string {
	if rec := s.admins.Validate(r.Header.Get("X-Admin-Key")); rec != nil {
		return rec.Name
	}
	return "unknown"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParam, "invalid JSON body")
		return false
	}
	return true
}
