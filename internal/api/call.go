package api

import (
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/paygate/gateway/internal/gate"
	"github.com/paygate/gateway/internal/transform"
	"github.com/paygate/gateway/internal/upstream"
)

// callRequest is one inbound tool invocation.
type callRequest struct {
	Tool        string                 `json:"tool"`
	Args        map[string]interface{} `json:"args"`
	Environment string                 `json:"environment,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// callResponse combines the gate's decision with the upstream result.
type callResponse struct {
	*gate.Decision
	Response  interface{} `json:"response,omitempty"`
	FromCache bool        `json:"from_cache,omitempty"`
	Attempts  int         `json:"attempts,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, codeMissingParam, "tool is required")
		return
	}

	cred := credential(r)
	ctx := gate.Context{
		ClientIP:    clientIP(r),
		Environment: req.Environment,
		Extra:       req.Extra,
	}

	d := s.gate.Evaluate(cred, gate.Call{Tool: req.Tool, Args: req.Args}, ctx)
	if !d.Allowed {
		writeJSON(w, statusForReason(d.Reason), callResponse{Decision: d})
		return
	}

	args := s.pipeline.Apply(req.Tool, transform.DirectionRequest, req.Args, req.Extra)

	res, err := s.forwarder.Forward(r.Context(), req.Tool, args)
	if err != nil {
		s.gate.Settle(d, false, 0)
		status := http.StatusBadGateway
		if errors.Is(err, upstream.ErrCircuitOpen) {
			status = http.StatusServiceUnavailable
		} else if strings.HasPrefix(err.Error(), "tool_timeout") {
			status = http.StatusGatewayTimeout
		}
		writeJSON(w, status, callResponse{Decision: d, Error: err.Error()})
		return
	}

	// Cache hits normally charge like any other call; the refund path only
	// runs when the operator turns charge-on-hit off.
	if res.FromCache && !s.cfg.Cache.ChargeOnHit && d.CreditsCharged > 0 {
		s.keys.Refund(d.Key, d.CreditsCharged)
		d.CreditsCharged = 0
	}

	response := res.Response
	if m, ok := response.(map[string]interface{}); ok {
		response = s.pipeline.Apply(req.Tool, transform.DirectionResponse, m, req.Extra)
	}

	s.gate.Settle(d, true, res.ResponseBytes)

	if res.FromCache {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	if d.OutputSurcharge > 0 {
		w.Header().Set("X-Output-Surcharge", strconv.FormatInt(d.OutputSurcharge, 10))
	}
	writeJSON(w, http.StatusOK, callResponse{
		Decision:  d,
		Response:  response,
		FromCache: res.FromCache,
		Attempts:  res.Attempts,
	})
}

func (s *Server) handleCallBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Calls       []callRequest          `json:"calls"`
		Environment string                 `json:"environment,omitempty"`
		Extra       map[string]interface{} `json:"extra,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Calls) == 0 {
		writeError(w, http.StatusBadRequest, codeMissingParam, "calls must be non-empty")
		return
	}

	calls := make([]gate.Call, len(req.Calls))
	for i, c := range req.Calls {
		if c.Tool == "" {
			writeError(w, http.StatusBadRequest, codeMissingParam, "every call needs a tool")
			return
		}
		calls[i] = gate.Call{Tool: c.Tool, Args: c.Args}
	}

	ctx := gate.Context{
		ClientIP:    clientIP(r),
		Environment: req.Environment,
		Extra:       req.Extra,
	}
	br := s.gate.EvaluateBatch(credential(r), calls, ctx)
	if !br.AllAllowed {
		writeJSON(w, statusForReason(br.Reason), br)
		return
	}

	type batchItem struct {
		*gate.Decision
		Response interface{} `json:"response,omitempty"`
		Error    string      `json:"error,omitempty"`
	}
	results := make([]batchItem, len(calls))
	for i, d := range br.Decisions {
		args := s.pipeline.Apply(calls[i].Tool, transform.DirectionRequest, calls[i].Args, req.Extra)
		res, err := s.forwarder.Forward(r.Context(), calls[i].Tool, args)
		if err != nil {
			s.gate.Settle(d, false, 0)
			results[i] = batchItem{Decision: d, Error: err.Error()}
			continue
		}
		response := res.Response
		if m, ok := response.(map[string]interface{}); ok {
			response = s.pipeline.Apply(calls[i].Tool, transform.DirectionResponse, m, req.Extra)
		}
		s.gate.Settle(d, true, res.ResponseBytes)
		results[i] = batchItem{Decision: d, Response: response}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"all_allowed":   true,
		"total_credits": br.TotalCredits,
		"results":       results,
	})
}

// handleToolsList advertises the tool catalog, shrunk to what the presented
// credential may actually call.
func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request) {
	seen := map[string]bool{}
	var tools []string
	for name := range s.cfg.Pricing.Tools {
		if !seen[name] {
			seen[name] = true
			tools = append(tools, name)
		}
	}
	for _, ts := range s.schemas.Snapshot() {
		if !seen[ts.Tool] {
			seen[ts.Tool] = true
			tools = append(tools, ts.Tool)
		}
	}
	sort.Strings(tools)

	if filtered := s.gate.FilterToolsForKey(credential(r), tools); filtered != nil {
		tools = filtered
	}
	if tools == nil {
		tools = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"tools": tools})
}

// credential reads the caller's API key or scoped token.
func credential(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// clientIP prefers the first X-Forwarded-For hop over the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusForReason maps stable deny reasons onto HTTP statuses.
func statusForReason(reason string) int {
	switch reason {
	case gate.ReasonMissingAPIKey, gate.ReasonUnknownAPIKey,
		gate.ReasonInvalidScopedToken, "token_revoked", "token_expired":
		return http.StatusUnauthorized
	case "insufficient_credits", gate.ReasonSpendingLimit, "team_budget_exceeded":
		return http.StatusPaymentRequired
	case gate.ReasonSchemaFailed:
		return http.StatusBadRequest
	case gate.ReasonRateLimited, gate.ReasonConcurrencyLimit,
		"daily_call_limit", "monthly_call_limit", "daily_credit_limit", "monthly_credit_limit",
		"team_daily_call_limit", "team_daily_credit_limit":
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}
