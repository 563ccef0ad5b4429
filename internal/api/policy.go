package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/paygate/gateway/internal/permissions"
	"github.com/paygate/gateway/internal/plans"
	"github.com/paygate/gateway/internal/schema"
	"github.com/paygate/gateway/internal/teams"
	"github.com/paygate/gateway/internal/transform"
)

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var p plans.Plan
	if !decodeBody(w, r, &p) {
		return
	}
	created, err := s.plans.Create(&p)
	if err != nil {
		if errors.Is(err, plans.ErrPlanExists) {
			writeError(w, http.StatusConflict, codeAlreadyExists, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, codeInvalidParam, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.plans.List())
}

func (s *Server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	var p plans.Plan
	if !decodeBody(w, r, &p) {
		return
	}
	p.Name = mux.Vars(r)["name"]
	if err := s.plans.Update(&p); err != nil {
		if errors.Is(err, plans.ErrPlanNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, codeInvalidParam, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	err := s.plans.Delete(mux.Vars(r)["name"])
	switch {
	case errors.Is(err, plans.ErrPlanNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, plans.ErrPlanInUse):
		writeError(w, http.StatusConflict, codeConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, codeInvalidParam, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func (s *Server) handleAssignPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key      string `json:"key"`
		Unassign bool   `json:"unassign"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, codeMissingParam, "key is required")
		return
	}

	plan := mux.Vars(r)["name"]
	if req.Unassign {
		plan = ""
	}
	if err := s.plans.Assign(req.Key, plan); err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "assigned"})
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule permissions.Rule
	if !decodeBody(w, r, &rule) {
		return
	}
	created, err := s.perms.AddRule(&rule)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParam, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.perms.Rules())
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	if err := s.perms.RemoveRule(mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAssignRules(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key     string   `json:"key"`
		RuleIDs []string `json:"rule_ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, codeMissingParam, "key is required")
		return
	}
	if err := s.perms.Assign(req.Key, req.RuleIDs); err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "assigned"})
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Budget      int64  `json:"budget"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, codeMissingParam, "name is required")
		return
	}
	writeJSON(w, http.StatusCreated, s.teams.Create(req.Name, req.Description, req.Budget))
}

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.teams.List())
}

func (s *Server) handleUpdateTeam(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name              *string            `json:"name"`
		Description       *string            `json:"description"`
		Budget            *int64             `json:"budget"`
		QuotaDailyCalls   *int64             `json:"quota_daily_calls"`
		QuotaDailyCredits *int64             `json:"quota_daily_credits"`
		Tags              map[string]*string `json:"tags"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.teams.Update(mux.Vars(r)["id"], teams.UpdateParams{
		Name:              req.Name,
		Description:       req.Description,
		Budget:            req.Budget,
		QuotaDailyCalls:   req.QuotaDailyCalls,
		QuotaDailyCredits: req.QuotaDailyCredits,
		Tags:              req.Tags,
	})
	if err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDeleteTeam(w http.ResponseWriter, r *http.Request) {
	if err := s.teams.Delete(mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAssignMember(w http.ResponseWriter, r *http.Request) {
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

	err := s.teams.AssignKey(mux.Vars(r)["id"], req.Key)
	switch {
	case errors.Is(err, teams.ErrTeamNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, teams.ErrKeyAlreadyInTeam), errors.Is(err, teams.ErrTeamFull), errors.Is(err, teams.ErrTeamInactive):
		writeError(w, http.StatusConflict, codeConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, codeInvalidParam, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "assigned"})
	}
}

func (s *Server) handleUnassignMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.teams.UnassignKey(vars["id"], vars["key"]); err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unassigned"})
}

func (s *Server) handleSetSchema(w http.ResponseWriter, r *http.Request) {
	var sc schema.Schema
	if !decodeBody(w, r, &sc) {
		return
	}
	if err := s.schemas.Register(mux.Vars(r)["tool"], &sc); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParam, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (s *Server) handleDeleteSchema(w http.ResponseWriter, r *http.Request) {
	if !s.schemas.Unregister(mux.Vars(r)["tool"]) {
		writeError(w, http.StatusNotFound, codeNotFound, "schema not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schemas": s.schemas.Snapshot(),
		"stats":   s.schemas.Stats(),
	})
}

func (s *Server) handleAddTransform(w http.ResponseWriter, r *http.Request) {
	var rule transform.Rule
	if !decodeBody(w, r, &rule) {
		return
	}
	created, err := s.pipeline.AddRule(&rule)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidParam, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListTransforms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Rules())
}

func (s *Server) handleRemoveTransform(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.RemoveRule(mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
