package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"autopilot/internal/models"
)

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	tenant := requireTenant(w, r)
	if tenant == "" {
		return
	}
	status := r.URL.Query().Get("status")
	if status == "" {
		status = models.DraftPending
	}
	drafts, err := s.store.ListDrafts(r.Context(), tenant, status, queryLimit(r, 50, 500))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if drafts == nil {
		drafts = []models.ActionDraft{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": drafts})
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	tenant := requireTenant(w, r)
	if tenant == "" {
		return
	}
	id := chi.URLParam(r, "id")
	d, err := s.store.GetDraft(r.Context(), tenant, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	execs, err := s.store.ExecutionsForDraft(r.Context(), tenant, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if execs == nil {
		execs = []models.ActionExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"draft": d, "executions": execs})
}

type decisionRequest struct {
	By string `json:"by"`
}

// handleDecideDraft approves or rejects a pending draft. Deciding a draft twice is a conflict.
func (s *Server) handleDecideDraft(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := requireTenant(w, r)
		if tenant == "" {
			return
		}
		var req decisionRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		if req.By == "" {
			req.By = "operator"
		}
		id := chi.URLParam(r, "id")

		ok, err := s.store.DecideDraft(r.Context(), tenant, id, status, req.By)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !ok {
			// distinguish a missing draft from one that already left pending
			if _, err := s.store.GetDraft(r.Context(), tenant, id); err != nil {
				s.writeError(w, r, err)
				return
			}
			http.Error(w, "draft is not pending", http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": status})
	}
}

func (s *Server) handleGetExecutionRules(w http.ResponseWriter, r *http.Request) {
	tenant := requireTenant(w, r)
	if tenant == "" {
		return
	}
	rules, err := s.store.ExecutionRules(r.Context(), tenant)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rules == nil {
		// no rules means nothing is auto-approved
		rules = &models.ExecutionRules{Tenant: tenant, MaxRisk: models.RiskLow, AllowedActionTypes: []string{}}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handlePutExecutionRules(w http.ResponseWriter, r *http.Request) {
	tenant := requireTenant(w, r)
	if tenant == "" {
		return
	}
	var rules models.ExecutionRules
	if !decodeBody(w, r, &rules) {
		return
	}
	rules.Tenant = tenant
	if rules.MinConfidence < 0 || rules.MinConfidence > 1 {
		http.Error(w, "min_confidence must be within [0,1]", http.StatusBadRequest)
		return
	}
	switch rules.MaxRisk {
	case models.RiskLow, models.RiskMedium, models.RiskHigh:
	default:
		http.Error(w, "max_risk must be low, medium or high", http.StatusBadRequest)
		return
	}
	if err := s.store.SaveExecutionRules(r.Context(), rules); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}
