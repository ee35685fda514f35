package api

import (
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"autopilot/internal/models"
)

type recommendationRequest struct {
	DedupeKey  string         `json:"dedupe_key"`
	Source     string         `json:"source"`
	Priority   string         `json:"priority"`
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	Data       map[string]any `json:"data"`
	Confidence float64        `json:"confidence"`
	Effort     string         `json:"effort"`
	Strategic  bool           `json:"strategic"`
}

func (req recommendationRequest) validate() string {
	switch {
	case req.Title == "":
		return "title is required"
	case req.Source == "":
		return "source is required"
	case req.Confidence < 0 || req.Confidence > 1 || math.IsNaN(req.Confidence):
		return "confidence must be within [0,1]"
	}
	switch req.Priority {
	case "", models.PriorityHigh, models.PriorityMedium, models.PriorityLow:
	default:
		return "priority must be high, medium or low"
	}
	switch req.Effort {
	case "", models.EffortHigh, models.EffortMedium, models.EffortLow:
	default:
		return "effort must be high, medium or low"
	}
	return ""
}

// handleCreateRecommendation stores a recommendation from an analysis run and announces it.
// Resubmitting the same dedupe key returns the stored row and re-announces it harmlessly.
func (s *Server) handleCreateRecommendation(w http.ResponseWriter, r *http.Request) {
	tenant := requireTenant(w, r)
	if tenant == "" {
		return
	}
	var req recommendationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	if req.Priority == "" {
		req.Priority = models.PriorityMedium
	}

	rec, created, err := s.store.InsertRecommendation(r.Context(), models.Recommendation{
		Tenant:     tenant,
		Source:     req.Source,
		Priority:   req.Priority,
		Title:      req.Title,
		Body:       req.Body,
		Data:       req.Data,
		Confidence: req.Confidence,
		Effort:     req.Effort,
		Strategic:  req.Strategic,
	}, req.DedupeKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if _, err := s.emitter.Emit(r.Context(), models.Event{
		Tenant:    tenant,
		Type:      models.EventRecommendationCreated,
		DedupeKey: rec.ID,
		Source:    "api",
		Payload: map[string]any{
			"recommendation_id": rec.ID,
			"source":            rec.Source,
			"priority":          rec.Priority,
		},
	}); err != nil {
		s.writeError(w, r, err)
		return
	}

	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, rec)
}

func (s *Server) handleListRecommendations(w http.ResponseWriter, r *http.Request) {
	tenant := requireTenant(w, r)
	if tenant == "" {
		return
	}
	recs, err := s.store.RankedRecommendations(r.Context(), tenant, queryLimit(r, 50, 500))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []models.Recommendation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recs})
}

func (s *Server) handleGetRecommendation(w http.ResponseWriter, r *http.Request) {
	tenant := requireTenant(w, r)
	if tenant == "" {
		return
	}
	rec, err := s.store.GetRecommendation(r.Context(), tenant, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type snapshotRequest struct {
	Metric     string     `json:"metric"`
	Value      float64    `json:"value"`
	CapturedAt *time.Time `json:"captured_at"`
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	tenant := requireTenant(w, r)
	if tenant == "" {
		return
	}
	var req snapshotRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Metric == "" {
		http.Error(w, "metric is required", http.StatusBadRequest)
		return
	}
	snap := models.MetricSnapshot{Tenant: tenant, Metric: req.Metric, Value: req.Value, CapturedAt: time.Now().UTC()}
	if req.CapturedAt != nil {
		snap.CapturedAt = req.CapturedAt.UTC()
	}
	if err := s.store.InsertSnapshot(r.Context(), snap); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

type eventRequest struct {
	Type      string         `json:"type"`
	DedupeKey string         `json:"dedupe_key"`
	Payload   map[string]any `json:"payload"`
}

// handleEmitEvent lets operators and external systems publish a domain event.
func (s *Server) handleEmitEvent(w http.ResponseWriter, r *http.Request) {
	tenant := requireTenant(w, r)
	if tenant == "" {
		return
	}
	var req eventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Type == "" || req.DedupeKey == "" {
		http.Error(w, "type and dedupe_key are required", http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	inserted, err := s.emitter.Emit(r.Context(), models.Event{
		Tenant:    tenant,
		Type:      req.Type,
		DedupeKey: req.DedupeKey,
		Source:    "api",
		Payload:   req.Payload,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !inserted {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
