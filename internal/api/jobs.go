package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"autopilot/internal/jobs"
	"autopilot/internal/models"
	"autopilot/internal/store"
)

type enqueueRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if !jobs.Known(req.Type) {
		http.Error(w, "unknown job type", http.StatusBadRequest)
		return
	}

	tenant := ""
	if jobs.TenantScoped(req.Type) {
		if tenant = requireTenant(w, r); tenant == "" {
			return
		}
	}

	job, err := s.enqueuer.EnqueueMap(r.Context(), tenant, req.Type, req.Payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type dlqItem struct {
	JobID string `json:"job_id,omitempty"`
	Type  string `json:"type,omitempty"`
	Raw   string `json:"raw"`
}

// handleDLQ returns the oldest dead-lettered messages and the queue depths.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	raws, err := s.queue.DLQPeek(r.Context(), int64(queryLimit(r, 100, 1000)))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]dlqItem, 0, len(raws))
	for _, raw := range raws {
		item := dlqItem{Raw: string(raw)}
		if env, err := jobs.ParseEnvelope(raw); err == nil {
			item.JobID, item.Type = env.JobID, env.Type
		}
		items = append(items, item)
	}
	depth, err := s.queue.DLQDepth(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "depth": depth})
}

// handleDLQRequeue enqueues a fresh job for each of the oldest dead-lettered messages
// and then removes the message. The failed job row keeps its attempts and error.
// Messages that cannot be decoded or whose job row is gone stay on the list.
func (s *Server) handleDLQRequeue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raws, err := s.queue.DLQPeek(ctx, int64(queryLimit(r, 100, 1000)))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	replaced := make(map[string]string, len(raws))
	skipped := 0
	for _, raw := range raws {
		env, err := jobs.ParseEnvelope(raw)
		if err != nil {
			skipped++
			continue
		}
		p, err := jobs.Decode(env.Type, env.Payload)
		if err != nil {
			skipped++
			continue
		}
		old, err := s.store.GetJob(ctx, env.JobID)
		if errors.Is(err, store.ErrNotFound) {
			skipped++
			continue
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		job, err := s.enqueuer.Enqueue(ctx, old.TenantID(), p)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if _, err := s.queue.DLQRemove(ctx, raw); err != nil {
			s.writeError(w, r, err)
			return
		}
		replaced[old.ID] = job.ID
		s.logger.Info("dead letter requeued",
			slog.String("job_id", old.ID),
			slog.String("new_job_id", job.ID),
			slog.String("job_type", env.Type),
		)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requeued": len(replaced),
		"skipped":  skipped,
		"jobs":     replaced,
	})
}

type tenantRequest struct {
	Name   string `json:"name"`
	Active *bool  `json:"active"`
}

// handlePutTenant creates or updates a tenant. Tenants are active unless told otherwise.
func (s *Server) handlePutTenant(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t := models.Tenant{ID: chi.URLParam(r, "id"), Name: req.Name, Active: true}
	if req.Active != nil {
		t.Active = *req.Active
	}
	if t.Name == "" {
		t.Name = t.ID
	}
	if err := s.store.UpsertTenant(r.Context(), t); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
