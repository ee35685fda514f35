package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"autopilot/internal/events"
	"autopilot/internal/jobs"
	"autopilot/internal/models"
	"autopilot/internal/store"
	"autopilot/internal/telemetry"
)

// Store is the slice of persistence the operator API touches.
type Store interface {
	Ping(ctx context.Context) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpsertTenant(ctx context.Context, t models.Tenant) error
	InsertRecommendation(ctx context.Context, rec models.Recommendation, dedupeKey string) (models.Recommendation, bool, error)
	GetRecommendation(ctx context.Context, tenant, id string) (models.Recommendation, error)
	RankedRecommendations(ctx context.Context, tenant string, limit int) ([]models.Recommendation, error)
	ListDrafts(ctx context.Context, tenant, status string, limit int) ([]models.ActionDraft, error)
	GetDraft(ctx context.Context, tenant, id string) (models.ActionDraft, error)
	DecideDraft(ctx context.Context, tenant, id, status, by string) (bool, error)
	ExecutionsForDraft(ctx context.Context, tenant, draftID string) ([]models.ActionExecution, error)
	InsertSnapshot(ctx context.Context, snap models.MetricSnapshot) error
	ExecutionRules(ctx context.Context, tenant string) (*models.ExecutionRules, error)
	SaveExecutionRules(ctx context.Context, r models.ExecutionRules) error
}

// Queue exposes depth and dead-letter maintenance.
type Queue interface {
	Depth(ctx context.Context) (int64, error)
	DLQDepth(ctx context.Context) (int64, error)
	DLQPeek(ctx context.Context, count int64) ([][]byte, error)
	DLQRemove(ctx context.Context, raw []byte) (bool, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, tenant string, p jobs.Payload) (models.Job, error)
	EnqueueMap(ctx context.Context, tenant, jobType string, payload map[string]any) (models.Job, error)
}

// Limiter wraps handlers that should be rate limited per tenant.
type Limiter interface {
	Middleware(keyFn func(*http.Request) string, logger *slog.Logger) func(http.Handler) http.Handler
}

// Server wires HTTP handlers for the operator API.
type Server struct {
	store    Store
	queue    Queue
	enqueuer Enqueuer
	emitter  events.Emitter
	limiter  Limiter
	logger   *slog.Logger
}

// New constructs the API server. limiter may be nil.
func New(st Store, q Queue, enq Enqueuer, em events.Emitter, limiter Limiter, logger *slog.Logger) *Server {
	return &Server{
		store:    st,
		queue:    q,
		enqueuer: enq,
		emitter:  em,
		limiter:  limiter,
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware(tenantFromRequest, s.logger))
		}

		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/dlq", s.handleDLQ)
		r.Post("/dlq/requeue", s.handleDLQRequeue)

		r.Post("/events", s.handleEmitEvent)
		r.Put("/tenants/{id}", s.handlePutTenant)

		r.Route("/recommendations", func(r chi.Router) {
			r.Post("/", s.handleCreateRecommendation)
			r.Get("/", s.handleListRecommendations)
			r.Get("/{id}", s.handleGetRecommendation)
		})
		r.Post("/snapshots", s.handleCreateSnapshot)

		r.Route("/drafts", func(r chi.Router) {
			r.Get("/", s.handleListDrafts)
			r.Get("/{id}", s.handleGetDraft)
			r.Post("/{id}/approve", s.handleDecideDraft(models.DraftApproved))
			r.Post("/{id}/reject", s.handleDecideDraft(models.DraftRejected))
		})
		r.Get("/execution-rules", s.handleGetExecutionRules)
		r.Put("/execution-rules", s.handlePutExecutionRules)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func tenantFromRequest(r *http.Request) string {
	return r.Header.Get("X-Tenant-ID")
}

// requireTenant writes a 400 and returns "" when the tenant header is missing.
func requireTenant(w http.ResponseWriter, r *http.Request) string {
	tenant := tenantFromRequest(r)
	if tenant == "" {
		http.Error(w, "X-Tenant-ID header is required", http.StatusBadRequest)
	}
	return tenant
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func queryLimit(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// writeError maps domain errors onto status codes and logs the unexpected ones.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, jobs.ErrUnknownType), errors.Is(err, jobs.ErrInvalidPayload):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err),
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
