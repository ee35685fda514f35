package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"autopilot/internal/models"
	"autopilot/internal/telemetry"
)

// JobStore creates the authoritative job row before a message is pushed.
type JobStore interface {
	CreateJob(ctx context.Context, tenant *string, jobType string, payload map[string]any) (models.Job, error)
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error
}

// Pusher appends a raw message to the ready list.
type Pusher interface {
	Push(ctx context.Context, raw []byte) error
}

// Enqueuer writes a job row and then pushes its envelope.
type Enqueuer struct {
	store  JobStore
	queue  Pusher
	logger *slog.Logger
}

func NewEnqueuer(st JobStore, q Pusher, logger *slog.Logger) *Enqueuer {
	return &Enqueuer{store: st, queue: q, logger: logger}
}

// Enqueue validates p, creates the job row for tenant ("" for system-wide) and pushes the message.
func (e *Enqueuer) Enqueue(ctx context.Context, tenant string, p Payload) (models.Job, error) {
	jobType := p.JobType()
	if !Known(jobType) {
		return models.Job{}, fmt.Errorf("%w: %q", ErrUnknownType, jobType)
	}
	if err := p.Validate(); err != nil {
		return models.Job{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, jobType, err)
	}
	if TenantScoped(jobType) && tenant == "" {
		return models.Job{}, fmt.Errorf("%w: %s requires a tenant", ErrInvalidPayload, jobType)
	}

	payload, err := ToMap(p)
	if err != nil {
		return models.Job{}, fmt.Errorf("encode payload: %w", err)
	}
	var tenantRef *string
	if tenant != "" {
		tenantRef = &tenant
	}

	job, err := e.store.CreateJob(ctx, tenantRef, jobType, payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}

	raw, err := Encode(job.ID, p)
	if err == nil {
		err = e.queue.Push(ctx, raw)
	}
	if err != nil {
		msg := "enqueue failed: " + err.Error()
		if markErr := e.store.MarkFailed(ctx, job.ID, job.Attempts, msg); markErr != nil {
			err = errors.Join(err, markErr)
		}
		return models.Job{}, fmt.Errorf("push job %s: %w", job.ID, err)
	}

	telemetry.JobsEnqueued.WithLabelValues(jobType).Inc()
	e.logger.Debug("job enqueued",
		slog.String("job_id", job.ID),
		slog.String("job_type", jobType),
		slog.String("tenant", tenant),
	)
	return job, nil
}

// EnqueueMap decodes an untyped payload first, so nothing unvalidated reaches the queue.
func (e *Enqueuer) EnqueueMap(ctx context.Context, tenant, jobType string, payload map[string]any) (models.Job, error) {
	p, err := DecodeMap(jobType, payload)
	if err != nil {
		return models.Job{}, err
	}
	return e.Enqueue(ctx, tenant, p)
}
