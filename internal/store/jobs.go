package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"autopilot/internal/models"
)

// CreateJob inserts a queued job row. tenant is nil for system-wide jobs.
func (s *Store) CreateJob(ctx context.Context, tenant *string, jobType string, payload map[string]any) (models.Job, error) {
	payloadJSON, err := marshalJSON(payload)
	if err != nil {
		return models.Job{}, err
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, tenant_id, type, payload, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
	`, id, tenant, jobType, payloadJSON, models.StatusQueued, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:        id,
		Tenant:    tenant,
		Type:      jobType,
		Payload:   payload,
		Status:    models.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, type, payload, status, attempts, last_error, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var payloadJSON []byte
	var tenant, lastErr pgtype.Text

	if err := row.Scan(&job.ID, &tenant, &job.Type, &payloadJSON, &job.Status, &job.Attempts, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, notFound(err, "job")
	}
	payload, err := unmarshalJSON(payloadJSON)
	if err != nil {
		return models.Job{}, err
	}
	job.Payload = payload
	job.Tenant = textPtr(tenant)
	job.LastError = textPtr(lastErr)
	return job, nil
}

// MarkRunning flags the job as picked up by a consumer.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.StatusRunning)
	return err
}

// MarkSucceeded transitions a job to succeeded and clears the last error.
func (s *Store) MarkSucceeded(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.StatusSucceeded)
	return err
}

// MarkRetry puts the job back to queued after a failed attempt.
func (s *Store) MarkRetry(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusQueued, attempts, lastErr)
	return err
}

// MarkFailed is terminal.
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, attempts, lastErr)
	return err
}

// CountJobs returns job counts grouped by status.
func (s *Store) CountJobs(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
