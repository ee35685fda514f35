package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"autopilot/internal/models"
)

// InsertSnapshot records a metric value.
func (s *Store) InsertSnapshot(ctx context.Context, snap models.MetricSnapshot) error {
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO metric_snapshots (tenant_id, metric, value, captured_at) VALUES ($1, $2, $3, $4)
	`, snap.Tenant, snap.Metric, snap.Value, snap.CapturedAt)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// SnapshotAtOrBefore returns the latest snapshot captured at or before t, or nil.
func (s *Store) SnapshotAtOrBefore(ctx context.Context, tenant, metric string, t time.Time) (*models.MetricSnapshot, error) {
	return s.snapshot(ctx, `
		SELECT tenant_id, metric, value, captured_at FROM metric_snapshots
		WHERE tenant_id = $1 AND metric = $2 AND captured_at <= $3
		ORDER BY captured_at DESC LIMIT 1
	`, tenant, metric, t)
}

// SnapshotAtOrAfter returns the latest snapshot captured at or after t, or nil.
func (s *Store) SnapshotAtOrAfter(ctx context.Context, tenant, metric string, t time.Time) (*models.MetricSnapshot, error) {
	return s.snapshot(ctx, `
		SELECT tenant_id, metric, value, captured_at FROM metric_snapshots
		WHERE tenant_id = $1 AND metric = $2 AND captured_at >= $3
		ORDER BY captured_at DESC LIMIT 1
	`, tenant, metric, t)
}

func (s *Store) snapshot(ctx context.Context, sql string, args ...any) (*models.MetricSnapshot, error) {
	var snap models.MetricSnapshot
	err := s.pool.QueryRow(ctx, sql, args...).Scan(&snap.Tenant, &snap.Metric, &snap.Value, &snap.CapturedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return &snap, nil
}

// InsertOutcome stores the outcome unless the recommendation already has one.
func (s *Store) InsertOutcome(ctx context.Context, o *models.Outcome) (bool, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO outcomes (id, tenant_id, recommendation_id, metric, before_value, after_value, delta, positive, measured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (recommendation_id) DO NOTHING
	`, id, o.Tenant, o.RecommendationID, o.Metric, o.Before, o.After, o.Delta, o.Positive, now)
	if err != nil {
		return false, fmt.Errorf("insert outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	o.ID = id
	o.MeasuredAt = now
	return true, nil
}

// UnannouncedOutcomes returns the tenant's outcomes that have no outcome_measured event yet.
func (s *Store) UnannouncedOutcomes(ctx context.Context, tenant string, limit int) ([]models.Outcome, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.id, o.tenant_id, o.recommendation_id, o.metric, o.before_value, o.after_value, o.delta, o.positive, o.measured_at
		FROM outcomes o
		WHERE o.tenant_id = $1
		  AND NOT EXISTS (
		    SELECT 1 FROM events e
		    WHERE e.tenant_id = o.tenant_id AND e.type = $2 AND e.dedupe_key = o.recommendation_id
		  )
		ORDER BY o.measured_at, o.id
		LIMIT $3
	`, tenant, models.EventOutcomeMeasured, limit)
	if err != nil {
		return nil, fmt.Errorf("query unannounced outcomes: %w", err)
	}
	defer rows.Close()

	var out []models.Outcome
	for rows.Next() {
		var o models.Outcome
		if err := rows.Scan(&o.ID, &o.Tenant, &o.RecommendationID, &o.Metric, &o.Before, &o.After, &o.Delta, &o.Positive, &o.MeasuredAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetOutcome returns the outcome for a recommendation.
func (s *Store) GetOutcome(ctx context.Context, tenant, recommendationID string) (models.Outcome, error) {
	var o models.Outcome
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, recommendation_id, metric, before_value, after_value, delta, positive, measured_at
		FROM outcomes WHERE tenant_id = $1 AND recommendation_id = $2
	`, tenant, recommendationID).Scan(&o.ID, &o.Tenant, &o.RecommendationID, &o.Metric, &o.Before, &o.After, &o.Delta, &o.Positive, &o.MeasuredAt)
	if err != nil {
		return models.Outcome{}, notFound(err, "outcome")
	}
	return o, nil
}
