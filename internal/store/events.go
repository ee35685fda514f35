package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"autopilot/internal/models"
)

// InsertEvent persists an event unless (tenant, type, dedupe key) already exists.
// The returned bool is false for a duplicate; ev is left untouched in that case.
func (s *Store) InsertEvent(ctx context.Context, ev *models.Event) (bool, error) {
	payloadJSON, err := marshalJSON(ev.Payload)
	if err != nil {
		return false, err
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, tenant_id, type, payload, dedupe_key, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, type, dedupe_key) DO NOTHING
	`, id, ev.Tenant, ev.Type, payloadJSON, ev.DedupeKey, ev.Source, now)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	ev.ID = id
	ev.CreatedAt = now
	return true, nil
}

// MatchingRules returns enabled rules for the event type that are global or owned by tenant.
func (s *Store) MatchingRules(ctx context.Context, tenant, eventType string) ([]models.EventRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, event_type, job_type, conditions, enabled
		FROM event_rules
		WHERE event_type = $1 AND enabled AND (tenant_id IS NULL OR tenant_id = $2)
		ORDER BY id
	`, eventType, tenant)
	if err != nil {
		return nil, fmt.Errorf("query event rules: %w", err)
	}
	defer rows.Close()

	var rules []models.EventRule
	for rows.Next() {
		var r models.EventRule
		var owner pgtype.Text
		var cond []byte
		if err := rows.Scan(&r.ID, &owner, &r.EventType, &r.JobType, &cond, &r.Enabled); err != nil {
			return nil, fmt.Errorf("scan event rule: %w", err)
		}
		r.Tenant = textPtr(owner)
		if r.Conditions, err = unmarshalJSON(cond); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// CreateEventRule inserts a rule and fills in its id.
func (s *Store) CreateEventRule(ctx context.Context, r *models.EventRule) error {
	cond, err := marshalJSON(r.Conditions)
	if err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO event_rules (id, tenant_id, event_type, job_type, conditions, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, r.ID, r.Tenant, r.EventType, r.JobType, cond, r.Enabled)
	if err != nil {
		return fmt.Errorf("insert event rule: %w", err)
	}
	return nil
}
