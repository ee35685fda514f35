package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"autopilot/internal/models"
)

// ActiveTenants lists the ids of tenants that receive scheduled work.
func (s *Store) ActiveTenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM tenants WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertTenant creates or updates a tenant.
func (s *Store) UpsertTenant(ctx context.Context, t models.Tenant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, active) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, active = EXCLUDED.active
	`, t.ID, t.Name, t.Active)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// ExecutionRules returns the tenant's auto-approval rules, or nil when none are configured.
func (s *Store) ExecutionRules(ctx context.Context, tenant string) (*models.ExecutionRules, error) {
	var r models.ExecutionRules
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, auto_execute, min_confidence, max_risk, allowed_action_types
		FROM execution_rules WHERE tenant_id = $1
	`, tenant).Scan(&r.Tenant, &r.AutoExecute, &r.MinConfidence, &r.MaxRisk, &r.AllowedActionTypes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query execution rules: %w", err)
	}
	return &r, nil
}

// SaveExecutionRules replaces the tenant's auto-approval rules.
func (s *Store) SaveExecutionRules(ctx context.Context, r models.ExecutionRules) error {
	allowed := r.AllowedActionTypes
	if allowed == nil {
		allowed = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO execution_rules (tenant_id, auto_execute, min_confidence, max_risk, allowed_action_types)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			auto_execute = EXCLUDED.auto_execute,
			min_confidence = EXCLUDED.min_confidence,
			max_risk = EXCLUDED.max_risk,
			allowed_action_types = EXCLUDED.allowed_action_types
	`, r.Tenant, r.AutoExecute, r.MinConfidence, r.MaxRisk, allowed)
	if err != nil {
		return fmt.Errorf("save execution rules: %w", err)
	}
	return nil
}
