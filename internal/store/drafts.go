package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"autopilot/internal/models"
)

const draftColumns = `id, tenant_id, recommendation_id, action_type, risk_level, confidence, payload, status, approved_by, created_at, updated_at`

func scanDraft(row pgx.Row) (models.ActionDraft, error) {
	var d models.ActionDraft
	var payload []byte
	var approvedBy pgtype.Text
	err := row.Scan(&d.ID, &d.Tenant, &d.RecommendationID, &d.ActionType, &d.RiskLevel, &d.Confidence, &payload, &d.Status, &approvedBy, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return models.ActionDraft{}, err
	}
	d.ApprovedBy = textPtr(approvedBy)
	if d.Payload, err = unmarshalJSON(payload); err != nil {
		return models.ActionDraft{}, err
	}
	return d, nil
}

// InsertDraft stores a draft unless one already exists for (recommendation, action type).
// The returned bool is false for a duplicate, and d is then overwritten with the stored row.
func (s *Store) InsertDraft(ctx context.Context, d *models.ActionDraft) (bool, error) {
	payload, err := marshalJSON(d.Payload)
	if err != nil {
		return false, err
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	if d.Status == "" {
		d.Status = models.DraftPending
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO action_drafts (id, tenant_id, recommendation_id, action_type, risk_level, confidence, payload, status, approved_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (recommendation_id, action_type) DO NOTHING
	`, id, d.Tenant, d.RecommendationID, d.ActionType, d.RiskLevel, d.Confidence, payload, d.Status, d.ApprovedBy, now)
	if err != nil {
		return false, fmt.Errorf("insert draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := scanDraft(s.pool.QueryRow(ctx, `
			SELECT `+draftColumns+` FROM action_drafts WHERE recommendation_id = $1 AND action_type = $2
		`, d.RecommendationID, d.ActionType))
		if err != nil {
			return false, fmt.Errorf("load existing draft: %w", err)
		}
		*d = existing
		return false, nil
	}
	d.ID = id
	d.CreatedAt = now
	d.UpdatedAt = now
	return true, nil
}

// GetDraft fetches one draft scoped to tenant.
func (s *Store) GetDraft(ctx context.Context, tenant, id string) (models.ActionDraft, error) {
	d, err := scanDraft(s.pool.QueryRow(ctx, `
		SELECT `+draftColumns+` FROM action_drafts WHERE tenant_id = $1 AND id = $2
	`, tenant, id))
	if err != nil {
		return models.ActionDraft{}, notFound(err, "draft")
	}
	return d, nil
}

// ListDrafts returns the tenant's drafts, optionally filtered by status.
func (s *Store) ListDrafts(ctx context.Context, tenant, status string, limit int) ([]models.ActionDraft, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+draftColumns+` FROM action_drafts
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, tenant, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query drafts: %w", err)
	}
	return collectDrafts(rows)
}

// ApprovedDrafts returns approved drafts across all tenants, oldest first.
func (s *Store) ApprovedDrafts(ctx context.Context, limit int) ([]models.ActionDraft, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+draftColumns+` FROM action_drafts
		WHERE status = $1
		ORDER BY updated_at, id
		LIMIT $2
	`, models.DraftApproved, limit)
	if err != nil {
		return nil, fmt.Errorf("query approved drafts: %w", err)
	}
	return collectDrafts(rows)
}

func collectDrafts(rows pgx.Rows) ([]models.ActionDraft, error) {
	defer rows.Close()
	var out []models.ActionDraft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DecideDraft moves a pending draft to approved or rejected. It reports false if the
// draft was not pending.
func (s *Store) DecideDraft(ctx context.Context, tenant, id, status, by string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE action_drafts SET status = $3, approved_by = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = $5
	`, tenant, id, status, emptyToNil(by), models.DraftPending)
	if err != nil {
		return false, fmt.Errorf("decide draft: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteExecution records exec and moves the draft from approved to finalStatus in one
// transaction. It returns false, writing nothing, when the draft is no longer approved.
func (s *Store) CompleteExecution(ctx context.Context, draftID, finalStatus string, exec *models.ActionExecution) (bool, error) {
	var result []byte
	if exec.Result != nil {
		var err error
		if result, err = marshalJSON(exec.Result); err != nil {
			return false, err
		}
	}

	done := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE action_drafts SET status = $2, updated_at = NOW()
			WHERE id = $1 AND status = $3
		`, draftID, finalStatus, models.DraftApproved)
		if err != nil {
			return fmt.Errorf("update draft status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		exec.ID = uuid.New().String()
		exec.DraftID = draftID
		exec.CreatedAt = time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			INSERT INTO action_executions (id, draft_id, tenant_id, status, result, error, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, exec.ID, draftID, exec.Tenant, exec.Status, result, exec.Error, exec.CreatedAt); err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		done = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return done, nil
}

// ExecutionsForDraft lists the execution records of a draft.
func (s *Store) ExecutionsForDraft(ctx context.Context, tenant, draftID string) ([]models.ActionExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, draft_id, tenant_id, status, result, error, created_at
		FROM action_executions WHERE tenant_id = $1 AND draft_id = $2
		ORDER BY created_at
	`, tenant, draftID)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []models.ActionExecution
	for rows.Next() {
		var e models.ActionExecution
		var result []byte
		var errText pgtype.Text
		if err := rows.Scan(&e.ID, &e.DraftID, &e.Tenant, &e.Status, &result, &errText, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Error = textPtr(errText)
		if e.Result, err = unmarshalJSON(result); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
