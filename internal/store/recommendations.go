package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"autopilot/internal/models"
)

const recommendationColumns = `id, tenant_id, source, priority, title, body, data, confidence, effort, strategic,
	base_score, adjustment_delta, rank_score, rank, drop_reason, reasoning, ranked_at, created_at`

func scanRecommendation(row pgx.Row) (models.Recommendation, error) {
	var r models.Recommendation
	var data []byte
	err := row.Scan(&r.ID, &r.Tenant, &r.Source, &r.Priority, &r.Title, &r.Body, &data, &r.Confidence, &r.Effort, &r.Strategic,
		&r.BaseScore, &r.AdjustmentDelta, &r.RankScore, &r.Rank, &r.DropReason, &r.Reasoning, &r.RankedAt, &r.CreatedAt)
	if err != nil {
		return models.Recommendation{}, err
	}
	if r.Data, err = unmarshalJSON(data); err != nil {
		return models.Recommendation{}, err
	}
	return r, nil
}

// InsertRecommendation stores rec unless the tenant already has one with dedupeKey.
// On a duplicate it returns the existing row and false.
func (s *Store) InsertRecommendation(ctx context.Context, rec models.Recommendation, dedupeKey string) (models.Recommendation, bool, error) {
	data, err := marshalJSON(rec.Data)
	if err != nil {
		return models.Recommendation{}, false, err
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Effort == "" {
		rec.Effort = models.EffortMedium
	}
	if dedupeKey == "" {
		dedupeKey = rec.ID
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO recommendations (id, tenant_id, dedupe_key, source, priority, title, body, data, confidence, effort, strategic, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, dedupe_key) DO NOTHING
	`, rec.ID, rec.Tenant, dedupeKey, rec.Source, rec.Priority, rec.Title, rec.Body, data, rec.Confidence, rec.Effort, rec.Strategic, rec.CreatedAt)
	if err != nil {
		return models.Recommendation{}, false, fmt.Errorf("insert recommendation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return rec, true, nil
	}

	existing, err := scanRecommendation(s.pool.QueryRow(ctx, `
		SELECT `+recommendationColumns+` FROM recommendations WHERE tenant_id = $1 AND dedupe_key = $2
	`, rec.Tenant, dedupeKey))
	if err != nil {
		return models.Recommendation{}, false, notFound(err, "recommendation")
	}
	return existing, false, nil
}

// GetRecommendation fetches one recommendation scoped to tenant.
func (s *Store) GetRecommendation(ctx context.Context, tenant, id string) (models.Recommendation, error) {
	rec, err := scanRecommendation(s.pool.QueryRow(ctx, `
		SELECT `+recommendationColumns+` FROM recommendations WHERE tenant_id = $1 AND id = $2
	`, tenant, id))
	if err != nil {
		return models.Recommendation{}, notFound(err, "recommendation")
	}
	return rec, nil
}

func (s *Store) queryRecommendations(ctx context.Context, sql string, args ...any) ([]models.Recommendation, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query recommendations: %w", err)
	}
	defer rows.Close()

	var out []models.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recommendation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UnrankedRecommendations returns the tenant's recommendations that have not been ranked yet.
func (s *Store) UnrankedRecommendations(ctx context.Context, tenant string) ([]models.Recommendation, error) {
	return s.queryRecommendations(ctx, `
		SELECT `+recommendationColumns+` FROM recommendations
		WHERE tenant_id = $1 AND rank IS NULL
		ORDER BY created_at, id
	`, tenant)
}

// RankedRecommendations lists the tenant's surviving recommendations by rank.
func (s *Store) RankedRecommendations(ctx context.Context, tenant string, limit int) ([]models.Recommendation, error) {
	return s.queryRecommendations(ctx, `
		SELECT `+recommendationColumns+` FROM recommendations
		WHERE tenant_id = $1 AND rank >= 1
		ORDER BY ranked_at DESC, rank
		LIMIT $2
	`, tenant, limit)
}

// RecommendationsAwaitingOutcome returns recommendations created at or before cutoff with no outcome row.
func (s *Store) RecommendationsAwaitingOutcome(ctx context.Context, tenant string, cutoff time.Time, limit int) ([]models.Recommendation, error) {
	return s.queryRecommendations(ctx, `
		SELECT `+recommendationColumns+` FROM recommendations r
		WHERE r.tenant_id = $1 AND r.created_at <= $2
		  AND NOT EXISTS (SELECT 1 FROM outcomes o WHERE o.recommendation_id = r.id)
		ORDER BY r.created_at, r.id
		LIMIT $3
	`, tenant, cutoff, limit)
}

// SaveRankings writes every ranking in one transaction. Saves for one tenant
// are serialized; if any row was ranked by a concurrent run the whole batch
// rolls back with ErrRankingConflict so the caller can reload and retry.
func (s *Store) SaveRankings(ctx context.Context, tenant string, rankings []models.Ranking) (int, error) {
	now := time.Now().UTC()
	saved := 0
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "rank:"+tenant); err != nil {
			return fmt.Errorf("lock rankings: %w", err)
		}
		for _, rk := range rankings {
			tag, err := tx.Exec(ctx, `
				UPDATE recommendations
				SET base_score = $3, adjustment_delta = $4, rank_score = $5, rank = $6,
				    drop_reason = $7, reasoning = $8, effort = $9, ranked_at = $10
				WHERE tenant_id = $1 AND id = $2 AND rank IS NULL
			`, tenant, rk.RecommendationID, rk.BaseScore, rk.Delta, rk.FinalScore, rk.Rank,
				emptyToNil(rk.DropReason), emptyToNil(rk.Reasoning), rk.Effort, now)
			if err != nil {
				return fmt.Errorf("update ranking %s: %w", rk.RecommendationID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("recommendation %s: %w", rk.RecommendationID, ErrRankingConflict)
			}
			saved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return saved, nil
}
