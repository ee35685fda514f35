package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"autopilot/internal/models"
)

// SignalCandidates returns up to limit unexpired signals for domain ordered by
// confidence times decay weight. Callers apply outcome weighting on top.
func (s *Store) SignalCandidates(ctx context.Context, domain string, now time.Time, limit int) ([]models.Signal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, domain, pattern, confidence, decay_weight, tenant_count, reinforced_at, expires_at
		FROM signals
		WHERE domain = $1 AND expires_at > $2
		ORDER BY confidence * decay_weight DESC, id
		LIMIT $3
	`, domain, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []models.Signal
	for rows.Next() {
		var sig models.Signal
		if err := rows.Scan(&sig.ID, &sig.Domain, &sig.Pattern, &sig.Confidence, &sig.DecayWeight, &sig.TenantCount, &sig.ReinforcedAt, &sig.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// SignalStats aggregates measured applications per signal.
func (s *Store) SignalStats(ctx context.Context, signalIDs []string) (map[string]models.SignalStats, error) {
	out := make(map[string]models.SignalStats, len(signalIDs))
	if len(signalIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT signal_id,
		       COUNT(*) FILTER (WHERE outcome_positive IS NOT NULL),
		       COUNT(*) FILTER (WHERE outcome_positive)
		FROM signal_applications
		WHERE signal_id = ANY($1)
		GROUP BY signal_id
	`, signalIDs)
	if err != nil {
		return nil, fmt.Errorf("query signal stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st models.SignalStats
		if err := rows.Scan(&st.SignalID, &st.Measured, &st.Positive); err != nil {
			return nil, fmt.Errorf("scan signal stats: %w", err)
		}
		out[st.SignalID] = st
	}
	return out, rows.Err()
}

// RecordApplications notes that the signals informed a recommendation. Repeats are ignored.
func (s *Store) RecordApplications(ctx context.Context, tenant, recommendationID string, signalIDs []string) error {
	if len(signalIDs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, id := range signalIDs {
		batch.Queue(`
			INSERT INTO signal_applications (signal_id, tenant_id, recommendation_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (signal_id, recommendation_id) DO NOTHING
		`, id, tenant, recommendationID)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("record signal applications: %w", err)
	}
	return nil
}

// MarkApplicationOutcome back-fills the outcome of every application to a recommendation.
func (s *Store) MarkApplicationOutcome(ctx context.Context, tenant, recommendationID string, positive bool) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE signal_applications SET outcome_positive = $3, measured_at = NOW()
		WHERE tenant_id = $1 AND recommendation_id = $2 AND outcome_positive IS NULL
	`, tenant, recommendationID, positive)
	if err != nil {
		return 0, fmt.Errorf("mark application outcome: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PendingExtraction pairs a positive outcome with the recommendation it measured.
type PendingExtraction struct {
	Outcome        models.Outcome
	Recommendation models.Recommendation
}

// OutcomesPendingExtraction lists positive outcomes not yet folded into signals.
// An empty recommendationID means any.
func (s *Store) OutcomesPendingExtraction(ctx context.Context, recommendationID string, limit int) ([]PendingExtraction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.id, o.tenant_id, o.recommendation_id, o.metric, o.before_value, o.after_value, o.delta, o.positive, o.measured_at,
		       r.id, r.tenant_id, r.source, r.priority, r.title, r.body, r.confidence
		FROM outcomes o JOIN recommendations r ON r.id = o.recommendation_id
		WHERE o.positive AND NOT o.signals_extracted AND ($1 = '' OR o.recommendation_id = $1)
		ORDER BY o.measured_at
		LIMIT $2
	`, recommendationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending extraction: %w", err)
	}
	defer rows.Close()

	var out []PendingExtraction
	for rows.Next() {
		var p PendingExtraction
		o, r := &p.Outcome, &p.Recommendation
		if err := rows.Scan(&o.ID, &o.Tenant, &o.RecommendationID, &o.Metric, &o.Before, &o.After, &o.Delta, &o.Positive, &o.MeasuredAt,
			&r.ID, &r.Tenant, &r.Source, &r.Priority, &r.Title, &r.Body, &r.Confidence); err != nil {
			return nil, fmt.Errorf("scan pending extraction: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ExtractParams describes one anonymised pattern derived from a positive outcome.
type ExtractParams struct {
	Tenant           string
	RecommendationID string
	Domain           string
	Pattern          string
	Confidence       float64
	TTL              time.Duration
}

// ExtractSignal claims the outcome and upserts its pattern. Reinforcing an existing
// pattern averages its confidence, resets decay and extends expiry. Returns false when
// the outcome was already extracted.
func (s *Store) ExtractSignal(ctx context.Context, p ExtractParams) (bool, error) {
	now := time.Now().UTC()
	claimed := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE outcomes SET signals_extracted = TRUE
			WHERE recommendation_id = $1 AND NOT signals_extracted
		`, p.RecommendationID)
		if err != nil {
			return fmt.Errorf("claim outcome: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		var signalID string
		err = tx.QueryRow(ctx, `
			INSERT INTO signals (id, domain, pattern, confidence, sample_count, decay_weight, tenant_count, reinforced_at, expires_at, created_at)
			VALUES ($1, $2, $3, $4, 1, 1, 1, $5, $6, $5)
			ON CONFLICT (domain, pattern) DO UPDATE SET
				confidence = (signals.confidence * signals.sample_count + EXCLUDED.confidence) / (signals.sample_count + 1),
				sample_count = signals.sample_count + 1,
				decay_weight = 1,
				reinforced_at = EXCLUDED.reinforced_at,
				expires_at = EXCLUDED.expires_at
			RETURNING id
		`, uuid.New().String(), p.Domain, p.Pattern, p.Confidence, now, now.Add(p.TTL)).Scan(&signalID)
		if err != nil {
			return fmt.Errorf("upsert signal: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO signal_sources (signal_id, tenant_id, recommendation_id) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, signalID, p.Tenant, p.RecommendationID); err != nil {
			return fmt.Errorf("insert signal source: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE signals SET tenant_count = (SELECT COUNT(DISTINCT tenant_id) FROM signal_sources WHERE signal_id = $1)
			WHERE id = $1
		`, signalID); err != nil {
			return fmt.Errorf("update tenant count: %w", err)
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// DecaySignals recomputes every decay weight as 0.5^(age/halfLife) in one statement.
func (s *Store) DecaySignals(ctx context.Context, now time.Time, halfLife time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE signals
		SET decay_weight = POWER(0.5, GREATEST(EXTRACT(EPOCH FROM ($1::timestamptz - reinforced_at)), 0) / $2::double precision)
		WHERE expires_at > $1
	`, now, halfLife.Seconds())
	if err != nil {
		return 0, fmt.Errorf("decay signals: %w", err)
	}
	return tag.RowsAffected(), nil
}
