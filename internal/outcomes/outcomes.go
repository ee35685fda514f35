package outcomes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"autopilot/internal/events"
	"autopilot/internal/models"
)

// Store reads recommendations and metric snapshots and writes outcomes.
type Store interface {
	RecommendationsAwaitingOutcome(ctx context.Context, tenant string, cutoff time.Time, limit int) ([]models.Recommendation, error)
	SnapshotAtOrBefore(ctx context.Context, tenant, metric string, t time.Time) (*models.MetricSnapshot, error)
	SnapshotAtOrAfter(ctx context.Context, tenant, metric string, t time.Time) (*models.MetricSnapshot, error)
	InsertOutcome(ctx context.Context, o *models.Outcome) (bool, error)
	UnannouncedOutcomes(ctx context.Context, tenant string, limit int) ([]models.Outcome, error)
}

const batchSize = 200

// Measurer compares metric snapshots around old recommendations.
type Measurer struct {
	store   Store
	emitter events.Emitter
	minAge  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewMeasurer(st Store, em events.Emitter, minAge time.Duration, logger *slog.Logger) *Measurer {
	if minAge <= 0 {
		minAge = 14 * 24 * time.Hour
	}
	return &Measurer{store: st, emitter: em, minAge: minAge, logger: logger, now: time.Now}
}

type Result struct {
	Measured    int
	Skipped     int
	Reannounced int
}

// Measure writes an outcome for each eligible recommendation of tenant. Recommendations
// without a tracked metric or without both snapshots are skipped and retried next run.
// Outcomes stored by an earlier run whose event was never written are announced first.
func (m *Measurer) Measure(ctx context.Context, tenant string) (Result, error) {
	var res Result
	pending, err := m.store.UnannouncedOutcomes(ctx, tenant, batchSize)
	if err != nil {
		return Result{}, fmt.Errorf("load unannounced outcomes: %w", err)
	}
	for _, o := range pending {
		if err := m.announce(ctx, o); err != nil {
			return res, fmt.Errorf("announce %s: %w", o.RecommendationID, err)
		}
		res.Reannounced++
	}

	recs, err := m.store.RecommendationsAwaitingOutcome(ctx, tenant, m.now().Add(-m.minAge), batchSize)
	if err != nil {
		return Result{}, fmt.Errorf("load recommendations: %w", err)
	}

	for _, rec := range recs {
		ok, err := m.measureOne(ctx, rec)
		if err != nil {
			return res, fmt.Errorf("measure %s: %w", rec.ID, err)
		}
		if ok {
			res.Measured++
		} else {
			res.Skipped++
		}
	}
	m.logger.Info("outcomes measured",
		slog.String("tenant", tenant),
		slog.Int("measured", res.Measured),
		slog.Int("skipped", res.Skipped),
		slog.Int("reannounced", res.Reannounced),
	)
	return res, nil
}

func (m *Measurer) measureOne(ctx context.Context, rec models.Recommendation) (bool, error) {
	metric, _ := rec.Data["metric"].(string)
	if metric == "" {
		return false, nil
	}
	before, err := m.store.SnapshotAtOrBefore(ctx, rec.Tenant, metric, rec.CreatedAt)
	if err != nil {
		return false, err
	}
	after, err := m.store.SnapshotAtOrAfter(ctx, rec.Tenant, metric, rec.CreatedAt.Add(m.minAge))
	if err != nil {
		return false, err
	}
	if before == nil || after == nil {
		m.logger.Debug("snapshots missing, outcome not measured",
			slog.String("recommendation_id", rec.ID),
			slog.String("metric", metric),
			slog.Bool("has_before", before != nil),
			slog.Bool("has_after", after != nil),
		)
		return false, nil
	}

	o := models.Outcome{
		Tenant:           rec.Tenant,
		RecommendationID: rec.ID,
		Metric:           metric,
		Before:           before.Value,
		After:            after.Value,
		Delta:            after.Value - before.Value,
	}
	o.Positive = Positive(o.Delta, rec.Data["metric_direction"])

	created, err := m.store.InsertOutcome(ctx, &o)
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}
	return true, m.announce(ctx, o)
}

// announce emits outcome_measured keyed on the recommendation id.
func (m *Measurer) announce(ctx context.Context, o models.Outcome) error {
	_, err := m.emitter.Emit(ctx, models.Event{
		Tenant:    o.Tenant,
		Type:      models.EventOutcomeMeasured,
		DedupeKey: o.RecommendationID,
		Source:    "outcomes",
		Payload: map[string]any{
			"recommendation_id": o.RecommendationID,
			"metric":            o.Metric,
			"delta":             o.Delta,
			"positive":          o.Positive,
		},
	})
	if err != nil {
		return fmt.Errorf("emit outcome event: %w", err)
	}
	return nil
}

// Positive reports whether delta is an improvement. direction "down" means lower is better.
func Positive(delta float64, direction any) bool {
	if d, _ := direction.(string); d == "down" {
		return delta < 0
	}
	return delta > 0
}
