package prioritizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"autopilot/internal/completion"
	"autopilot/internal/events"
	"autopilot/internal/models"
	"autopilot/internal/signals"
	"autopilot/internal/telemetry"
)

// Store reads unranked recommendations and persists rankings.
type Store interface {
	UnrankedRecommendations(ctx context.Context, tenant string) ([]models.Recommendation, error)
	SaveRankings(ctx context.Context, tenant string, rankings []models.Ranking) (int, error)
}

// SignalSource supplies cross-tenant context and records which signals were used.
type SignalSource interface {
	BuildContext(ctx context.Context, domains []string) (signals.Context, error)
	RecordApplied(ctx context.Context, tenant, recommendationID string, signalIDs []string) error
}

type Options struct {
	DropThreshold float64
	DeltaStep     float64
}

// Prioritizer ranks a tenant's pending recommendations.
type Prioritizer struct {
	store    Store
	signals  SignalSource
	adjuster Adjuster
	emitter  events.Emitter
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

func New(st Store, sig SignalSource, adj Adjuster, em events.Emitter, opts Options, logger *slog.Logger) *Prioritizer {
	if opts.DropThreshold <= 0 {
		opts.DropThreshold = 0.2
	}
	if opts.DeltaStep <= 0 {
		opts.DeltaStep = 0.05
	}
	return &Prioritizer{
		store:    st,
		signals:  sig,
		adjuster: adj,
		emitter:  em,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Result summarises one run.
type Result struct {
	Ranked   int
	Dropped  int
	Fallback bool
}

// Run scores, adjusts, gates and ranks every unranked recommendation of tenant.
func (p *Prioritizer) Run(ctx context.Context, tenant string) (Result, error) {
	recs, err := p.store.UnrankedRecommendations(ctx, tenant)
	if err != nil {
		return Result{}, fmt.Errorf("load unranked: %w", err)
	}
	if len(recs) == 0 {
		return Result{}, nil
	}
	log := p.logger.With(slog.String("tenant", tenant))

	scored := Score(recs, p.now())

	sigCtx := signals.Context{}
	if p.signals != nil {
		domains := make([]string, 0, len(recs))
		for _, r := range recs {
			domains = append(domains, r.Domain())
		}
		if sigCtx, err = p.signals.BuildContext(ctx, domains); err != nil {
			log.Warn("signal context unavailable", slog.Any("error", err))
			sigCtx = signals.Context{}
		}
	}

	adjustments, fallback := p.adjust(ctx, tenant, scored, sigCtx.Text, log)
	rankings := Rank(scored, adjustments, p.opts.DeltaStep, p.opts.DropThreshold)

	if _, err := p.store.SaveRankings(ctx, tenant, rankings); err != nil {
		return Result{}, fmt.Errorf("save rankings: %w", err)
	}

	res := Result{Fallback: fallback}
	for _, r := range rankings {
		if r.Rank != models.DroppedRank {
			res.Ranked++
			continue
		}
		res.Dropped++
		telemetry.RankingDrops.WithLabelValues(r.DropReason).Inc()
		log.Info("recommendation dropped",
			slog.String("recommendation_id", r.RecommendationID),
			slog.String("reason", r.DropReason),
			slog.Float64("final_score", r.FinalScore),
		)
		if p.emitter != nil {
			if _, err := p.emitter.Emit(ctx, models.Event{
				Tenant:    tenant,
				Type:      models.EventRecommendationDropped,
				DedupeKey: r.RecommendationID,
				Source:    "prioritizer",
				Payload: map[string]any{
					"recommendation_id": r.RecommendationID,
					"reason":            r.DropReason,
					"final_score":       r.FinalScore,
				},
			}); err != nil {
				return res, fmt.Errorf("emit drop event: %w", err)
			}
		}
	}

	if p.signals != nil {
		for _, r := range recs {
			ids := sigCtx.SignalIDs(r.Domain())
			if len(ids) == 0 {
				continue
			}
			if err := p.signals.RecordApplied(ctx, tenant, r.ID, ids); err != nil {
				return res, fmt.Errorf("record signal applications: %w", err)
			}
		}
	}

	log.Info("recommendations prioritized",
		slog.Int("ranked", res.Ranked),
		slog.Int("dropped", res.Dropped),
		slog.Bool("fallback", res.Fallback),
	)
	return res, nil
}

// adjust asks the model for deltas; any failure falls back to zero adjustment.
func (p *Prioritizer) adjust(ctx context.Context, tenant string, scored []Scored, signalText string, log *slog.Logger) (map[string]Adjustment, bool) {
	out := make(map[string]Adjustment, len(scored))
	if p.adjuster == nil {
		telemetry.AdjustFallbacks.Inc()
		return out, true
	}
	list, err := p.adjuster.Adjust(ctx, tenant, scored, signalText)
	if err != nil {
		telemetry.AdjustFallbacks.Inc()
		if errors.Is(err, completion.ErrUnavailable) {
			log.Debug("model adjustment disabled, using base scores")
		} else {
			log.Warn("model adjustment failed, using base scores", slog.Any("error", err))
		}
		return out, true
	}

	known := make(map[string]bool, len(scored))
	for _, s := range scored {
		known[s.Rec.ID] = true
	}
	for _, a := range list {
		if !known[a.ID] {
			log.Warn("model returned unknown recommendation id", slog.String("id", a.ID))
			continue
		}
		if _, dup := out[a.ID]; dup {
			continue
		}
		out[a.ID] = a
	}
	return out, false
}
