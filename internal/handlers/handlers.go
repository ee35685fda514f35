// Package handlers binds every job type to the service that performs it.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"autopilot/internal/drafts"
	"autopilot/internal/jobs"
	"autopilot/internal/outcomes"
	"autopilot/internal/prioritizer"
	"autopilot/internal/worker"
)

type Prioritizer interface {
	Run(ctx context.Context, tenant string) (prioritizer.Result, error)
}

type DraftGenerator interface {
	Generate(ctx context.Context, tenant, recommendationID string) (drafts.Result, error)
}

type OutcomeMeasurer interface {
	Measure(ctx context.Context, tenant string) (outcomes.Result, error)
}

type Signals interface {
	ApplyOutcome(ctx context.Context, tenant, recommendationID string, positive bool) error
	Extract(ctx context.Context, recommendationID string) (int, error)
	Decay(ctx context.Context) (int64, error)
}

// Deps are the services behind the job types.
type Deps struct {
	Prioritizer Prioritizer
	Drafts      DraftGenerator
	Outcomes    OutcomeMeasurer
	Signals     Signals
}

var errWrongPayload = errors.New("payload does not match job type")

// Register adds a handler for every job type to reg.
func Register(reg *worker.Registry, d Deps, logger *slog.Logger) error {
	h := &handlers{deps: d, logger: logger}
	table := map[string]worker.Handler{
		jobs.TypePrioritize:         h.prioritize,
		jobs.TypeGenerateDrafts:     h.generateDrafts,
		jobs.TypeMeasureOutcomes:    h.measureOutcomes,
		jobs.TypeApplySignalOutcome: h.applySignalOutcome,
		jobs.TypeExtractSignals:     h.extractSignals,
		jobs.TypeDecaySignals:       h.decaySignals,
	}
	for _, jobType := range jobs.Types() {
		handler, ok := table[jobType]
		if !ok {
			return fmt.Errorf("no handler for job type %q", jobType)
		}
		if err := reg.Register(jobType, handler); err != nil {
			return err
		}
	}
	return nil
}

type handlers struct {
	deps   Deps
	logger *slog.Logger
}

func (h *handlers) log(hc worker.HandlerContext) *slog.Logger {
	return h.logger.With(
		slog.String("job_id", hc.JobID),
		slog.String("job_type", hc.Type),
		slog.String("tenant", hc.Tenant),
	)
}

func requireTenant(hc worker.HandlerContext) error {
	if hc.Tenant == "" {
		return fmt.Errorf("%w: %s requires a tenant", jobs.ErrInvalidPayload, hc.Type)
	}
	return nil
}

func (h *handlers) prioritize(ctx context.Context, hc worker.HandlerContext) error {
	if err := requireTenant(hc); err != nil {
		return err
	}
	res, err := h.deps.Prioritizer.Run(ctx, hc.Tenant)
	if err != nil {
		return err
	}
	h.log(hc).Info("recommendations prioritized",
		slog.Int("ranked", res.Ranked),
		slog.Int("dropped", res.Dropped),
		slog.Bool("fallback", res.Fallback),
	)
	return nil
}

func (h *handlers) generateDrafts(ctx context.Context, hc worker.HandlerContext) error {
	if err := requireTenant(hc); err != nil {
		return err
	}
	p, ok := hc.Payload.(jobs.GenerateDraftsPayload)
	if !ok {
		return errWrongPayload
	}
	res, err := h.deps.Drafts.Generate(ctx, hc.Tenant, p.RecommendationID)
	if err != nil {
		return err
	}
	h.log(hc).Info("action drafts generated",
		slog.String("recommendation_id", p.RecommendationID),
		slog.Int("created", res.Created),
		slog.Int("auto_approved", res.AutoApproved),
		slog.Int("duplicates", res.Duplicates),
	)
	return nil
}

func (h *handlers) measureOutcomes(ctx context.Context, hc worker.HandlerContext) error {
	if err := requireTenant(hc); err != nil {
		return err
	}
	res, err := h.deps.Outcomes.Measure(ctx, hc.Tenant)
	if err != nil {
		return err
	}
	h.log(hc).Info("outcomes measured", slog.Int("measured", res.Measured), slog.Int("skipped", res.Skipped))
	return nil
}

func (h *handlers) applySignalOutcome(ctx context.Context, hc worker.HandlerContext) error {
	if err := requireTenant(hc); err != nil {
		return err
	}
	p, ok := hc.Payload.(jobs.ApplySignalOutcomePayload)
	if !ok || p.Positive == nil {
		return errWrongPayload
	}
	return h.deps.Signals.ApplyOutcome(ctx, hc.Tenant, p.RecommendationID, *p.Positive)
}

func (h *handlers) extractSignals(ctx context.Context, hc worker.HandlerContext) error {
	p, ok := hc.Payload.(jobs.ExtractSignalsPayload)
	if !ok {
		return errWrongPayload
	}
	n, err := h.deps.Signals.Extract(ctx, p.RecommendationID)
	if err != nil {
		return err
	}
	h.log(hc).Debug("extraction pass finished", slog.Int("extracted", n))
	return nil
}

func (h *handlers) decaySignals(ctx context.Context, hc worker.HandlerContext) error {
	_, err := h.deps.Signals.Decay(ctx)
	return err
}
