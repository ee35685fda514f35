package drafts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"autopilot/internal/events"
	"autopilot/internal/models"
	"autopilot/internal/store"
)

// AutoApprover is recorded as the approver of drafts passed by the execution rules.
const AutoApprover = "auto"

// Store is what draft generation reads and writes.
type Store interface {
	GetRecommendation(ctx context.Context, tenant, id string) (models.Recommendation, error)
	ExecutionRules(ctx context.Context, tenant string) (*models.ExecutionRules, error)
	InsertDraft(ctx context.Context, d *models.ActionDraft) (bool, error)
}

// Generator turns a recommendation's action specs into drafts.
type Generator struct {
	store   Store
	emitter events.Emitter
	logger  *slog.Logger
}

func NewGenerator(st Store, em events.Emitter, logger *slog.Logger) *Generator {
	return &Generator{store: st, emitter: em, logger: logger}
}

// ActionSpec is one entry of a recommendation's data["actions"] list.
type ActionSpec struct {
	Type       string
	Risk       string
	Confidence float64
	Payload    map[string]any
}

// ParseActions reads data["actions"]. Entries without a type are skipped; a missing risk is
// treated as high and a missing confidence inherits fallback.
func ParseActions(data map[string]any, fallback float64) []ActionSpec {
	raw, _ := data["actions"].([]any)
	out := make([]ActionSpec, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		typ, _ := m["type"].(string)
		if typ == "" {
			continue
		}
		spec := ActionSpec{Type: typ, Risk: models.RiskHigh, Confidence: fallback}
		if risk, ok := m["risk"].(string); ok && risk != "" {
			spec.Risk = risk
		}
		if c, ok := m["confidence"].(float64); ok {
			spec.Confidence = c
		}
		if p, ok := m["payload"].(map[string]any); ok {
			spec.Payload = p
		}
		out = append(out, spec)
	}
	return out
}

// ShouldAutoApprove applies the tenant's execution rules to a fresh draft.
func ShouldAutoApprove(rules *models.ExecutionRules, d models.ActionDraft) bool {
	if rules == nil || !rules.AutoExecute {
		return false
	}
	if d.Confidence < rules.MinConfidence {
		return false
	}
	if models.RiskOrdinal(d.RiskLevel) > models.RiskOrdinal(rules.MaxRisk) {
		return false
	}
	if len(rules.AllowedActionTypes) > 0 && !slices.Contains(rules.AllowedActionTypes, d.ActionType) {
		return false
	}
	return true
}

// Result counts what one Generate call did.
type Result struct {
	Created      int
	AutoApproved int
	Duplicates   int
}

// Generate creates one draft per action spec of the recommendation. A missing
// recommendation or an empty action list is a skip, not an error.
func (g *Generator) Generate(ctx context.Context, tenant, recommendationID string) (Result, error) {
	log := g.logger.With(slog.String("tenant", tenant), slog.String("recommendation_id", recommendationID))

	rec, err := g.store.GetRecommendation(ctx, tenant, recommendationID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("recommendation not found, no drafts generated")
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}
	specs := ParseActions(rec.Data, rec.Confidence)
	if len(specs) == 0 {
		log.Debug("recommendation has no actions")
		return Result{}, nil
	}

	rules, err := g.store.ExecutionRules(ctx, tenant)
	if err != nil {
		return Result{}, fmt.Errorf("load execution rules: %w", err)
	}

	var res Result
	for _, spec := range specs {
		d := models.ActionDraft{
			Tenant:           tenant,
			RecommendationID: rec.ID,
			ActionType:       spec.Type,
			RiskLevel:        spec.Risk,
			Confidence:       spec.Confidence,
			Payload:          spec.Payload,
			Status:           models.DraftPending,
		}
		auto := ShouldAutoApprove(rules, d)
		if auto {
			approver := AutoApprover
			d.Status = models.DraftApproved
			d.ApprovedBy = &approver
		}

		created, err := g.store.InsertDraft(ctx, &d)
		if err != nil {
			return res, err
		}
		if !created {
			// an earlier delivery may have stored the draft and failed to announce it
			res.Duplicates++
			if err := g.announce(ctx, d, autoApproved(d)); err != nil {
				return res, err
			}
			continue
		}
		res.Created++
		if auto {
			res.AutoApproved++
		}
		if err := g.announce(ctx, d, auto); err != nil {
			return res, err
		}
		log.Info("draft created",
			slog.String("draft_id", d.ID),
			slog.String("action_type", d.ActionType),
			slog.String("risk", d.RiskLevel),
			slog.String("status", d.Status),
		)
	}
	return res, nil
}

// announce emits draft_created and, for auto-approved drafts, draft_auto_approved.
// Both are keyed on the draft id, so repeating them is harmless.
func (g *Generator) announce(ctx context.Context, d models.ActionDraft, auto bool) error {
	if err := g.emit(ctx, models.EventDraftCreated, d); err != nil {
		return err
	}
	if auto {
		return g.emit(ctx, models.EventDraftAutoApproved, d)
	}
	return nil
}

func autoApproved(d models.ActionDraft) bool {
	return d.ApprovedBy != nil && *d.ApprovedBy == AutoApprover
}

func (g *Generator) emit(ctx context.Context, eventType string, d models.ActionDraft) error {
	_, err := g.emitter.Emit(ctx, models.Event{
		Tenant:    d.Tenant,
		Type:      eventType,
		DedupeKey: d.ID,
		Source:    "drafts",
		Payload: map[string]any{
			"draft_id":          d.ID,
			"recommendation_id": d.RecommendationID,
			"action_type":       d.ActionType,
			"risk_level":        d.RiskLevel,
			"status":            d.Status,
		},
	})
	if err != nil {
		return fmt.Errorf("emit %s: %w", eventType, err)
	}
	return nil
}
