package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"autopilot/internal/jobs"
	"autopilot/internal/models"
	"autopilot/internal/telemetry"
)

// Store persists events and looks up the rules they trigger.
type Store interface {
	InsertEvent(ctx context.Context, ev *models.Event) (bool, error)
	MatchingRules(ctx context.Context, tenant, eventType string) ([]models.EventRule, error)
}

// Enqueuer validates and enqueues a follow-on job.
type Enqueuer interface {
	EnqueueMap(ctx context.Context, tenant, jobType string, payload map[string]any) (models.Job, error)
}

// Emitter is what handlers use to publish domain events.
type Emitter interface {
	Emit(ctx context.Context, ev models.Event) (bool, error)
}

// Dispatcher persists domain events once and enqueues the jobs their rules name.
type Dispatcher struct {
	store    Store
	enqueuer Enqueuer
	logger   *slog.Logger
}

func NewDispatcher(st Store, enq Enqueuer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: st, enqueuer: enq, logger: logger}
}

// Emit stores ev and fans it out. A repeated (tenant, type, dedupe key) is swallowed and
// reported as false with no error.
func (d *Dispatcher) Emit(ctx context.Context, ev models.Event) (bool, error) {
	if ev.Type == "" || ev.DedupeKey == "" {
		return false, errors.New("event type and dedupe key are required")
	}
	inserted, err := d.store.InsertEvent(ctx, &ev)
	if err != nil {
		return false, fmt.Errorf("persist event %s: %w", ev.Type, err)
	}
	log := d.logger.With(
		slog.String("event_type", ev.Type),
		slog.String("tenant", ev.Tenant),
		slog.String("dedupe_key", ev.DedupeKey),
	)
	if !inserted {
		telemetry.EventsDuplicate.Inc()
		log.Debug("duplicate event swallowed")
		return false, nil
	}
	telemetry.EventsEmitted.WithLabelValues(ev.Type).Inc()

	rules, err := d.store.MatchingRules(ctx, ev.Tenant, ev.Type)
	if err != nil {
		return true, fmt.Errorf("load rules for %s: %w", ev.Type, err)
	}

	var errs []error
	for _, rule := range rules {
		if !Matches(rule.Conditions, ev.Payload) {
			continue
		}
		job, err := d.enqueuer.EnqueueMap(ctx, ev.Tenant, rule.JobType, JobPayload(ev))
		if errors.Is(err, jobs.ErrInvalidPayload) || errors.Is(err, jobs.ErrUnknownType) {
			// The rule cannot produce a valid job from this event; retrying will not help.
			log.Warn("rule skipped", slog.String("rule_id", rule.ID), slog.Any("error", err))
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
			continue
		}
		log.Info("rule fired",
			slog.String("rule_id", rule.ID),
			slog.String("job_type", rule.JobType),
			slog.String("job_id", job.ID),
		)
	}
	return true, errors.Join(errs...)
}

// JobPayload derives a follow-on job payload from an event.
func JobPayload(ev models.Event) map[string]any {
	out := make(map[string]any, len(ev.Payload)+1)
	for k, v := range ev.Payload {
		out[k] = v
	}
	out["event_id"] = ev.ID
	return out
}

// Matches reports whether every condition key is present in payload with an equal value.
// Numbers compare by value regardless of their Go type.
func Matches(conditions, payload map[string]any) bool {
	for k, want := range conditions {
		got, ok := payload[k]
		if !ok || !equal(want, got) {
			return false
		}
	}
	return true
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	default:
		return 0, false
	}
}
