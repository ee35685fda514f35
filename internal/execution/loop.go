package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"autopilot/internal/events"
	"autopilot/internal/lock"
	"autopilot/internal/models"
	"autopilot/internal/telemetry"
)

// Store is what the loop reads and writes.
type Store interface {
	ApprovedDrafts(ctx context.Context, limit int) ([]models.ActionDraft, error)
	GetDraft(ctx context.Context, tenant, id string) (models.ActionDraft, error)
	CompleteExecution(ctx context.Context, draftID, finalStatus string, exec *models.ActionExecution) (bool, error)
}

// Locker keeps concurrent worker processes off the same draft.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*lock.Lease, error)
}

type Options struct {
	Interval  time.Duration
	BatchSize int
	LockTTL   time.Duration
}

// Loop executes approved drafts on a fixed interval.
type Loop struct {
	store     Store
	executors *Registry
	emitter   events.Emitter
	locker    Locker
	opts      Options
	logger    *slog.Logger
}

// NewLoop builds the loop. locker may be nil when only one worker process runs.
func NewLoop(st Store, reg *Registry, em events.Emitter, locker Locker, opts Options, logger *slog.Logger) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Minute
	}
	return &Loop{store: st, executors: reg, emitter: em, locker: locker, opts: opts, logger: logger}
}

// Run ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	l.logger.Info("execution loop started", slog.Duration("interval", l.opts.Interval))
	for {
		if _, err := l.RunOnce(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error("execution pass failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			l.logger.Info("execution loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Summary counts one pass.
type Summary struct {
	Executed int
	Stubbed  int
	Failed   int
	Skipped  int
}

// RunOnce performs a single pass over approved drafts.
func (l *Loop) RunOnce(ctx context.Context) (Summary, error) {
	drafts, err := l.store.ApprovedDrafts(ctx, l.opts.BatchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("load approved drafts: %w", err)
	}

	var sum Summary
	for _, d := range drafts {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		status, err := l.process(ctx, d)
		if err != nil {
			l.logger.Error("draft execution not recorded",
				slog.String("draft_id", d.ID),
				slog.String("tenant", d.Tenant),
				slog.Any("error", err),
			)
			sum.Skipped++
			continue
		}
		switch status {
		case models.ExecutionSuccess:
			sum.Executed++
		case models.ExecutionStubbed:
			sum.Stubbed++
		case models.ExecutionFailed:
			sum.Failed++
		default:
			sum.Skipped++
		}
	}
	return sum, nil
}

// process runs one draft and returns the execution status, or "" when the draft was
// left to someone else. The draft is re-read under the lease; the listed copy may
// predate another worker finishing it. LockTTL must outlast the slowest executor.
func (l *Loop) process(ctx context.Context, listed models.ActionDraft) (string, error) {
	if l.locker != nil {
		lease, err := l.locker.TryAcquire(ctx, "draft:"+listed.ID, l.opts.LockTTL)
		if err != nil {
			return "", fmt.Errorf("lock draft: %w", err)
		}
		if lease == nil {
			return "", nil
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				l.logger.Warn("release draft lock failed", slog.String("draft_id", listed.ID), slog.Any("error", err))
			}
		}()
	}

	d, err := l.store.GetDraft(ctx, listed.Tenant, listed.ID)
	if err != nil {
		return "", fmt.Errorf("reload draft: %w", err)
	}
	if d.Status != models.DraftApproved {
		return "", nil
	}

	log := l.logger.With(
		slog.String("draft_id", d.ID),
		slog.String("tenant", d.Tenant),
		slog.String("action_type", d.ActionType),
	)

	exec := &models.ActionExecution{Tenant: d.Tenant}
	finalStatus := models.DraftExecuted

	executor, ok := l.executors.Lookup(d.ActionType)
	if !ok {
		finalStatus = models.DraftExecutedStub
		exec.Status = models.ExecutionStubbed
		exec.Result = map[string]any{"reason": "no executor registered"}
	} else {
		res, err := invoke(ctx, executor, Request{
			Tenant:     d.Tenant,
			DraftID:    d.ID,
			ActionType: d.ActionType,
			Payload:    d.Payload,
		})
		switch {
		case err != nil:
			msg := "executor error: " + err.Error()
			exec.Status, exec.Error = models.ExecutionFailed, &msg
		case !res.Success:
			msg := res.Error
			if msg == "" {
				msg = "executor reported failure"
			}
			exec.Status, exec.Error, exec.Result = models.ExecutionFailed, &msg, res.Output
		default:
			exec.Status, exec.Result = models.ExecutionSuccess, res.Output
		}
	}

	done, err := l.store.CompleteExecution(ctx, d.ID, finalStatus, exec)
	if err != nil {
		return "", err
	}
	if !done {
		log.Info("draft already left approved, execution discarded")
		return "", nil
	}
	telemetry.Executions.WithLabelValues(exec.Status).Inc()

	payload := map[string]any{
		"draft_id":          d.ID,
		"recommendation_id": d.RecommendationID,
		"action_type":       d.ActionType,
		"status":            exec.Status,
		"success":           exec.Status != models.ExecutionFailed,
	}
	if exec.Error != nil {
		payload["error"] = *exec.Error
	}
	if _, err := l.emitter.Emit(ctx, models.Event{
		Tenant:    d.Tenant,
		Type:      models.EventActionExecuted,
		DedupeKey: d.ID,
		Source:    "execution",
		Payload:   payload,
	}); err != nil {
		log.Error("emit action_executed failed", slog.Any("error", err))
	}

	log.Info("draft executed", slog.String("status", exec.Status), slog.String("draft_status", finalStatus))
	return exec.Status, nil
}

// invoke calls the executor, converting a panic into a generic error.
func invoke(ctx context.Context, e Executor, req Request) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = Result{}, fmt.Errorf("executor panicked")
		}
	}()
	return e.Execute(ctx, req)
}
