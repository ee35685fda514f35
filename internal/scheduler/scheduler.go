// Package scheduler fires the fixed cron table, fanning each entry out to per-tenant or
// system-wide jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"autopilot/internal/jobs"
	"autopilot/internal/lock"
	"autopilot/internal/models"
	"autopilot/internal/telemetry"
)

type FanOut int

const (
	PerTenant FanOut = iota
	SystemWide
)

func (f FanOut) String() string {
	if f == SystemWide {
		return "system"
	}
	return "tenant"
}

// Entry is one row of the cron table.
type Entry struct {
	Name    string
	Spec    string
	JobType string
	FanOut  FanOut
}

// DefaultTable is the schedule every worker process runs. Times are UTC.
func DefaultTable() []Entry {
	return []Entry{
		{Name: "prioritize", Spec: "0 */6 * * *", JobType: jobs.TypePrioritize, FanOut: PerTenant},
		{Name: "measure_outcomes", Spec: "30 3 * * *", JobType: jobs.TypeMeasureOutcomes, FanOut: PerTenant},
		{Name: "extract_signals", Spec: "0 4 * * *", JobType: jobs.TypeExtractSignals, FanOut: SystemWide},
		{Name: "decay_signals", Spec: "15 0 * * *", JobType: jobs.TypeDecaySignals, FanOut: SystemWide},
	}
}

type Enqueuer interface {
	Enqueue(ctx context.Context, tenant string, p jobs.Payload) (models.Job, error)
}

type TenantLister interface {
	ActiveTenants(ctx context.Context) ([]string, error)
}

// Locker makes one process win each tick when several workers run the same table.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*lock.Lease, error)
}

// Scheduler owns a cron.Cron instance loaded with the table.
type Scheduler struct {
	cron    *cron.Cron
	entries []Entry
	enq     Enqueuer
	tenants TenantLister
	locker  Locker
	lockTTL time.Duration
	logger  *slog.Logger
}

// New validates every expression up front. locker may be nil for a single worker.
func New(table []Entry, enq Enqueuer, tenants TenantLister, locker Locker, logger *slog.Logger) (*Scheduler, error) {
	for _, e := range table {
		if _, err := cron.ParseStandard(e.Spec); err != nil {
			return nil, fmt.Errorf("cron entry %s: %w", e.Name, err)
		}
		if !jobs.Known(e.JobType) {
			return nil, fmt.Errorf("cron entry %s: %w: %q", e.Name, jobs.ErrUnknownType, e.JobType)
		}
	}
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		entries: table,
		enq:     enq,
		tenants: tenants,
		locker:  locker,
		lockTTL: 30 * time.Minute,
		logger:  logger,
	}, nil
}

// Run registers the table and blocks until ctx is cancelled. Jobs already firing are
// allowed to finish before it returns.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, e := range s.entries {
		entry := e
		if _, err := s.cron.AddFunc(entry.Spec, func() {
			tick := time.Now().UTC().Truncate(time.Minute)
			if _, err := s.Fire(ctx, entry, tick); err != nil {
				s.logger.Error("cron firing failed", slog.String("entry", entry.Name), slog.Any("error", err))
			}
		}); err != nil {
			return fmt.Errorf("register cron entry %s: %w", entry.Name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("entries", len(s.entries)))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

// Fire enqueues the jobs for one tick of entry and returns how many were enqueued.
// A tick already claimed by another process enqueues nothing.
func (s *Scheduler) Fire(ctx context.Context, e Entry, tick time.Time) (int, error) {
	log := s.logger.With(slog.String("entry", e.Name), slog.Time("tick", tick))

	if s.locker != nil {
		key := fmt.Sprintf("cron:%s:%d", e.Name, tick.Unix())
		lease, err := s.locker.TryAcquire(ctx, key, s.lockTTL)
		if err != nil {
			telemetry.CronFirings.WithLabelValues(e.Name, "error").Inc()
			return 0, fmt.Errorf("claim tick: %w", err)
		}
		if lease == nil {
			telemetry.CronFirings.WithLabelValues(e.Name, "claimed_elsewhere").Inc()
			log.Debug("tick claimed by another worker")
			return 0, nil
		}
		// the lease is left to expire so late peers still see the tick as taken
	}

	payload, err := jobs.DecodeMap(e.JobType, nil)
	if err != nil {
		return 0, err
	}

	targets := []string{""}
	if e.FanOut == PerTenant {
		targets, err = s.tenants.ActiveTenants(ctx)
		if err != nil {
			telemetry.CronFirings.WithLabelValues(e.Name, "error").Inc()
			return 0, fmt.Errorf("list tenants: %w", err)
		}
	}

	var errs []error
	enqueued := 0
	for _, tenant := range targets {
		if _, err := s.enq.Enqueue(ctx, tenant, payload); err != nil {
			errs = append(errs, fmt.Errorf("tenant %q: %w", tenant, err))
			continue
		}
		enqueued++
	}

	outcome := "ok"
	if len(errs) > 0 {
		outcome = "partial"
	}
	telemetry.CronFirings.WithLabelValues(e.Name, outcome).Inc()
	log.Info("cron fired",
		slog.String("job_type", e.JobType),
		slog.String("fan_out", e.FanOut.String()),
		slog.Int("enqueued", enqueued),
		slog.Int("failed", len(errs)),
	)
	return enqueued, errors.Join(errs...)
}
