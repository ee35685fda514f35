package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"autopilot/internal/jobs"
	"autopilot/internal/models"
	"autopilot/internal/store"
	"autopilot/internal/telemetry"
)

// ReasonMaxAttempts is recorded on jobs that were dead-lettered before running.
const ReasonMaxAttempts = "max attempts exceeded"

// JobStore is the slice of the store the consumer mutates.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkRunning(ctx context.Context, id string) error
	MarkSucceeded(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, attempts int, lastErr string) error
	MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error
}

// Queue is the slice of the Redis queue the consumer drives.
type Queue interface {
	Pop(ctx context.Context, consumerID string, timeout time.Duration) ([]byte, error)
	Ack(ctx context.Context, consumerID string, raw []byte) error
	ScheduleRetry(ctx context.Context, consumerID string, raw []byte, runAt time.Time) error
	DeadLetter(ctx context.Context, consumerID string, raw []byte) error
	PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error)
	RecoverProcessing(ctx context.Context, consumerID string) (int, error)
	Depth(ctx context.Context) (int64, error)
}

// Options tune one consumer.
type Options struct {
	ID             string
	PopTimeout     time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	RetryBatchSize int
}

// Consumer pops messages, runs their handler and classifies the result into
// success, retry or dead-letter.
type Consumer struct {
	queue    Queue
	store    JobStore
	registry *Registry
	opts     Options
	logger   *slog.Logger
}

func NewConsumer(q Queue, st JobStore, reg *Registry, opts Options, logger *slog.Logger) *Consumer {
	if opts.ID == "" {
		opts.ID = "consumer-0"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = 5 * time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.RetryBatchSize <= 0 {
		opts.RetryBatchSize = 100
	}
	return &Consumer{
		queue:    q,
		store:    st,
		registry: reg,
		opts:     opts,
		logger:   logger.With(slog.String("consumer", opts.ID)),
	}
}

// Run starts the consumer loop until context cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	if n, err := c.queue.RecoverProcessing(ctx, c.opts.ID); err != nil {
		c.logger.Warn("recover processing list failed", slog.Any("error", err))
	} else if n > 0 {
		c.logger.Info("requeued unacked messages", slog.Int("count", n))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := c.queue.PromoteDue(ctx, time.Now(), int64(c.opts.RetryBatchSize)); err != nil && ctx.Err() == nil {
			c.logger.Warn("promote retries failed", slog.Any("error", err))
		}
		if depth, err := c.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		raw, err := c.queue.Pop(ctx, c.opts.ID, c.opts.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("pop failed", slog.Any("error", err))
			sleep(ctx, time.Second)
			continue
		}
		if raw == nil {
			continue
		}
		c.Process(ctx, raw)
	}
}

// Process handles a single popped message. It never returns an error: every outcome is
// recorded on the job row, the queue and the logs.
func (c *Consumer) Process(ctx context.Context, raw []byte) {
	env, err := jobs.ParseEnvelope(raw)
	if err != nil {
		c.drop(ctx, raw, "malformed", slog.Any("error", err))
		return
	}
	log := c.logger.With(slog.String("job_id", env.JobID), slog.String("job_type", env.Type))

	job, err := c.store.GetJob(ctx, env.JobID)
	if errors.Is(err, store.ErrNotFound) {
		c.drop(ctx, raw, "job_not_found", slog.String("job_id", env.JobID))
		return
	}
	if err != nil {
		// Store unavailable: park the message without charging an attempt.
		log.Error("load job failed", slog.Any("error", err))
		c.retryLater(ctx, raw, job.Attempts, log)
		return
	}
	if job.Terminal() {
		log.Info("job already terminal, skipping redelivery", slog.String("status", job.Status))
		c.ack(ctx, raw, log)
		return
	}

	handler, ok := c.registry.Lookup(env.Type)
	if !ok {
		c.failPolicy(ctx, raw, job, "unknown_type", fmt.Sprintf("%s: %q", jobs.ErrUnknownType, env.Type), log)
		return
	}
	payload, err := jobs.Decode(env.Type, env.Payload)
	if err != nil {
		c.failPolicy(ctx, raw, job, "invalid_payload", err.Error(), log)
		return
	}

	if job.Attempts >= c.opts.MaxAttempts {
		c.deadLetter(ctx, raw, job, job.Attempts, ReasonMaxAttempts, log)
		return
	}

	if err := c.store.MarkRunning(ctx, job.ID); err != nil {
		log.Error("mark running failed", slog.Any("error", err))
		c.retryLater(ctx, raw, job.Attempts, log)
		return
	}

	telemetry.InFlightGauge.Inc()
	start := time.Now()
	err = c.invoke(ctx, handler, HandlerContext{
		JobID:   job.ID,
		Tenant:  job.TenantID(),
		Type:    env.Type,
		Payload: payload,
		Attempt: job.Attempts + 1,
	})
	telemetry.InFlightGauge.Dec()

	if err == nil {
		if markErr := c.store.MarkSucceeded(ctx, job.ID); markErr != nil {
			log.Error("mark succeeded failed", slog.Any("error", markErr))
		}
		c.ack(ctx, raw, log)
		telemetry.JobsSucceeded.WithLabelValues(env.Type).Inc()
		log.Info("job succeeded", slog.Duration("took", time.Since(start)))
		return
	}

	attempts := job.Attempts + 1
	if attempts >= c.opts.MaxAttempts {
		c.deadLetter(ctx, raw, job, attempts, err.Error(), log)
		return
	}

	if markErr := c.store.MarkRetry(ctx, job.ID, attempts, err.Error()); markErr != nil {
		log.Error("mark retry failed", slog.Any("error", markErr))
	}
	c.retryLater(ctx, raw, attempts, log)
	telemetry.JobsRetried.WithLabelValues(env.Type).Inc()
	log.Warn("job failed, retry scheduled",
		slog.Int("attempts", attempts),
		slog.Any("error", err),
	)
}

// invoke runs the handler, turning a panic into an ordinary failure.
func (c *Consumer) invoke(ctx context.Context, h Handler, hc HandlerContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, hc)
}

func (c *Consumer) retryLater(ctx context.Context, raw []byte, attempts int, log *slog.Logger) {
	runAt := time.Now().Add(backoffWithJitter(c.opts.BackoffInitial, c.opts.BackoffMax, attempts))
	if err := c.queue.ScheduleRetry(ctx, c.opts.ID, raw, runAt); err != nil {
		log.Error("schedule retry failed", slog.Any("error", err))
	}
}

func (c *Consumer) deadLetter(ctx context.Context, raw []byte, job models.Job, attempts int, reason string, log *slog.Logger) {
	if err := c.store.MarkFailed(ctx, job.ID, attempts, reason); err != nil {
		log.Error("mark failed failed", slog.Any("error", err))
	}
	if err := c.queue.DeadLetter(ctx, c.opts.ID, raw); err != nil {
		log.Error("dead-letter failed", slog.Any("error", err))
	}
	telemetry.JobsDeadLettered.WithLabelValues(job.Type).Inc()
	log.Error("job dead-lettered", slog.Int("attempts", attempts), slog.String("reason", reason))
}

// failPolicy terminates a job that no retry can fix and drops its message.
func (c *Consumer) failPolicy(ctx context.Context, raw []byte, job models.Job, reason, detail string, log *slog.Logger) {
	if err := c.store.MarkFailed(ctx, job.ID, job.Attempts, detail); err != nil {
		log.Error("mark failed failed", slog.Any("error", err))
	}
	c.drop(ctx, raw, reason, slog.String("job_id", job.ID), slog.String("detail", detail))
}

func (c *Consumer) drop(ctx context.Context, raw []byte, reason string, attrs ...any) {
	telemetry.MessagesDropped.WithLabelValues(reason).Inc()
	c.logger.Warn("message dropped", append([]any{slog.String("reason", reason)}, attrs...)...)
	c.ack(ctx, raw, c.logger)
}

func (c *Consumer) ack(ctx context.Context, raw []byte, log *slog.Logger) {
	if err := c.queue.Ack(ctx, c.opts.ID, raw); err != nil {
		log.Error("ack failed", slog.Any("error", err))
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
