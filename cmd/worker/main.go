package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"autopilot/internal/completion"
	"autopilot/internal/config"
	"autopilot/internal/drafts"
	"autopilot/internal/events"
	"autopilot/internal/execution"
	"autopilot/internal/executors"
	"autopilot/internal/handlers"
	"autopilot/internal/jobs"
	"autopilot/internal/lock"
	"autopilot/internal/logging"
	"autopilot/internal/outcomes"
	"autopilot/internal/prioritizer"
	"autopilot/internal/queue"
	"autopilot/internal/scheduler"
	"autopilot/internal/signals"
	"autopilot/internal/store"
	"autopilot/internal/telemetry"
	"autopilot/internal/worker"
)

func main() {
	_ = godotenv.Load()
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	rdb := queue.NewRedisClient(cfg)
	defer rdb.Close()
	q := queue.NewRedisQueue(rdb, cfg.Queue.Name, cfg.Queue.DLQName)
	locker := lock.NewRedisLocker(rdb, "lock:")

	enq := jobs.NewEnqueuer(st, q, logger)
	dispatcher := events.NewDispatcher(st, enq, logger)

	sig := signals.NewService(st, signals.Options{
		Limit:      cfg.Signals.Limit,
		CharBudget: cfg.Signals.CharBudget,
		HalfLife:   cfg.Signals.HalfLife,
		TTL:        cfg.Signals.TTL,
	}, logger)
	prio := prioritizer.New(st, sig, prioritizer.NewModelAdjuster(completion.New(cfg.Completion)), dispatcher, prioritizer.Options{
		DropThreshold: cfg.Scoring.DropThreshold,
		DeltaStep:     cfg.Scoring.DeltaStep,
	}, logger)

	registry := worker.NewRegistry()
	if err := handlers.Register(registry, handlers.Deps{
		Prioritizer: prio,
		Drafts:      drafts.NewGenerator(st, dispatcher, logger),
		Outcomes:    outcomes.NewMeasurer(st, dispatcher, cfg.Outcomes.MinAge, logger),
		Signals:     sig,
	}, logger); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	execRegistry := execution.NewRegistry()
	if err := executors.Register(ctx, execRegistry, cfg.Executors); err != nil {
		return fmt.Errorf("register executors: %w", err)
	}
	loop := execution.NewLoop(st, execRegistry, dispatcher, locker, execution.Options{
		Interval:  cfg.Execution.Interval,
		BatchSize: cfg.Execution.BatchSize,
		LockTTL:   cfg.Execution.LockTTL,
	}, logger)

	sched, err := scheduler.New(scheduler.DefaultTable(), enq, st, locker, logger)
	if err != nil {
		return err
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.Any("error", err))
		}
	}()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("loop exited", slog.String("loop", name), slog.Any("error", err))
			}
		}()
	}

	for i := 0; i < cfg.Queue.Consumers; i++ {
		c := worker.NewConsumer(q, st, registry, worker.Options{
			ID:             fmt.Sprintf("%s-%d", workerID, i),
			PopTimeout:     cfg.Queue.PopTimeout,
			MaxAttempts:    cfg.Queue.MaxAttempts,
			BackoffInitial: cfg.Queue.BackoffInitial,
			BackoffMax:     cfg.Queue.BackoffMax,
			RetryBatchSize: cfg.Queue.RetryBatchSize,
		}, logger)
		start("consumer", c.Run)
	}
	start("execution", loop.Run)
	start("scheduler", sched.Run)

	logger.Info("worker started",
		slog.String("worker_id", workerID),
		slog.Int("consumers", cfg.Queue.Consumers),
		slog.Any("job_types", registry.Types()),
		slog.Any("executors", execRegistry.Types()),
	)

	<-ctx.Done()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("worker stopped")
	return nil
}
