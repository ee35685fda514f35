package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autopilot_jobs_enqueued_total", Help: "Jobs enqueued by type"}, []string{"type"})
	JobsSucceeded    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autopilot_jobs_succeeded_total", Help: "Jobs completed successfully"}, []string{"type"})
	JobsRetried      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autopilot_jobs_retried_total", Help: "Job failures scheduled for retry"}, []string{"type"})
	JobsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autopilot_jobs_dead_lettered_total", Help: "Jobs moved to the dead-letter list"}, []string{"type"})
	MessagesDropped  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autopilot_messages_dropped_total", Help: "Queue messages dropped without retry"}, []string{"reason"})
	EventsEmitted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autopilot_events_emitted_total", Help: "Domain events persisted"}, []string{"type"})
	EventsDuplicate  = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_events_duplicate_total", Help: "Domain events swallowed by the dedupe key"})
	Executions       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autopilot_action_executions_total", Help: "Action executions by status"}, []string{"status"})
	RankingDrops     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autopilot_ranking_drops_total", Help: "Recommendations removed by the relevance gate"}, []string{"reason"})
	AdjustFallbacks  = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_adjustment_fallbacks_total", Help: "Prioritizer runs that fell back to base scores"})
	CronFirings      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autopilot_cron_firings_total", Help: "Cron entry firings by outcome"}, []string{"entry", "outcome"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "autopilot_api_rate_limited_total", Help: "API requests rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "autopilot_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "autopilot_jobs_inflight", Help: "Jobs currently held by consumers"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsSucceeded,
			JobsRetried,
			JobsDeadLettered,
			MessagesDropped,
			EventsEmitted,
			EventsDuplicate,
			Executions,
			RankingDrops,
			AdjustFallbacks,
			CronFirings,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
