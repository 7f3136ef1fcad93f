package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskd_jobs_enqueued_total", Help: "Jobs accepted into the queue"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskd_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskd_jobs_failed_total", Help: "Jobs that exhausted retries or hit a permanent failure"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskd_jobs_retried_total", Help: "Retry re-enqueues"})
	SchedulerFires   = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskd_scheduler_fires_total", Help: "Task triggers fired"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "taskd_rate_limit_rejects_total", Help: "API requests rejected by the rate limiter"})
	QueueDepth       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "taskd_queue_depth", Help: "Queued entries across all priority tiers"})
	JobsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "taskd_jobs_inflight", Help: "Jobs currently executing"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			SchedulerFires,
			RateLimitRejects,
			QueueDepth,
			JobsInFlight,
		)
	})
	return promhttp.Handler()
}
