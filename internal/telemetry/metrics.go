package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued       = prometheus.NewCounter(prometheus.CounterOpts{Name: "coord_jobs_enqueued_total", Help: "Jobs inserted into the queue"})
	JobsDequeued       = prometheus.NewCounter(prometheus.CounterOpts{Name: "coord_jobs_dequeued_total", Help: "Jobs claimed by a consumer"})
	JobsCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "coord_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried        = prometheus.NewCounter(prometheus.CounterOpts{Name: "coord_jobs_retried_total", Help: "Failed attempts rescheduled with backoff"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "coord_jobs_failed_total", Help: "Jobs that exhausted their attempts"})
	JobsStaleRequeued  = prometheus.NewCounter(prometheus.CounterOpts{Name: "coord_jobs_stale_requeued_total", Help: "Processing jobs reclaimed after the visibility timeout"})
	JobsPurged         = prometheus.NewCounter(prometheus.CounterOpts{Name: "coord_jobs_purged_total", Help: "Terminal jobs removed by the retention sweep"})
	QueueDepth         = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "coord_queue_jobs", Help: "Jobs per status"}, []string{"status"})
	InFlight           = prometheus.NewGauge(prometheus.GaugeOpts{Name: "coord_worker_inflight", Help: "Jobs currently executing in this process"})
	RateLimitDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "coord_rate_limit_decisions_total", Help: "Rate limiter decisions"}, []string{"decision"})
	RateLimitFailOpen  = prometheus.NewCounter(prometheus.CounterOpts{Name: "coord_rate_limit_fail_open_total", Help: "Requests allowed because the limiter store failed"})
	SecretCache        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "coord_secret_cache_total", Help: "Secret cache lookups"}, []string{"result"})
	SecretAuditErrors  = prometheus.NewCounter(prometheus.CounterOpts{Name: "coord_secret_audit_errors_total", Help: "Best-effort access audit writes that failed"})
	SecretsDueRotation = prometheus.NewGauge(prometheus.GaugeOpts{Name: "coord_secrets_due_rotation", Help: "Active secrets older than the rotation age"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsDequeued,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsStaleRequeued,
			JobsPurged,
			QueueDepth,
			InFlight,
			RateLimitDecisions,
			RateLimitFailOpen,
			SecretCache,
			SecretAuditErrors,
			SecretsDueRotation,
		)
	})
	return promhttp.Handler()
}
