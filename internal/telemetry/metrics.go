package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_enqueued_total", Help: "Jobs handed to the broker"}, []string{"queue"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"queue"})
	JobsRetried      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_retried_total", Help: "Jobs that failed and were rescheduled"}, []string{"queue"})
	JobsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_dead_letter_total", Help: "Jobs moved to the dead set"}, []string{"queue"})
	QueueDepth       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Ready queue depth"}, []string{"queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_jobs_inflight", Help: "Jobs currently leased"})

	EnrichmentsReady  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_enrichments_ready_total", Help: "Accounts that reached READY"})
	EnrichmentsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_enrichments_failed_total", Help: "Accounts that reached FAILED"}, []string{"reason"})
	PollAttempts      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_insight_polls_total", Help: "Statement insight poll attempts"})
	Deliveries        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_webhook_deliveries_total", Help: "Outbound webhook delivery attempts"}, []string{"result"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Inbound requests rejected by the rate limiter"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsDeadLettered,
			QueueDepth,
			InFlightGauge,
			EnrichmentsReady,
			EnrichmentsFailed,
			PollAttempts,
			Deliveries,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
