// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_completed_total",
			Help: "Total number of jobs completed by job type",
		},
		[]string{"job_type"},
	)

	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_failed_total",
			Help: "Total number of jobs failed by job type and error code",
		},
		[]string{"job_type", "error_code"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "dispatch_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"job_type"},
	)

	JobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_jobs_active",
			Help: "Number of jobs currently being processed",
		},
		[]string{"job_type"},
	)

	JobsRequeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_requeued_total",
			Help: "Total number of jobs requeued by reason",
		},
		[]string{"job_type", "reason"},
	)

	MessagesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_messages_total",
			Help: "Total number of per-recipient send attempts by outcome",
		},
		[]string{"status"},
	)

	CampaignsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_campaigns_completed_total",
			Help: "Total number of campaigns transitioned to completed",
		},
	)
)
