// Package metrics declares the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of http requests handled by the service.",
		},
		[]string{"path", "method", "code"},
	)

	// JobExecutionsTotal counts job runs by outcome: completed, retried or failed.
	JobExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_executions_total",
			Help: "Total number of background job executions.",
		},
		[]string{"job_name", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Duration of background job executions.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job_name"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Jobs waiting in the queue, delayed retries included.",
		},
	)

	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microtask_assignments_total",
			Help: "Assignment attempts by result.",
		},
		[]string{"result"},
	)

	AccountRegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_account_registrations_total",
			Help: "Payments account registrations by final status.",
		},
		[]string{"status"},
	)

	PayoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payouts_total",
			Help: "Per-worker payouts attempted inside bulk transactions.",
		},
		[]string{"status"},
	)

	StaleBulkTransactions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stale_bulk_transactions",
			Help: "Bulk transactions still INITIALISED past the staleness window at the last reconcile.",
		},
	)
)
