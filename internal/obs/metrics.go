// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Job queue / worker pool.
	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_enqueued_total",
		Help: "Total number of jobs enqueued, by type",
	}, []string{"type"})
	JobsClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_claimed_total",
		Help: "Total number of jobs claimed by a worker, by type",
	}, []string{"type"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of successfully completed jobs, by type",
	}, []string{"type"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of terminally failed jobs, by type",
	}, []string{"type"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_retried_total",
		Help: "Total number of job retry attempts, by type",
	}, []string{"type"})
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of job handler durations, by type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
	JobQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "job_queue_depth",
		Help: "Current number of jobs in a given status",
	}, []string{"status"})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines",
	})

	// Upstream adapter.
	UpstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_requests_total",
		Help: "Total upstream API requests, by endpoint and outcome",
	}, []string{"endpoint", "outcome"})
	UpstreamRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "upstream_request_duration_seconds",
		Help:    "Histogram of upstream API call durations, by endpoint",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"breaker"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a circuit breaker transitioned to Open",
	}, []string{"breaker"})
	RateLimiterWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rate_limiter_wait_seconds",
		Help:    "Time callers waited for an upstream adapter rate-limit token",
		Buckets: prometheus.DefBuckets,
	})

	// Instance lifecycle.
	InstanceStatusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "instance_status_transitions_total",
		Help: "Count of instance status transitions, by from and to status",
	}, []string{"from", "to"})
	InstancesByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "instances_by_status",
		Help: "Current number of tracked instances, by status",
	}, []string{"status"})

	// Migration engine.
	MigrationSweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "migration_sweeps_total",
		Help: "Total number of migration sweeps executed",
	})
	MigrationInstancesMigrated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "migration_instances_migrated_total",
		Help: "Total number of instances successfully migrated",
	})
	MigrationInstancesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "migration_instances_failed_total",
		Help: "Total number of instances that failed migration",
	})

	// Webhook dispatcher.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Total webhook delivery attempts, by outcome",
	}, []string{"outcome"})
	WebhookDeliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "webhook_delivery_duration_seconds",
		Help:    "Histogram of total webhook delivery time including retries",
		Buckets: prometheus.DefBuckets,
	})

	// Scheduler.
	SchedulerTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_ticks_total",
		Help: "Count of scheduler ticks, by driver and outcome",
	}, []string{"driver", "outcome"})
)

func init() {
	prometheus.MustRegister(
		JobsEnqueued, JobsClaimed, JobsCompleted, JobsFailed, JobsRetried,
		JobProcessingDuration, JobQueueDepth, WorkerActive,
		UpstreamRequests, UpstreamRequestDuration,
		CircuitBreakerState, CircuitBreakerTrips, RateLimiterWaitSeconds,
		InstanceStatusTransitions, InstancesByStatus,
		MigrationSweepsTotal, MigrationInstancesMigrated, MigrationInstancesFailed,
		WebhookDeliveriesTotal, WebhookDeliveryDuration,
		SchedulerTicks,
	)
}
