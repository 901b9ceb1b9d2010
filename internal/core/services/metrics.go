package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registry metrics
	agentsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_agents",
			Help: "Number of known agents by status",
		},
		[]string{"status"},
	)

	jobsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_jobs",
			Help: "Number of jobs in the registry by status",
		},
		[]string{"status"},
	)

	// Job metrics
	jobsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_jobs_created_total",
			Help: "Total number of jobs accepted",
		},
	)

	jobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_jobs_finished_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	jobsRequeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_jobs_requeued_total",
			Help: "Total number of jobs returned to pending after losing every agent",
		},
	)

	responseTimeSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coordinator_job_response_time_seconds",
			Help:    "Time from first assignment to the winning result",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// Dispatch metrics
	dispatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_dispatches_total",
			Help: "Total number of job to agent assignments",
		},
	)

	noCapacityTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_no_capacity_total",
			Help: "Dispatch attempts that found no agent with spare capacity",
		},
	)

	cancellationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_cancellations_total",
			Help: "JOB_CANCELLED notices sent to agents",
		},
		[]string{"reason"},
	)

	lateResultsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_late_results_total",
			Help: "Results received for jobs that were already resolved",
		},
	)

	notificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_notifications_dropped_total",
			Help: "Outbound envelopes that could not be handed to a transport",
		},
	)

	// Sweep metrics
	sweepRemovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_sweep_removals_total",
			Help: "Records removed or timed out by the periodic sweep",
		},
		[]string{"kind"},
	)

	// Persistence metrics
	snapshotSavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_snapshot_saves_total",
			Help: "Snapshot writes by outcome",
		},
		[]string{"result"},
	)
)
