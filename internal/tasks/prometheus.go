package tasks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksDeferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qualitybots_tasks_deferred_total",
		Help: "Total number of deferred tasks created",
	}, []string{"task"})

	tasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qualitybots_tasks_completed_total",
		Help: "Task executions by outcome",
	}, []string{"task", "status"})

	tasksReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qualitybots_tasks_reclaimed_total",
		Help: "Tasks recovered from expired leases",
	})

	claimDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qualitybots_task_claim_duration_seconds",
		Help:    "Time taken to claim a task from the store",
		Buckets: prometheus.DefBuckets,
	})

	execDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qualitybots_task_exec_duration_seconds",
		Help:    "Time taken to run a task handler",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})
)
