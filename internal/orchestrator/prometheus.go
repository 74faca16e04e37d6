package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qualitybots_runs_started_total",
		Help: "Test runs started",
	})

	runsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qualitybots_runs_expired_total",
		Help: "Test runs expired",
	})

	configsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qualitybots_configurations_skipped_total",
		Help: "Matrix cells left out of a run because their channel could not be resolved",
	})
)
