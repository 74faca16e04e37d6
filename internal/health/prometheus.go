package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	machinesReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qualitybots_machines_reclaimed_total",
		Help: "Unresponsive machines handled by the health sweep",
	}, []string{"action"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qualitybots_health_sweep_duration_seconds",
		Help:    "Duration of one health sweep",
		Buckets: prometheus.DefBuckets,
	})
)
