package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	itemsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qualitybots_work_items_enqueued_total",
		Help: "Total number of work items inserted",
	})

	leasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qualitybots_work_item_leases_total",
		Help: "Lease attempts by outcome",
	}, []string{"outcome"})

	finishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qualitybots_work_item_finishes_total",
		Help: "Finish reports by reported result and resulting status",
	}, []string{"result", "status"})

	requeuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qualitybots_work_item_requeues_total",
		Help: "Requeues of abandoned items by resulting status",
	}, []string{"status"})

	leaseDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qualitybots_lease_duration_seconds",
		Help:    "Time taken to lease a work item from the store",
		Buckets: prometheus.DefBuckets,
	})
)
