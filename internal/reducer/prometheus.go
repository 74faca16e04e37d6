package reducer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunksUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qualitybots_render_chunks_uploaded_total",
		Help: "Layout table parts uploaded by workers",
	})

	pairsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qualitybots_comparisons_created_total",
		Help: "Test renders paired with their reference render",
	})

	partsComputed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qualitybots_delta_parts_computed_total",
		Help: "Layout slices diffed",
	})

	scoresComputed = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qualitybots_comparison_score",
		Help:    "Distribution of computed layout scores",
		Buckets: []float64{50, 75, 90, 95, 98, 99, 99.5, 100},
	})
)
