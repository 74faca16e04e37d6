package channels

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var feedFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "qualitybots_channel_feed_fetches_total",
	Help: "Release feed downloads that missed the cache",
}, []string{"browser"})
