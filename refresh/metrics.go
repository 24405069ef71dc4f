package refresh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var refreshesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "oauth_refresh_sessions_total",
	Help: "Session refreshes attempted by the scheduler, by outcome",
}, []string{"outcome"})

var claimedItemsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "oauth_refresh_claimed_items_total",
	Help: "Items moved from the shared refresh queue into a worker queue",
})

var reclaimedItemsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "oauth_refresh_reclaimed_items_total",
	Help: "Items returned to the shared refresh queue from workers with stale heartbeats",
})

var tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "oauth_refresh_tick_duration_seconds",
	Help:    "A histogram of refresh scheduler tick latencies",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
})
