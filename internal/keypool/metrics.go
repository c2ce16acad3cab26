package keypool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	allocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keypool_allocations_total",
		Help: "Credential allocation attempts by result.",
	}, []string{"result"})

	expiredReservationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keypool_expired_reservations_total",
		Help: "Credentials reclaimed after a soft reservation outlived its caller.",
	})

	throttleWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "keypool_throttle_wait_seconds",
		Help:    "Time spent waiting in the throttle gate.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	tokensRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keypool_tokens_recorded_total",
		Help: "Tokens committed through the usage recorder.",
	})

	releasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keypool_releases_total",
		Help: "Credential releases by outcome.",
	}, []string{"outcome"})
)
