package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taxiiview_refresh_total",
			Help: "Feed refreshes by outcome",
		},
		[]string{"feed", "outcome"},
	)

	RefreshObjects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taxiiview_refresh_objects_total",
			Help: "STIX objects merged into the indicator store",
		},
		[]string{"feed"},
	)

	RefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taxiiview_refresh_duration_seconds",
			Help:    "Time spent walking and merging one feed",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"feed"},
	)

	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taxiiview_requests_total",
			Help: "TAXII requests by endpoint and HTTP status",
		},
		[]string{"endpoint", "code"},
	)

	StoreIndicators = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taxiiview_store_indicators",
			Help: "Indicators currently held in the store",
		},
	)

	BloomFalsePositives = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taxiiview_bloom_false_positive_total",
			Help: "Bloom filter hits for ids not present in the store",
		},
	)
)

// Outcome label values for RefreshTotal.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
