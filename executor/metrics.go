package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teal",
		Subsystem: "executor",
		Name:      "statements_total",
		Help:      "Statements executed, partitioned by outcome.",
	}, []string{"status"})

	statementsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "teal",
		Subsystem: "executor",
		Name:      "statements_in_flight",
		Help:      "Statements submitted and not yet finished.",
	})

	queryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "teal",
		Subsystem: "executor",
		Name:      "statement_duration_seconds",
		Help:      "Wall time spent executing a statement.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
)
