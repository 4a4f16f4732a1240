package teal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "teal",
		Subsystem: "server",
		Name:      "connections_total",
		Help:      "Connections accepted since start.",
	})

	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "teal",
		Subsystem: "server",
		Name:      "active_connections",
		Help:      "Connections currently served.",
	})
)
