package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "teal",
		Subsystem: "engine",
		Name:      "read_bytes_total",
		Help:      "Bytes read from client sockets.",
	})

	bytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "teal",
		Subsystem: "engine",
		Name:      "written_bytes_total",
		Help:      "Bytes written to client sockets.",
	})

	packetsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "teal",
		Subsystem: "engine",
		Name:      "packets_total",
		Help:      "Packets parsed and dispatched to the handler.",
	})
)
