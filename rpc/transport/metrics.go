package transport

import (
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

var (
	openConnections atomic.Int64

	_ = metrics.NewGauge("dlock_connections", func() float64 {
		return float64(openConnections.Load())
	})
	connectionsTotal = metrics.NewCounter("dlock_connections_total")
	pushesTotal      = metrics.NewCounter("dlock_pushes_total")
)

// ConnectionOpened records a newly accepted connection
func ConnectionOpened() {
	openConnections.Add(1)
	connectionsTotal.Inc()
}

// ConnectionClosed records a closed connection
func ConnectionClosed() {
	openConnections.Add(-1)
}

// Pushed records a message pushed to a client
func Pushed() {
	pushesTotal.Inc()
}

// OpenConnections returns the number of currently open connections
func OpenConnections() int64 {
	return openConnections.Load()
}
