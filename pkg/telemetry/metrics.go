package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"chatrelay/pkg/store"
)

var (
	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_ws_connections",
			Help: "Number of open websocket connections.",
		},
	)

	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_ws_events_total",
			Help: "Client events accepted, by event name.",
		},
		[]string{"event"},
	)

	wsRateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_ws_rate_limited_total",
			Help: "Client events rejected by the per-event rate limiter, by event name.",
		},
		[]string{"event"},
	)

	wsBroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_ws_broadcasts_total",
			Help: "Server events fanned out to all connections.",
		},
	)

	ingestQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_ingest_queue_depth",
			Help: "Events waiting in the ingest queue.",
		},
	)

	ingestRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_ingest_rejected_total",
			Help: "Events rejected because the ingest queue was full.",
		},
	)

	storeDiskBytes = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "chatrelay_store_disk_bytes",
			Help: "On-disk size of the message store in bytes.",
		},
		func() float64 { return float64(store.GetPebbleMetrics().DiskBytes) },
	)

	storeWALBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_store_wal_bytes",
			Help: "Size of the store write-ahead log in bytes, sampled by the watcher.",
		},
	)

	storePressure = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_store_pressure",
			Help: "1 while WAL or disk size sits above the high watermark, 0 otherwise.",
		},
	)
)

func init() {
	prometheus.MustRegister(wsConnections)
	prometheus.MustRegister(wsEventsTotal)
	prometheus.MustRegister(wsRateLimitedTotal)
	prometheus.MustRegister(wsBroadcastsTotal)
	prometheus.MustRegister(ingestQueueDepth)
	prometheus.MustRegister(ingestRejectedTotal)
	prometheus.MustRegister(storeDiskBytes)
	prometheus.MustRegister(storeWALBytes)
	prometheus.MustRegister(storePressure)
}

// ConnOpened records a new websocket connection.
func ConnOpened() { wsConnections.Inc() }

// ConnClosed records a websocket connection going away.
func ConnClosed() { wsConnections.Dec() }

// CountEvent records an accepted client event.
func CountEvent(event string) { wsEventsTotal.WithLabelValues(event).Inc() }

// CountRateLimited records a client event refused by the rate limiter.
func CountRateLimited(event string) { wsRateLimitedTotal.WithLabelValues(event).Inc() }

// CountBroadcast records one fan-out to all connections.
func CountBroadcast() { wsBroadcastsTotal.Inc() }

// SetQueueDepth publishes the current ingest queue depth.
func SetQueueDepth(n int) { ingestQueueDepth.Set(float64(n)) }

// CountQueueRejected records an event dropped because the queue was full.
func CountQueueRejected() { ingestRejectedTotal.Inc() }
