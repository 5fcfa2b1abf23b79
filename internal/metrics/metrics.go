// Package metrics declares the Prometheus collectors of the chat pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_active",
		Help: "Currently open WebSocket connections",
	})

	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_rooms_active",
		Help: "Non-empty rooms in the directory",
	})

	JoinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_joins_total",
		Help: "Join requests processed by room workers",
	})

	LeavesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_leaves_total",
		Help: "Leave requests processed by room workers",
	})

	MessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Messages persisted and broadcast",
	})

	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_persist_failures_total",
		Help: "Messages not broadcast because the append failed",
	})

	HistoryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_history_failures_total",
		Help: "Joins that delivered empty history because the fetch failed",
	})

	DroppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_dropped_events_total",
		Help: "Outbound events dropped because a connection queue was full",
	}, []string{"event"})

	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_store_latency_seconds",
		Help:    "Latency of persistence calls",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"operation"})
)

// ObserveStore records the duration of one persistence call.
func ObserveStore(operation string, d time.Duration) {
	StoreLatency.WithLabelValues(operation).Observe(d.Seconds())
}
