// Package metrics holds the process wide prometheus collectors. They are
// registered on the default registry and served by the transport's /metrics
// route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "codewords"

var (
	// ProcedureCalls counts dispatched procedures by path and outcome code.
	ProcedureCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "procedure_calls_total",
		Help:      "Procedures dispatched, by path and result code.",
	}, []string{"path", "code"})

	ProcedureDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "procedure_duration_seconds",
		Help:      "Time spent in procedure handlers.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"path"})

	PendingCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rpc",
		Name:      "pending_calls",
		Help:      "Outgoing calls waiting for a response.",
	})

	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "open_connections",
		Help:      "WebSocket connections currently attached to a room.",
	})

	// DroppedFrames counts frames that were never delivered, by reason:
	// "rate_limit" for inbound frames over a connection's receive rate,
	// "write_queue" for outbound frames to a connection that fell behind.
	DroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "dropped_frames_total",
		Help:      "Frames dropped by the transport, by reason.",
	}, []string{"reason"})

	LiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "live",
		Help:      "Room actors currently running.",
	})

	BroadcastFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "broadcast_frames_total",
		Help:      "Push frames queued to room connections, by procedure path.",
	}, []string{"path"})
)
