package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-wide relay metrics, exposed on /metrics.
var (
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "easyboard",
		Name:      "active_rooms",
		Help:      "Number of rooms with at least one connection.",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "easyboard",
		Name:      "active_connections",
		Help:      "Number of live WebSocket connections.",
	})

	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "easyboard",
		Name:      "frames_total",
		Help:      "Inbound frames handled, by message type.",
	}, []string{"type"})

	DroppedFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "easyboard",
		Name:      "dropped_frames_total",
		Help:      "Frames dropped because they failed to decode or apply.",
	})

	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "easyboard",
		Name:      "broadcasts_total",
		Help:      "Room-wide broadcast operations performed.",
	})
)
