// Package metrics declares the Prometheus collectors for the matchmaking
// server.
//
// Naming convention: namespace_subsystem_name
//   - namespace: matchd (application-level grouping)
//   - subsystem: session, room, relay, circuit_breaker (feature-level grouping)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks the number of live Connection Sessions.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "matchd",
		Subsystem: "session",
		Name:      "connections_active",
		Help:      "Current number of active connection sessions",
	})

	// ActiveRooms tracks the number of rooms currently registered.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "matchd",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomPlayers tracks the roster size of each room.
	RoomPlayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "matchd",
		Subsystem: "room",
		Name:      "players_count",
		Help:      "Number of players currently in each room",
	}, []string{"room_id"})

	// MessagesProcessed counts messages the protocol layer has decoded and
	// routed, by message type and outcome.
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchd",
		Subsystem: "session",
		Name:      "messages_total",
		Help:      "Total messages processed by the connection session",
	}, []string{"type", "status"})

	// MessageProcessingDuration tracks request handling latency.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "matchd",
		Subsystem: "session",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing a single inbound message",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})

	// RelayFramesForwarded counts opaque relay frames forwarded post-start.
	RelayFramesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchd",
		Subsystem: "relay",
		Name:      "frames_total",
		Help:      "Total relay frames forwarded to room members",
	}, []string{"room_id"})

	// BroadcastDrops counts recipients dropped because their outbound queue
	// was full.
	BroadcastDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchd",
		Subsystem: "relay",
		Name:      "broadcast_drops_total",
		Help:      "Total recipients disconnected after a full outbound queue",
	}, []string{"phase"})

	// CircuitBreakerState mirrors the bus circuit breaker's state.
	// 0: Closed (healthy), 1: Open (failing), 2: Half-Open (recovering).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "matchd",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0 closed, 1 open, 2 half-open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts calls rejected while the breaker is open.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matchd",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total calls rejected by an open circuit breaker",
	}, []string{"service"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
