// Package metrics holds the Prometheus metrics of the broker and workers.
// Label values are bounded: no node, slot or session ids.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Broker

	// AllocationsTotal counts allocation answers by status.
	AllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slotgrid_allocations_total",
		Help: "Total number of allocation requests answered, by status.",
	}, []string{"status"})

	// NodesRegistered tracks nodes currently held by the registry.
	NodesRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slotgrid_nodes_registered",
		Help: "Current number of registered worker nodes.",
	})

	// SlotsRegistered tracks slots currently held by the registry.
	SlotsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slotgrid_slots_registered",
		Help: "Current number of slots known to the broker.",
	})

	NodeLivenessTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slotgrid_node_liveness_transitions_total",
		Help: "Total number of node liveness transitions, by new state.",
	}, []string{"state"})

	DeregistrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slotgrid_deregistrations_total",
		Help: "Total number of node deregistrations, by reason.",
	}, []string{"reason"})

	// StaleReservationsTotal counts reservations the worker never confirmed.
	StaleReservationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slotgrid_stale_reservations_total",
		Help: "Total number of slot reservations expired without a busy confirmation.",
	})

	// Worker

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slotgrid_commands_total",
		Help: "Total number of commands executed by worker slots, by command kind and outcome.",
	}, []string{"kind", "outcome"})

	CommandsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slotgrid_commands_dropped_total",
		Help: "Total number of commands dropped without a response, by reason.",
	}, []string{"reason"})

	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "slotgrid_command_duration_seconds",
		Help:    "Command execution latency on worker slots.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"kind"})

	SessionsReclaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slotgrid_sessions_reclaimed_total",
		Help: "Total number of sessions ended by the worker itself, by reason.",
	}, []string{"reason"})

	// Shared

	ProtocolTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slotgrid_protocol_timeouts_total",
		Help: "Total number of barrier exchanges that timed out, by exchange.",
	}, []string{"exchange"})

	// StaleRepliesTotal counts replies discarded because they answered an
	// earlier request of the same caller.
	StaleRepliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slotgrid_protocol_stale_replies_total",
		Help: "Total number of late replies discarded by barrier exchanges, by exchange.",
	}, []string{"exchange"})
)

// Drop reasons.
const (
	DropSessionMismatch = "session_mismatch"
	DropNoSession       = "no_session"
	DropBusy            = "busy"
	DropMalformed       = "malformed"
)

// Reclaim reasons.
const (
	ReclaimInactivity   = "inactivity"
	ReclaimDisconnected = "disconnected"
)

func RecordAllocation(status string) {
	AllocationsTotal.WithLabelValues(status).Inc()
}

func RecordLivenessTransition(state string) {
	NodeLivenessTransitionsTotal.WithLabelValues(state).Inc()
}

func RecordDeregistration(reason string) {
	DeregistrationsTotal.WithLabelValues(reason).Inc()
}

// RecordCommand observes one executed command. kind is the command name for
// newSession and quit and "other" for everything else.
func RecordCommand(kind string, ok bool, d time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	CommandsTotal.WithLabelValues(kind, outcome).Inc()
	CommandDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func RecordDropped(reason string) {
	CommandsDroppedTotal.WithLabelValues(reason).Inc()
}

func RecordReclaimed(reason string) {
	SessionsReclaimedTotal.WithLabelValues(reason).Inc()
}

func RecordProtocolTimeout(exchange string) {
	ProtocolTimeoutsTotal.WithLabelValues(exchange).Inc()
}

func RecordStaleReply(exchange string) {
	StaleRepliesTotal.WithLabelValues(exchange).Inc()
}
