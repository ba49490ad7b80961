// Package metrics provides Prometheus instrumentation for Tandem: connection
// and queue gauges, counters for chat, matching, finalization and relay
// outcomes, recorder requests, and a histogram for relay delivery latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ChatMessagesTotal counts chat messages by outcome: "relayed", "rejected"
	// or "rate_limited".
	ChatMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_chat_messages_total",
		Help: "Total number of chat messages handled",
	}, []string{"outcome"})

	// MatchOutcomes counts match requests by result code.
	MatchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_match_outcomes_total",
		Help: "Match requests by outcome",
	}, []string{"outcome"}) // matched | no_peer | stale_peer | not_available | already_in_room | error

	// MatchQueueSize tracks the number of users in the availability set.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_match_queue_size",
		Help: "Current number of users waiting for a match",
	})

	RoomsFinalized = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_rooms_finalized_total",
		Help: "Finalize attempts by outcome",
	}, []string{"outcome"}) // ok | no_room | already_ended | error

	// RelayDeliveries counts persistence endpoint calls by classified outcome.
	RelayDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_relay_deliveries_total",
		Help: "Finalize event deliveries by outcome",
	}, []string{"outcome"}) // delivered | permanent | transient

	RelayDeadLetters = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_relay_dead_letters_total",
		Help: "Finalize events moved to the dead-letter list",
	}, []string{"reason"})

	// RelayDeliveryLatency records persistence endpoint round-trip time.
	RelayDeliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tandem_relay_delivery_latency_seconds",
		Help:    "Persistence endpoint round-trip latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 8},
	})

	RelayPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_relay_pending_entries",
		Help: "Entries pending in the finalize stream consumer group",
	})

	// PersistRequests counts finalize-room requests at the recorder.
	PersistRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_persist_requests_total",
		Help: "Finalize-room requests handled by the recorder",
	}, []string{"outcome"}) // created | updated | invalid | unauthorized | error
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ChatMessagesTotal,
		MatchOutcomes,
		MatchQueueSize,
		RoomsFinalized,
		RelayDeliveries,
		RelayDeadLetters,
		RelayDeliveryLatency,
		RelayPending,
		PersistRequests,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
