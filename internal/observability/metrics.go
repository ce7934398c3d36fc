// Package observability wires tracing and the domain metrics of the sync
// pipeline.
//
// Label cardinality is bounded: stage, outcome and kind labels only take the
// values listed next to each collector.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// InboundEvents counts webhook updates by outcome
	// (accepted|duplicate|ignored|command|failed).
	InboundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_inbound_events_total",
			Help: "Inbound channel updates by outcome.",
		},
		[]string{"outcome"},
	)

	// MessagesPersisted counts persist calls by author kind and result
	// (created|duplicate).
	MessagesPersisted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_messages_persisted_total",
			Help: "Persisted messages by author kind and result.",
		},
		[]string{"author", "result"},
	)

	// RelayFailures counts attachment relay failures by stage
	// (descriptor|fetch|upload).
	RelayFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_relay_failures_total",
			Help: "Attachment relay failures by stage.",
		},
		[]string{"stage"},
	)

	// BroadcastEvents counts realtime deliveries by outcome (sent|dropped).
	BroadcastEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_broadcast_events_total",
			Help: "Realtime event deliveries by outcome.",
		},
		[]string{"outcome"},
	)

	// DebounceFlushes counts debounce flushes by result (ok|failed).
	DebounceFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_debounce_flushes_total",
			Help: "Debounce buffer flushes by result.",
		},
		[]string{"result"},
	)

	// RealtimeSessions gauges open websocket sessions.
	RealtimeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crm_realtime_sessions",
			Help: "Current number of open realtime sessions.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		InboundEvents,
		MessagesPersisted,
		RelayFailures,
		BroadcastEvents,
		DebounceFlushes,
		RealtimeSessions,
	)
}
