// Package metrics exposes the core's Prometheus instrumentation:
//
//	perpd_reconnects_total: completed reconnect cycles
//	perpd_heartbeat_misses_total: heartbeat deadlines missed
//	perpd_calls_total{method,outcome}: RPC calls (ok|error|timeout|disconnected)
//	perpd_orders_total{side,outcome}: placements (accepted|rejected|denied|failed)
//	perpd_fills_total{result}: fills (applied|duplicate|buffered|forced)
//	perpd_risk_denials_total{reason}: gate denials by reason
//	perpd_reconcile_mismatch_total: snapshot overwrites of local state
//	perpd_subscription_replays_total: channels re-subscribed after reconnect
//	perpd_session_state: current session state (enum gauge)
//	perpd_events_dropped_total: observability events lost to slow consumers
//
// Registered in init() and served at /metrics by the status HTTP server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perpd_reconnects_total",
			Help: "Completed reconnect cycles",
		},
	)

	HeartbeatMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perpd_heartbeat_misses_total",
			Help: "Heartbeat deadlines missed",
		},
	)

	Calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpd_calls_total",
			Help: "RPC calls by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpd_orders_total",
			Help: "Order placements by side and outcome",
		},
		[]string{"side", "outcome"},
	)

	Fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpd_fills_total",
			Help: "Fill events by application result",
		},
		[]string{"result"},
	)

	RiskDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpd_risk_denials_total",
			Help: "Risk gate denials by reason",
		},
		[]string{"reason"},
	)

	ReconcileMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perpd_reconcile_mismatch_total",
			Help: "Reconciliations that overwrote local state",
		},
	)

	SubscriptionReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perpd_subscription_replays_total",
			Help: "Channels re-subscribed after reconnect",
		},
	)

	SessionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "perpd_session_state",
			Help: "Session state (0=disconnected 1=connecting 2=connected 3=authenticated)",
		},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "perpd_events_dropped_total",
			Help: "Observability events dropped by slow subscribers",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Reconnects, HeartbeatMisses, Calls, Orders, Fills,
		RiskDenials, ReconcileMismatches, SubscriptionReplays,
		SessionState, EventsDropped,
	)
}
