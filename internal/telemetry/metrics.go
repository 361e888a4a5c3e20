// Package telemetry exposes the engine's Prometheus metrics:
//
//   - engine_trades_total{status}            – trades entering each lifecycle status
//   - engine_transitions_total{trigger}      – accepted transitions by event source
//   - engine_illegal_events_total{source}    – dropped events that matched no legal edge
//   - engine_version_conflicts_total         – optimistic-lock losers
//   - engine_orders_total{kind,outcome}      – broker orders by kind (entry|close|cancel) and outcome
//   - engine_broker_rejections_total         – rejections surfaced by the settle poll
//   - engine_sweep_duration_seconds{sweep}   – wall time of each worker pass
//   - engine_sweep_trades{sweep}             – trades examined in the last pass
//   - engine_snapshot_failures_total         – per-trade fetch/persist failures inside a sweep
//   - engine_rate_limit_wait_seconds         – time spent blocked on the outbound limiter
//
// Collectors are registered in init() and served by main at /metrics.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

var (
	tradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_trades_total",
			Help: "Trades entering each lifecycle status",
		},
		[]string{"status"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_transitions_total",
			Help: "Accepted state transitions by trigger",
		},
		[]string{"trigger"},
	)

	illegalEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_illegal_events_total",
			Help: "Events dropped because they matched no legal transition",
		},
		[]string{"source"},
	)

	versionConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_version_conflicts_total",
			Help: "Mutations lost to the optimistic version check",
		},
	)

	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_total",
			Help: "Broker orders by kind and outcome",
		},
		[]string{"kind", "outcome"}, // kind: entry|close|cancel, outcome: ok|rejected|error
	)

	brokerRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_broker_rejections_total",
			Help: "Orders acknowledged then rejected downstream",
		},
	)

	sweepDuration = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_sweep_duration_seconds",
			Help: "Wall time of the last worker pass",
		},
		[]string{"sweep"}, // price|expiry|reconcile
	)

	sweepTrades = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_sweep_trades",
			Help: "Trades examined in the last worker pass",
		},
		[]string{"sweep"},
	)

	snapshotFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_snapshot_failures_total",
			Help: "Mark fetches or snapshot writes that failed inside a sweep",
		},
	)

	rateLimitWait = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_rate_limit_wait_seconds",
			Help: "Cumulative seconds spent blocked on the outbound rate limiter",
		},
	)
)

func init() {
	prometheus.MustRegister(tradesTotal, transitionsTotal, illegalEventsTotal, versionConflicts)
	prometheus.MustRegister(ordersTotal, brokerRejections)
	prometheus.MustRegister(sweepDuration, sweepTrades, snapshotFailures, rateLimitWait)
}

// Helper setters so callers never touch collector internals.

func IncTradeStatus(status string)  { tradesTotal.WithLabelValues(status).Inc() }
func IncTransition(trigger string)  { transitionsTotal.WithLabelValues(trigger).Inc() }
func IncIllegalEvent(source string) { illegalEventsTotal.WithLabelValues(source).Inc() }
func IncVersionConflict()           { versionConflicts.Inc() }
func IncOrder(kind, outcome string) { ordersTotal.WithLabelValues(kind, outcome).Inc() }
func IncBrokerRejection()           { brokerRejections.Inc() }
func IncSnapshotFailure()           { snapshotFailures.Inc() }
func AddRateLimitWait(s float64)    { rateLimitWait.Add(s) }

func SetSweepDuration(sweep string, s float64) { sweepDuration.WithLabelValues(sweep).Set(s) }
func SetSweepTrades(sweep string, n float64)   { sweepTrades.WithLabelValues(sweep).Set(n) }
