package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the signaling hub.
//
// Naming convention: namespace_subsystem_name
// - namespace: hopp (application-level grouping)
// - subsystem: websocket, signaling, call, bus (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (sessions)
// - Counter: Cumulative events (frames routed, calls set up, errors)
// - Histogram: Latency distributions (call setup time)

var (
	// ActiveSessions tracks the current number of authenticated WebSocket sessions
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hopp",
		Subsystem: "websocket",
		Name:      "sessions_active",
		Help:      "Current number of active WebSocket sessions",
	})

	// SignalingEvents tracks inbound signaling frames by type and outcome
	SignalingEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hopp",
		Subsystem: "signaling",
		Name:      "events_total",
		Help:      "Total signaling frames processed",
	}, []string{"event_type", "status"})

	// CallSetups tracks call setup attempts by outcome
	CallSetups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hopp",
		Subsystem: "call",
		Name:      "setups_total",
		Help:      "Total call setup attempts",
	}, []string{"status"})

	// CallSetupDuration tracks the time between call_accept and call_tokens publication
	CallSetupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hopp",
		Subsystem: "call",
		Name:      "setup_seconds",
		Help:      "Time spent minting and publishing call tokens",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// BusPublishes tracks pub/sub publish attempts by outcome
	BusPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hopp",
		Subsystem: "bus",
		Name:      "publishes_total",
		Help:      "Total pub/sub publish attempts",
	}, []string{"status"})

	// TokensIssued tracks minted credentials by kind (call, watercooler, anonymous)
	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hopp",
		Subsystem: "tokens",
		Name:      "issued_total",
		Help:      "Total media grants and redirect tokens issued",
	}, []string{"kind"})

	// CircuitBreakerState tracks the current state of the circuit breaker (GaugeVec)
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hopp",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hopp",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hopp",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hopp",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})
)

func IncSession() {
	ActiveSessions.Inc()
}

func DecSession() {
	ActiveSessions.Dec()
}
