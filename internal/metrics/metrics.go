package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Metrics variables - these will be initialized by InitMetrics
	RequestsTotal          *prometheus.CounterVec
	RequestDuration        *prometheus.HistogramVec
	ErrorsTotal            *prometheus.CounterVec
	VersionResolutions     *prometheus.CounterVec
	VersionDowngrades      *prometheus.CounterVec
	IdentityResults        *prometheus.CounterVec
	RateLimitDecisions     *prometheus.CounterVec
	CircuitState           *prometheus.GaugeVec
	CircuitTransitions     *prometheus.CounterVec
	CircuitShortCircuits   *prometheus.CounterVec
	BackendRequestDuration *prometheus.HistogramVec
	AuditEventsTotal       *prometheus.CounterVec
	AuditQueueDepth        prometheus.Gauge
)

// InitMetrics initializes metrics with a specific registry
func InitMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		return fmt.Errorf("registry cannot be nil")
	}

	factory := promauto.With(reg)

	RequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_requests_total",
			Help: "Total number of requests that completed the pipeline",
		},
		[]string{"route", "status"},
	)

	RequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edge_request_duration_seconds",
			Help:    "Duration of requests through the pipeline in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	ErrorsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_errors_total",
			Help: "Total number of normalized error responses by error code",
		},
		[]string{"code"},
	)

	VersionResolutions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_version_resolutions_total",
			Help: "API version resolutions by version and winning strategy",
		},
		[]string{"version", "strategy"},
	)

	VersionDowngrades = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_version_downgrades_total",
			Help: "Requested API versions that were replaced by the default version",
		},
		[]string{"source"},
	)

	IdentityResults = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_identity_results_total",
			Help: "Identity propagation outcomes",
		},
		[]string{"result"},
	)

	RateLimitDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_rate_limit_decisions_total",
			Help: "Rate limiter decisions by strategy and result",
		},
		[]string{"route", "strategy", "result"},
	)

	CircuitState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edge_circuit_breaker_state",
			Help: "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open)",
		},
		[]string{"dependency"},
	)

	CircuitTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"dependency", "from", "to"},
	)

	CircuitShortCircuits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_circuit_breaker_short_circuits_total",
			Help: "Calls refused by an open circuit breaker",
		},
		[]string{"dependency", "fallback"},
	)

	BackendRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edge_backend_request_duration_seconds",
			Help:    "Duration of backend dispatches in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "outcome"},
	)

	AuditEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_audit_events_total",
			Help: "Audit events by type and delivery result",
		},
		[]string{"type", "result"},
	)

	AuditQueueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "edge_audit_queue_depth",
			Help: "Audit events waiting for delivery",
		},
	)

	return nil
}

// Helper functions for recording metrics. They are no-ops until InitMetrics
// has been called so stages can be exercised without a registry.

// RecordRequest records a completed request
func RecordRequest(route string, status int, seconds float64) {
	if RequestsTotal == nil {
		return
	}
	RequestsTotal.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	RequestDuration.WithLabelValues(route).Observe(seconds)
}

// RecordError records a normalized error response
func RecordError(code string) {
	if ErrorsTotal == nil {
		return
	}
	ErrorsTotal.WithLabelValues(code).Inc()
}

// RecordVersion records a version resolution
func RecordVersion(version, strategy string) {
	if VersionResolutions == nil {
		return
	}
	VersionResolutions.WithLabelValues(version, strategy).Inc()
}

// RecordVersionDowngrade records a requested version replaced by the default
func RecordVersionDowngrade(source string) {
	if VersionDowngrades == nil {
		return
	}
	VersionDowngrades.WithLabelValues(source).Inc()
}

// RecordIdentity records an identity propagation outcome
func RecordIdentity(result string) {
	if IdentityResults == nil {
		return
	}
	IdentityResults.WithLabelValues(result).Inc()
}

// RecordRateLimit records a limiter decision
func RecordRateLimit(route, strategy string, allowed bool) {
	if RateLimitDecisions == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	RateLimitDecisions.WithLabelValues(route, strategy, result).Inc()
}

// RecordCircuitTransition records a breaker transition and the new state
func RecordCircuitTransition(dependency, from, to string, state int) {
	if CircuitTransitions == nil {
		return
	}
	CircuitTransitions.WithLabelValues(dependency, from, to).Inc()
	CircuitState.WithLabelValues(dependency).Set(float64(state))
}

// RecordShortCircuit records a call refused by an open breaker
func RecordShortCircuit(dependency string, fallback bool) {
	if CircuitShortCircuits == nil {
		return
	}
	CircuitShortCircuits.WithLabelValues(dependency, fmt.Sprintf("%t", fallback)).Inc()
}

// RecordBackend records a backend dispatch
func RecordBackend(route, outcome string, seconds float64) {
	if BackendRequestDuration == nil {
		return
	}
	BackendRequestDuration.WithLabelValues(route, outcome).Observe(seconds)
}

// RecordAuditEvent records the delivery result of an audit event
func RecordAuditEvent(eventType, result string) {
	if AuditEventsTotal == nil {
		return
	}
	AuditEventsTotal.WithLabelValues(eventType, result).Inc()
}

// SetAuditQueueDepth records the number of queued audit events
func SetAuditQueueDepth(depth int) {
	if AuditQueueDepth == nil {
		return
	}
	AuditQueueDepth.Set(float64(depth))
}
