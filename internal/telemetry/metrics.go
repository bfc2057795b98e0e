// Package telemetry provides the orchestration core's Prometheus metrics
// and structured logging, generalized from graph/metrics.go's
// PrometheusMetrics ("langgraph_" namespace, node-level labels) to
// session/step-level labels under an "orchestrator_" namespace.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the orchestration core's runtime counters and gauges
// (spec.md §8's observability surface), grounded on graph/metrics.go's
// PrometheusMetrics. Labels are by session id and step id rather than
// run id and node id, and two counters (circuit_breaker_trips_total,
// autofix_retries_total) have no teacher analogue since the circuit
// breaker and auto-fix policy are new to this spec.
type Metrics struct {
	inflightSteps  prometheus.Gauge
	activeSessions prometheus.Gauge

	stepLatency *prometheus.HistogramVec

	retries            *prometheus.CounterVec
	circuitTrips       *prometheus.CounterVec
	autofixRetries     *prometheus.CounterVec
	provenanceDegraded *prometheus.CounterVec
	sessionsCompleted  *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// New registers every metric with registry (use prometheus.DefaultRegisterer
// for the global registry, or a fresh *prometheus.Registry for test isolation).
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		enabled: true,

		inflightSteps: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "inflight_steps",
			Help:      "Current number of workflow steps executing concurrently",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrator",
			Name:      "active_sessions",
			Help:      "Current number of non-terminal conversion sessions",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestrator",
			Name:      "step_latency_ms",
			Help:      "Step dispatch duration in milliseconds, from the dispatcher's perspective",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"session_id", "step_id", "role", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "retries_total",
			Help:      "Cumulative retry attempts issued by the agent dispatcher",
		}, []string{"role", "reason"}),
		circuitTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "circuit_breaker_trips_total",
			Help:      "Cumulative count of a per-(role,instance) circuit breaker opening",
		}, []string{"role", "instance"}),
		autofixRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "autofix_retries_total",
			Help:      "Cumulative count of a session returning to CollectingMetadata after a validation failure",
		}, []string{"session_id"}),
		provenanceDegraded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "provenance_degraded_total",
			Help:      "Cumulative count of provenance append failures surfaced as ProvenanceDegraded",
		}, []string{"session_id", "fatal"}),
		sessionsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestrator",
			Name:      "sessions_completed_total",
			Help:      "Cumulative count of sessions reaching a terminal state",
		}, []string{"terminal_state"}),
	}
}

func (m *Metrics) RecordStepLatency(sessionID, stepID, role string, latency time.Duration, status string) {
	if !m.enabledNow() {
		return
	}
	m.stepLatency.WithLabelValues(sessionID, stepID, role, status).Observe(float64(latency.Milliseconds()))
}

func (m *Metrics) IncrementRetries(role, reason string) {
	if !m.enabledNow() {
		return
	}
	m.retries.WithLabelValues(role, reason).Inc()
}

func (m *Metrics) IncrementCircuitTrips(role, instance string) {
	if !m.enabledNow() {
		return
	}
	m.circuitTrips.WithLabelValues(role, instance).Inc()
}

func (m *Metrics) IncrementAutofixRetries(sessionID string) {
	if !m.enabledNow() {
		return
	}
	m.autofixRetries.WithLabelValues(sessionID).Inc()
}

func (m *Metrics) IncrementProvenanceDegraded(sessionID string, fatal bool) {
	if !m.enabledNow() {
		return
	}
	m.provenanceDegraded.WithLabelValues(sessionID, boolLabel(fatal)).Inc()
}

func (m *Metrics) IncrementSessionsCompleted(terminalState string) {
	if !m.enabledNow() {
		return
	}
	m.sessionsCompleted.WithLabelValues(terminalState).Inc()
}

func (m *Metrics) UpdateInflightSteps(count int) {
	if !m.enabledNow() {
		return
	}
	m.inflightSteps.Set(float64(count))
}

func (m *Metrics) UpdateActiveSessions(count int) {
	if !m.enabledNow() {
		return
	}
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

func (m *Metrics) enabledNow() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
