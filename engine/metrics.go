package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for workflow execution.
//
// Exposed series, all namespaced "relay_":
//
//  1. inflight_nodes (gauge): nodes currently executing across all runs.
//  2. queue_depth (gauge): executions waiting in the work queue.
//  3. node_latency_ms (histogram): handler duration per block type and
//     outcome. Buckets span 1ms to 60s to cover both calculators and
//     chain RPC.
//  4. node_retries_total (counter): retry attempts per block type and
//     failure kind.
//  5. executions_total (counter): finished executions per terminal status.
//  6. breaker_transitions_total (counter): circuit state changes per scope
//     and target state.
//
// All methods are safe for concurrent use. A nil *Metrics is valid and
// records nothing, so callers never need to guard.
type Metrics struct {
	inflightNodes prometheus.Gauge
	queueDepth    prometheus.Gauge
	nodeLatency   *prometheus.HistogramVec
	nodeRetries   *prometheus.CounterVec
	executions    *prometheus.CounterVec
	breakerMoves  *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics creates and registers all runtime metrics with the given
// registry. Pass prometheus.DefaultRegisterer for the global registry or
// a private one for isolation in tests.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.inflightNodes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "inflight_nodes",
		Help:      "Number of workflow nodes currently executing",
	})

	m.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Name:      "queue_depth",
		Help:      "Number of executions waiting in the work queue",
	})

	m.nodeLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "node_latency_ms",
		Help:      "Handler execution duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 15000, 60000},
	}, []string{"block_type", "status"})

	m.nodeRetries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "node_retries_total",
		Help:      "Cumulative node retry attempts",
	}, []string{"block_type", "reason"})

	m.executions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "executions_total",
		Help:      "Finished workflow executions by terminal status",
	}, []string{"status"})

	m.breakerMoves = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions",
	}, []string{"scope", "to_state"})

	return m
}

// RecordNodeLatency observes one handler invocation.
func (m *Metrics) RecordNodeLatency(blockType BlockType, latency time.Duration, status string) {
	if m == nil || !m.isEnabled() {
		return
	}
	m.nodeLatency.WithLabelValues(string(blockType), status).Observe(float64(latency.Milliseconds()))
}

// IncRetry counts one retry attempt.
func (m *Metrics) IncRetry(blockType BlockType, reason FailureKind) {
	if m == nil || !m.isEnabled() {
		return
	}
	m.nodeRetries.WithLabelValues(string(blockType), string(reason)).Inc()
}

// IncExecution counts one finished execution.
func (m *Metrics) IncExecution(status ExecutionStatus) {
	if m == nil || !m.isEnabled() {
		return
	}
	m.executions.WithLabelValues(string(status)).Inc()
}

// IncBreakerTransition counts a circuit state change.
func (m *Metrics) IncBreakerTransition(scope string, to BreakerPhase) {
	if m == nil || !m.isEnabled() {
		return
	}
	m.breakerMoves.WithLabelValues(scope, string(to)).Inc()
}

// AddInFlight adjusts the in-flight node gauge.
func (m *Metrics) AddInFlight(delta int) {
	if m == nil || !m.isEnabled() {
		return
	}
	m.inflightNodes.Add(float64(delta))
}

// SetQueueDepth reports the current queue backlog.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil || !m.isEnabled() {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// Disable stops metric recording. Useful in tests that re-run fixtures.
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable resumes metric recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}
