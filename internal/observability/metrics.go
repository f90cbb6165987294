package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the kernel's Prometheus instrumentation: turn
// lifecycle counters, per-tool call counts and latencies, approval
// decisions, and stream retries. All record methods are nil-safe so
// call sites need no "is metrics enabled" guard — a nil *Metrics is
// simply a no-op collector.
//
// Each Metrics owns a private registry rather than registering on the
// package-global default, so two kernels in one process (tests,
// sub-agent hosts) never collide on collector names.
type Metrics struct {
	registry *prometheus.Registry

	turnsStarted   prometheus.Counter
	turnsCompleted prometheus.Counter
	turnErrors     prometheus.Counter

	// toolCalls / toolDuration are labelled by tool name; toolCalls
	// additionally by status (success|error).
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	// approvalDecisions is labelled by the decision string
	// (approved|approved_for_session|denied|abort).
	approvalDecisions *prometheus.CounterVec

	streamRetries prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		turnsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "session",
			Name: "turns_started_total",
			Help: "Turns started, user-facing and review alike.",
		}),
		turnsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "session",
			Name: "turns_completed_total",
			Help: "Turns that reached their terminal message or interrupt.",
		}),
		turnErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "session",
			Name: "turn_errors_total",
			Help: "Turns aborted by a terminal stream error.",
		}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "tools",
			Name: "calls_total",
			Help: "Tool-call dispatches by tool and outcome.",
		}, []string{"tool", "status"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay", Subsystem: "tools",
			Name:    "call_duration_seconds",
			Help:    "Tool-call handler latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		approvalDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "approval",
			Name: "decisions_total",
			Help: "Approval decisions by outcome.",
		}, []string{"decision"}),
		streamRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "model",
			Name: "stream_retries_total",
			Help: "Transient stream faults retried in place.",
		}),
	}
}

// Registry exposes the underlying registry so a caller can mount an
// exporter endpoint over it.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.turnsStarted.Inc()
}

func (m *Metrics) TurnCompleted() {
	if m == nil {
		return
	}
	m.turnsCompleted.Inc()
}

func (m *Metrics) TurnError() {
	if m == nil {
		return
	}
	m.turnErrors.Inc()
}

func (m *Metrics) ToolCall(tool string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

func (m *Metrics) ApprovalDecision(decision string) {
	if m == nil {
		return
	}
	m.approvalDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) StreamRetry() {
	if m == nil {
		return
	}
	m.streamRetries.Inc()
}
