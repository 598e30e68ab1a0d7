package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the orchestration core. A nil or
// disabled Metrics is a silent no-op so the engine never needs to guard
// individual observations.
type Metrics struct {
	enabled bool

	sessionsStarted   *prometheus.CounterVec
	sessionsCompleted *prometheus.CounterVec
	phaseDuration     *prometheus.HistogramVec
	phaseRetries      *prometheus.CounterVec
	rollbackExecuted  prometheus.Counter
	rollbackFailed    prometheus.Counter
	collaboratorCalls *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "openverge"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		enabled:  true,
		registry: registry,

		sessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_started_total",
				Help:      "Total number of orchestration sessions started",
			},
			[]string{"domain"},
		),
		sessionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_completed_total",
				Help:      "Total number of sessions reaching a terminal status",
			},
			[]string{"status"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of phase attempts in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"phase", "outcome"},
		),
		phaseRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_retries_total",
				Help:      "Total number of phase retries after transient failures",
			},
			[]string{"phase"},
		),
		rollbackExecuted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_actions_executed_total",
				Help:      "Total number of compensating actions executed",
			},
		),
		rollbackFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_compensation_failures_total",
				Help:      "Total number of compensating actions that failed",
			},
		),
		collaboratorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collaborator_calls_total",
				Help:      "Total number of provisioning collaborator calls",
			},
			[]string{"collaborator", "outcome"},
		),
	}

	registry.MustRegister(
		m.sessionsStarted,
		m.sessionsCompleted,
		m.phaseDuration,
		m.phaseRetries,
		m.rollbackExecuted,
		m.rollbackFailed,
		m.collaboratorCalls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// RecordSessionStarted counts a started session.
func (m *Metrics) RecordSessionStarted(domain string) {
	if m == nil || !m.enabled {
		return
	}
	m.sessionsStarted.WithLabelValues(domain).Inc()
}

// RecordSessionCompleted counts a session reaching a terminal status.
func (m *Metrics) RecordSessionCompleted(status string) {
	if m == nil || !m.enabled {
		return
	}
	m.sessionsCompleted.WithLabelValues(status).Inc()
}

// ObservePhaseDuration records the duration of one phase attempt.
func (m *Metrics) ObservePhaseDuration(phase, outcome string, seconds float64) {
	if m == nil || !m.enabled {
		return
	}
	m.phaseDuration.WithLabelValues(phase, outcome).Observe(seconds)
}

// RecordRetry counts a phase retry.
func (m *Metrics) RecordRetry(phase string) {
	if m == nil || !m.enabled {
		return
	}
	m.phaseRetries.WithLabelValues(phase).Inc()
}

// RecordRollback records a ledger drain outcome.
func (m *Metrics) RecordRollback(executed, failed int) {
	if m == nil || !m.enabled {
		return
	}
	m.rollbackExecuted.Add(float64(executed))
	m.rollbackFailed.Add(float64(failed))
}

// RecordCollaboratorCall counts one collaborator Apply or Compensate.
func (m *Metrics) RecordCollaboratorCall(collaborator, outcome string) {
	if m == nil || !m.enabled {
		return
	}
	m.collaboratorCalls.WithLabelValues(collaborator, outcome).Inc()
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil || !m.enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
