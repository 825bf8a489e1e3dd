package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

// PipelineMetrics covers provider attempts, verdicts, intake events and
// breaker state. It satisfies the usecase recorder interfaces.
type PipelineMetrics struct {
	service string

	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	verdictsTotal   *prometheus.CounterVec
	intakeTotal     *prometheus.CounterVec
	breakerOpen     *prometheus.GaugeVec
}

func newPipelineMetrics(registry prometheus.Registerer, service string) *PipelineMetrics {
	attemptsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "extraction",
			Name:      "attempts_total",
			Help:      "Provider extraction attempts by outcome.",
		},
		[]string{"service", "provider", "outcome"},
	)
	attemptDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "intake",
			Subsystem: "extraction",
			Name:      "attempt_duration_seconds",
			Help:      "Provider extraction attempt duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"service", "provider"},
	)
	verdictsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "validation",
			Name:      "verdicts_total",
			Help:      "Confidence verdicts by decision.",
		},
		[]string{"service", "decision"},
	)
	intakeTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "channel",
			Name:      "events_total",
			Help:      "Inbound channel events by outcome.",
		},
		[]string{"service", "channel", "outcome"},
	)
	breakerOpen := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "intake",
			Subsystem: "resilience",
			Name:      "breaker_open",
			Help:      "1 while the circuit breaker for an operation is open.",
		},
		[]string{"service", "operation"},
	)

	registry.MustRegister(attemptsTotal, attemptDuration, verdictsTotal, intakeTotal, breakerOpen)

	return &PipelineMetrics{
		service:         service,
		attemptsTotal:   attemptsTotal,
		attemptDuration: attemptDuration,
		verdictsTotal:   verdictsTotal,
		intakeTotal:     intakeTotal,
		breakerOpen:     breakerOpen,
	}
}

func (m *PipelineMetrics) RecordAttempt(attempt domain.ProviderAttempt) {
	provider := attempt.ProviderID
	if provider == "" {
		provider = "unknown"
	}
	m.attemptsTotal.WithLabelValues(m.service, provider, string(attempt.Outcome)).Inc()
	if attempt.Duration > 0 {
		m.attemptDuration.WithLabelValues(m.service, provider).Observe(attempt.Duration.Seconds())
	}
}

func (m *PipelineMetrics) RecordVerdict(decision domain.Decision) {
	m.verdictsTotal.WithLabelValues(m.service, string(decision)).Inc()
}

func (m *PipelineMetrics) RecordIntakeEvent(channel domain.Channel, outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.intakeTotal.WithLabelValues(m.service, string(channel), outcome).Inc()
}

// ObserveBreaker matches resilience.StateObserver.
func (m *PipelineMetrics) ObserveBreaker(operation string, open bool) {
	value := 0.0
	if open {
		value = 1
	}
	m.breakerOpen.WithLabelValues(m.service, operation).Set(value)
}
