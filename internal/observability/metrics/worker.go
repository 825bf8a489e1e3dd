package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type WorkerMetrics struct {
	*PipelineMetrics

	registry *prometheus.Registry

	decisionTotal    *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec
	decisionInFlight prometheus.Gauge
	pollTotal        *prometheus.CounterVec
	pollMessages     prometheus.Histogram
	sweptSessions    prometheus.Counter
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	decisionTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "worker",
			Name:      "review_decision_total",
			Help:      "Total applied review decisions by status.",
		},
		[]string{"service", "status"},
	)
	decisionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "intake",
			Subsystem: "worker",
			Name:      "review_decision_duration_seconds",
			Help:      "Review decision handling duration in seconds by status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "status"},
	)
	decisionInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "intake",
			Subsystem: "worker",
			Name:      "review_decision_in_flight",
			Help:      "Number of review decisions being applied.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	pollTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "worker",
			Name:      "mailbox_poll_total",
			Help:      "Mailbox poll runs by status.",
		},
		[]string{"service", "status"},
	)
	pollMessages := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "intake",
			Subsystem: "worker",
			Name:      "mailbox_poll_messages",
			Help:      "Messages handled per mailbox poll.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	sweptSessions := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "intake",
			Subsystem: "worker",
			Name:      "swept_entries_total",
			Help:      "Expired in-memory session entries removed.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)

	registry.MustRegister(decisionTotal, decisionDuration, decisionInFlight, pollTotal, pollMessages, sweptSessions)

	return &WorkerMetrics{
		PipelineMetrics:  newPipelineMetrics(registry, service),
		registry:         registry,
		decisionTotal:    decisionTotal,
		decisionDuration: decisionDuration,
		decisionInFlight: decisionInFlight,
		pollTotal:        pollTotal,
		pollMessages:     pollMessages,
		sweptSessions:    sweptSessions,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartDecision() {
	m.decisionInFlight.Inc()
}

func (m *WorkerMetrics) FinishDecision(duration time.Duration, err error) {
	m.decisionInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}

	m.decisionTotal.WithLabelValues(m.service, status).Inc()
	m.decisionDuration.WithLabelValues(m.service, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) RecordPoll(messages int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.pollTotal.WithLabelValues(m.service, status).Inc()
	if messages >= 0 {
		m.pollMessages.Observe(float64(messages))
	}
}

func (m *WorkerMetrics) RecordSweep(removed int) {
	if removed > 0 {
		m.sweptSessions.Add(float64(removed))
	}
}
