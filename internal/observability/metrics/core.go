package metrics

import (
	"time"

	"github.com/kirillkom/corpus-chat/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
)

// CoreMetrics implements ports.MetricsRecorder.
type CoreMetrics struct {
	service string

	operationsTotal   *prometheus.CounterVec
	retrievalPassages *prometheus.HistogramVec
	retrievalDuration *prometheus.HistogramVec
	retrievalPartial  *prometheus.CounterVec
	turnsTotal        *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
}

func NewCoreMetrics(registry *prometheus.Registry, service string) *CoreMetrics {
	m := &CoreMetrics{
		service: service,
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "corpus",
				Name:      "operations_total",
				Help:      "Resolved corpus operations by kind and status.",
			},
			[]string{"service", "kind", "status"},
		),
		retrievalPassages: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "retrieval",
				Name:      "passages",
				Help:      "Passages injected per augmented request.",
				Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
			},
			[]string{"service", "scorer"},
		),
		retrievalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "retrieval",
				Name:      "duration_seconds",
				Help:      "Retrieval middleware duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "scorer"},
		),
		retrievalPartial: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retrieval",
				Name:      "partial_total",
				Help:      "Augmented requests where at least one scoped document was skipped.",
			},
			[]string{"service", "scorer"},
		),
		turnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "chat",
				Name:      "turns_total",
				Help:      "Settled assistant turns by status.",
			},
			[]string{"service", "status"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "resilience",
				Name:      "breaker_state",
				Help:      "Circuit breaker state per operation: 0 closed, 1 half-open, 2 open.",
			},
			[]string{"service", "operation"},
		),
	}

	registry.MustRegister(
		m.operationsTotal,
		m.retrievalPassages,
		m.retrievalDuration,
		m.retrievalPartial,
		m.turnsTotal,
		m.breakerState,
	)
	return m
}

func (m *CoreMetrics) RecordOperation(kind domain.OperationKind, succeeded bool) {
	status := "succeeded"
	if !succeeded {
		status = "failed"
	}
	m.operationsTotal.WithLabelValues(m.service, string(kind), status).Inc()
}

func (m *CoreMetrics) RecordRetrieval(scorer string, passages int, partial bool, duration time.Duration) {
	if scorer == "" {
		scorer = "unknown"
	}
	m.retrievalPassages.WithLabelValues(m.service, scorer).Observe(float64(passages))
	m.retrievalDuration.WithLabelValues(m.service, scorer).Observe(duration.Seconds())
	if partial {
		m.retrievalPartial.WithLabelValues(m.service, scorer).Inc()
	}
}

func (m *CoreMetrics) RecordTurn(status domain.TurnStatus) {
	m.turnsTotal.WithLabelValues(m.service, string(status)).Inc()
}

// ObserveBreakerState matches resilience.StateObserver.
func (m *CoreMetrics) ObserveBreakerState(operation string, _, to gobreaker.State) {
	var value float64
	switch to {
	case gobreaker.StateHalfOpen:
		value = 1
	case gobreaker.StateOpen:
		value = 2
	}
	m.breakerState.WithLabelValues(m.service, operation).Set(value)
}
