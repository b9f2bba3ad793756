package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerMetrics covers the scope reconciliation worker.
type WorkerMetrics struct {
	registry *prometheus.Registry

	eventsTotal       *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	reconcileInFlight prometheus.Gauge
	eventLag          *prometheus.HistogramVec
}

func NewWorkerMetrics(registry *prometheus.Registry, service string) *WorkerMetrics {
	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "operation_events_total",
			Help:      "Consumed operation events by kind and reconcile status.",
		},
		[]string{"service", "kind", "status"},
	)
	reconcileDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "scope_reconcile_duration_seconds",
			Help:      "Scope reconciliation duration in seconds by status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "status"},
	)
	reconcileInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "scope_reconcile_in_flight",
			Help:      "Number of in-flight scope reconciliations.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	eventLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "event_lag_seconds",
			Help:      "Delay between operation resolution and reconciliation start.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"service"},
	)

	registry.MustRegister(eventsTotal, reconcileDuration, reconcileInFlight, eventLag)

	return &WorkerMetrics{
		registry:          registry,
		eventsTotal:       eventsTotal,
		reconcileDuration: reconcileDuration,
		reconcileInFlight: reconcileInFlight,
		eventLag:          eventLag,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartReconcile() {
	m.reconcileInFlight.Inc()
}

func (m *WorkerMetrics) FinishReconcile(service, kind string, duration time.Duration, err error) {
	m.reconcileInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}
	m.eventsTotal.WithLabelValues(service, kind, status).Inc()
	m.reconcileDuration.WithLabelValues(service, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveEventLag(service string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.eventLag.WithLabelValues(service).Observe(lag.Seconds())
}
