package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
)

type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string

	processTotal     *prometheus.CounterVec
	processDuration  *prometheus.HistogramVec
	processInFlight  prometheus.Gauge
	queueLag         *prometheus.HistogramVec
	transitionsTotal *prometheus.CounterVec
	tokensTotal      *prometheus.CounterVec
	dispatchedTotal  *prometheus.CounterVec
	timeoutsTotal    *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	processTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inspector",
			Subsystem: "worker",
			Name:      "extraction_jobs_total",
			Help:      "Total handled extraction jobs by status.",
		},
		[]string{"service", "status"},
	)
	processDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inspector",
			Subsystem: "worker",
			Name:      "extraction_job_duration_seconds",
			Help:      "Extraction job duration in seconds by status.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"service", "status"},
	)
	processInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inspector",
			Subsystem: "worker",
			Name:      "extraction_jobs_in_flight",
			Help:      "Number of in-flight extraction jobs.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inspector",
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between enqueue and job pickup.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)
	transitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inspector",
			Subsystem: "extraction",
			Name:      "transitions_total",
			Help:      "Committed document transitions by operation and resulting status.",
		},
		[]string{"service", "operation", "status"},
	)
	tokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inspector",
			Subsystem: "extraction",
			Name:      "tokens_consumed_total",
			Help:      "Tokens reported by completed extractions.",
		},
		[]string{"service"},
	)
	dispatchedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inspector",
			Subsystem: "scheduler",
			Name:      "dispatched_total",
			Help:      "Documents enqueued by the scheduler.",
		},
		[]string{"service"},
	)
	timeoutsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inspector",
			Subsystem: "watchdog",
			Name:      "timeouts_total",
			Help:      "Documents recovered by the watchdog: timed out extractions and lost queued jobs.",
		},
		[]string{"service"},
	)
	breakerState := newBreakerStateGauge()

	registry.MustRegister(
		processTotal,
		processDuration,
		processInFlight,
		queueLag,
		transitionsTotal,
		tokensTotal,
		dispatchedTotal,
		timeoutsTotal,
		breakerState,
	)

	return &WorkerMetrics{
		registry:         registry,
		service:          service,
		processTotal:     processTotal,
		processDuration:  processDuration,
		processInFlight:  processInFlight,
		queueLag:         queueLag,
		transitionsTotal: transitionsTotal,
		tokensTotal:      tokensTotal,
		dispatchedTotal:  dispatchedTotal,
		timeoutsTotal:    timeoutsTotal,
		breakerState:     breakerState,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartJob() {
	m.processInFlight.Inc()
}

func (m *WorkerMetrics) FinishJob(duration time.Duration, err error) {
	m.processInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}

	m.processTotal.WithLabelValues(m.service, status).Inc()
	m.processDuration.WithLabelValues(m.service, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(m.service).Observe(lag.Seconds())
}

// ObserveTransition implements usecase.TransitionObserver.
func (m *WorkerMetrics) ObserveTransition(operation string, doc *domain.Document) {
	op := strings.ReplaceAll(operation, " ", "_")
	m.transitionsTotal.WithLabelValues(m.service, op, string(doc.ExtractionStatus)).Inc()
	if doc.ExtractionStatus == domain.ExtractionExtracted && doc.TokensUsed > 0 {
		m.tokensTotal.WithLabelValues(m.service).Add(float64(doc.TokensUsed))
	}
}

func (m *WorkerMetrics) RecordDispatched(n int) {
	if n <= 0 {
		return
	}
	m.dispatchedTotal.WithLabelValues(m.service).Add(float64(n))
}

func (m *WorkerMetrics) RecordTimeouts(n int) {
	if n <= 0 {
		return
	}
	m.timeoutsTotal.WithLabelValues(m.service).Add(float64(n))
}

// ObserveBreakerState matches resilience.Config.OnStateChange.
func (m *WorkerMetrics) ObserveBreakerState(operation, _, to string) {
	m.breakerState.WithLabelValues(operation).Set(breakerStateValue(to))
}
