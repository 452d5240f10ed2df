package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerMetrics struct {
	registry *prometheus.Registry
	service  string

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	uploadedFilesTotal *prometheus.CounterVec
	quotaDenialsTotal  *prometheus.CounterVec
	exportsTotal       *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inspector",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inspector",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inspector",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	uploadedFilesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inspector",
			Subsystem: "documents",
			Name:      "uploaded_files_total",
			Help:      "Uploaded files by outcome.",
		},
		[]string{"service", "status"},
	)
	quotaDenialsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inspector",
			Subsystem: "quota",
			Name:      "denials_total",
			Help:      "Quota denials by resource and plan.",
		},
		[]string{"service", "resource", "plan"},
	)
	exportsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inspector",
			Subsystem: "sessions",
			Name:      "exports_total",
			Help:      "Session exports by outcome.",
		},
		[]string{"service", "status"},
	)
	breakerState := newBreakerStateGauge()

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		uploadedFilesTotal,
		quotaDenialsTotal,
		exportsTotal,
		breakerState,
	)

	return &HTTPServerMetrics{
		registry:           registry,
		service:            service,
		requestTotal:       requestTotal,
		requestDuration:    requestDuration,
		requestInFlight:    requestInFlight,
		uploadedFilesTotal: uploadedFilesTotal,
		quotaDenialsTotal:  quotaDenialsTotal,
		exportsTotal:       exportsTotal,
		breakerState:       breakerState,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware must run inside the gorilla router so the route template is known.
func (m *HTTPServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := routeTemplate(r)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			m.service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(m.service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

func (m *HTTPServerMetrics) RecordUpload(files int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.uploadedFilesTotal.WithLabelValues(m.service, status).Add(float64(files))
}

func (m *HTTPServerMetrics) RecordQuotaDenial(resource, plan string) {
	if plan == "" {
		plan = "unknown"
	}
	m.quotaDenialsTotal.WithLabelValues(m.service, resource, plan).Inc()
}

func (m *HTTPServerMetrics) RecordExport(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.exportsTotal.WithLabelValues(m.service, status).Inc()
}

// ObserveBreakerState matches resilience.Config.OnStateChange.
func (m *HTTPServerMetrics) ObserveBreakerState(operation, _, to string) {
	m.breakerState.WithLabelValues(operation).Set(breakerStateValue(to))
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
	}
	return hijacker.Hijack()
}

func (w *statusRecorder) Push(target string, opts *http.PushOptions) error {
	pusher, ok := w.ResponseWriter.(http.Pusher)
	if !ok {
		return http.ErrNotSupported
	}
	return pusher.Push(target, opts)
}
