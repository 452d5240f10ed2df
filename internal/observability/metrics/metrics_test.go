package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
)

func TestWorkerMetricsObserveTransition(t *testing.T) {
	m := NewWorkerMetrics("worker")
	m.ObserveTransition("complete extraction", &domain.Document{ExtractionStatus: domain.ExtractionExtracted, TokensUsed: 40})
	m.ObserveTransition("fail extraction", &domain.Document{ExtractionStatus: domain.ExtractionFailed})

	if got := testutil.ToFloat64(m.transitionsTotal.WithLabelValues("worker", "complete_extraction", "extracted")); got != 1 {
		t.Fatalf("expected 1 completed transition, got %v", got)
	}
	if got := testutil.ToFloat64(m.tokensTotal.WithLabelValues("worker")); got != 40 {
		t.Fatalf("expected 40 tokens, got %v", got)
	}
}

func TestWorkerMetricsJobLifecycle(t *testing.T) {
	m := NewWorkerMetrics("worker")
	m.StartJob()
	if got := testutil.ToFloat64(m.processInFlight); got != 1 {
		t.Fatalf("expected 1 in flight, got %v", got)
	}
	m.FinishJob(time.Second, nil)
	if got := testutil.ToFloat64(m.processInFlight); got != 0 {
		t.Fatalf("expected 0 in flight, got %v", got)
	}
	m.ObserveBreakerState("ollama.generate", "closed", "open")
	if got := testutil.ToFloat64(m.breakerState.WithLabelValues("ollama.generate")); got != 2 {
		t.Fatalf("expected open breaker gauge, got %v", got)
	}
}

func TestHTTPMetricsUseRouteTemplate(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	router := mux.NewRouter()
	router.Use(m.Middleware)
	router.HandleFunc("/v1/documents/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/documents/abc", nil))

	if got := testutil.ToFloat64(m.requestTotal.WithLabelValues("api", "GET", "/v1/documents/{id}", "404")); got != 1 {
		t.Fatalf("expected templated path counter, got %v", got)
	}

	res := httptest.NewRecorder()
	m.Handler().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(res.Body.String(), "inspector_http_requests_total") {
		t.Fatalf("metrics output misses request counter")
	}
}
