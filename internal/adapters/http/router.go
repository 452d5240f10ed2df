package httpadapter

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kirillkom/invoice-inspector/internal/adapters/http/api"
	"github.com/kirillkom/invoice-inspector/internal/core/ports"
	"github.com/kirillkom/invoice-inspector/internal/infrastructure/auth/jwtauth"
	"github.com/kirillkom/invoice-inspector/internal/observability/metrics"
)

type TokenVerifier interface {
	Verify(token string) (jwtauth.Principal, error)
}

// Services are the inbound ports served over HTTP.
type Services struct {
	Sessions  ports.SessionService
	Exporter  ports.SessionExporter
	Uploader  ports.DocumentUploader
	Documents ports.DocumentReader
	Lifecycle ports.ExtractionLifecycle
	Quota     ports.QuotaGuard
	Profiles  ports.ProfileService
}

type Options struct {
	WorkerAPIKey   string
	RateLimitRPS   float64
	RateLimitBurst int
	MaxInFlight    int
	QueueTimeout   time.Duration
	MaxUploadBytes int64
	Metrics        *metrics.HTTPServerMetrics
	// MCP is mounted at /mcp behind JWT authentication when set.
	MCP http.Handler
}

type Router struct {
	svc       Services
	verifier  TokenVerifier
	opts      Options
	validator *requestValidator
}

func NewRouter(svc Services, verifier TokenVerifier, opts Options) (*Router, error) {
	doc, err := api.Load()
	if err != nil {
		return nil, err
	}
	validator, err := newRequestValidator(doc)
	if err != nil {
		return nil, err
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 64 << 20
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = 2 * time.Second
	}
	if svc.Profiles == nil {
		return nil, fmt.Errorf("profile service is required")
	}
	return &Router{svc: svc, verifier: verifier, opts: opts, validator: validator}, nil
}

func (rt *Router) Handler() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "route not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed", Message: "method not allowed"})
	})
	if rt.opts.Metrics != nil {
		r.Use(rt.opts.Metrics.Middleware)
		r.Handle("/metrics", rt.opts.Metrics.Handler()).Methods(http.MethodGet)
	}

	r.HandleFunc("/healthz", rt.healthz).Methods(http.MethodGet)
	r.HandleFunc("/openapi.yaml", rt.openAPIDocument).Methods(http.MethodGet)

	// Worker routes are registered before the user /v1 prefix.
	worker := r.PathPrefix("/v1/worker").Subrouter()
	worker.Use(rt.authenticateWorker, rt.validator.middleware)
	worker.HandleFunc("/documents/{id}/extraction/start", rt.workerStart).Methods(http.MethodPost)
	worker.HandleFunc("/documents/{id}/extraction/complete", rt.workerComplete).Methods(http.MethodPost)
	worker.HandleFunc("/documents/{id}/extraction/fail", rt.workerFail).Methods(http.MethodPost)

	user := r.PathPrefix("/v1").Subrouter()
	user.Use(rt.authenticate, rt.validator.middleware)
	user.HandleFunc("/me", rt.getProfile).Methods(http.MethodGet)
	user.HandleFunc("/me/plan", rt.changePlan).Methods(http.MethodPut)
	user.HandleFunc("/quota/uploads", rt.checkUploadQuota).Methods(http.MethodPost)

	user.HandleFunc("/sessions", rt.listSessions).Methods(http.MethodGet)
	user.HandleFunc("/sessions", rt.createSession).Methods(http.MethodPost)
	user.HandleFunc("/sessions/{id}", rt.getSession).Methods(http.MethodGet)
	user.HandleFunc("/sessions/{id}", rt.renameSession).Methods(http.MethodPatch)
	user.HandleFunc("/sessions/{id}/extraction", rt.enableSessionExtraction).Methods(http.MethodPost)
	user.HandleFunc("/sessions/{id}/export", rt.exportSession).Methods(http.MethodGet)
	user.HandleFunc("/sessions/{id}/documents", rt.uploadSessionDocuments).Methods(http.MethodPost)

	user.HandleFunc("/documents", rt.listDocuments).Methods(http.MethodGet)
	user.HandleFunc("/documents", rt.uploadDocuments).Methods(http.MethodPost)
	user.HandleFunc("/documents/{id}", rt.getDocument).Methods(http.MethodGet)
	user.HandleFunc("/documents/{id}/extraction", rt.requestManualExtraction).Methods(http.MethodPost)
	user.HandleFunc("/documents/{id}/extraction", rt.cancelExtraction).Methods(http.MethodDelete)

	if rt.opts.MCP != nil {
		r.PathPrefix("/mcp").Handler(rt.authenticate(rt.opts.MCP))
	}

	var handler http.Handler = r
	handler = backpressureMiddleware(handler, rt.opts.MaxInFlight, rt.opts.QueueTimeout)
	handler = rateLimitMiddleware(handler, rt.opts.RateLimitRPS, rt.opts.RateLimitBurst)
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) openAPIDocument(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(api.Raw())
}
