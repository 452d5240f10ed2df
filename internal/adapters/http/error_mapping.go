package httpadapter

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/observability/logging"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type quotaErrorBody struct {
	errorBody
	domain.QuotaDecision
}

func mapErrorToHTTPStatus(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case domain.IsKind(err, domain.ErrQuotaExceeded):
		return http.StatusPaymentRequired
	case domain.IsKind(err, domain.ErrDocumentNotFound),
		domain.IsKind(err, domain.ErrSessionNotFound),
		domain.IsKind(err, domain.ErrProfileNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrInvalidState), domain.IsKind(err, domain.ErrConflict):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrAttemptsExceeded):
		return http.StatusUnprocessableEntity
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_input"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusPaymentRequired:
		return "quota_exceeded"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusUnprocessableEntity:
		return "attempts_exceeded"
	case http.StatusServiceUnavailable:
		return "temporarily_unavailable"
	default:
		return "internal_error"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	body := errorBody{Error: errorCode(status), Message: err.Error()}

	if status >= 500 {
		logging.FromContext(r.Context()).Error("http_handler_failed", "path", r.URL.Path, "status", status, "error", err)
		if status == http.StatusInternalServerError {
			body.Message = "internal server error"
		}
	}

	var denial *domain.QuotaDenial
	if status == http.StatusPaymentRequired && errors.As(err, &denial) {
		body.Message = denial.Decision.Reason
		writeJSON(w, status, quotaErrorBody{errorBody: body, QuotaDecision: denial.Decision})
		return
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
