package ollama

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/invoice-inspector/internal/infrastructure/resilience"
)

// HTTPStatusError is a non-2xx answer from the Ollama API.
type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "ollama status error"
	}
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("ollama %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("ollama %s status: %s: %s", e.Operation, e.Status, body)
}

// classifyOllamaError retries overload and gateway statuses. A 4xx means the
// prompt or model is wrong and is not held against the breaker.
func classifyOllamaError(err error) resilience.ErrorClassification {
	return resilience.Classify(err, func(err error) resilience.ErrorClassification {
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			switch statusErr.StatusCode {
			case http.StatusRequestTimeout, http.StatusTooManyRequests,
				http.StatusInternalServerError, http.StatusBadGateway,
				http.StatusServiceUnavailable, http.StatusGatewayTimeout:
				return resilience.Transient
			}
			return resilience.Ignored
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return resilience.Transient
		}
		return resilience.Permanent
	})
}

func wrapTemporaryIfNeeded(operation string, err error) error {
	return resilience.WrapTemporary(operation, err, classifyOllamaError)
}
