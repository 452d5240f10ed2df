package resilience

import (
	"context"
	"errors"
	"net"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
)

var (
	// Transient failures are retried and count against the breaker.
	Transient = ErrorClassification{Retryable: true, RecordFailure: true}
	// Permanent failures are not retried but still trip the breaker.
	Permanent = ErrorClassification{Retryable: false, RecordFailure: true}
	// Ignored failures are caller-side (bad input, cancellation).
	Ignored = ErrorClassification{}
)

// Classify handles the cases shared by every dependency and defers the rest
// to specific.
func Classify(err error, specific ErrorClassifier) ErrorClassification {
	switch {
	case err == nil:
		return Ignored
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Ignored
	case IsCircuitOpen(err):
		return Transient
	}
	if specific != nil {
		return specific(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	return Permanent
}

// WrapTemporary marks err as domain.ErrTemporary when classifier deems it
// retryable, so callers can requeue instead of failing permanently.
func WrapTemporary(operation string, err error, classifier ErrorClassifier) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if classifier == nil {
		classifier = defaultClassifier
	}
	if classifier(err).Retryable || IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
