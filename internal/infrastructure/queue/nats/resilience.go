package nats

import (
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/invoice-inspector/internal/infrastructure/resilience"
)

// classifyNATSError retries connection-level failures; a closed connection
// after shutdown is still reported as temporary so jobs are not lost.
func classifyNATSError(err error) resilience.ErrorClassification {
	return resilience.Classify(err, func(err error) resilience.ErrorClassification {
		if errors.Is(err, nats.ErrNoServers) ||
			errors.Is(err, nats.ErrTimeout) ||
			errors.Is(err, nats.ErrConnectionClosed) ||
			errors.Is(err, nats.ErrDisconnected) ||
			errors.Is(err, nats.ErrConnectionReconnecting) {
			return resilience.Transient
		}
		return resilience.Permanent
	})
}

func wrapTemporaryIfNeeded(err error) error {
	return resilience.WrapTemporary("nats publish", err, classifyNATSError)
}
