package usecase

import (
	"context"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/core/ports"
	"github.com/kirillkom/invoice-inspector/internal/observability/logging"
)

// maxConflictRetries bounds re-read/re-apply loops on optimistic version conflicts.
const maxConflictRetries = 3

// TransitionObserver is notified after every committed document transition.
type TransitionObserver interface {
	ObserveTransition(operation string, doc *domain.Document)
}

type notifier struct {
	publisher ports.EventPublisher
	observer  TransitionObserver
}

func (n notifier) documentChanged(ctx context.Context, doc *domain.Document, operation string) {
	if n.observer != nil {
		n.observer.ObserveTransition(operation, doc)
	}
	n.publish(ctx, domain.NewDocumentEvent(doc, operation))
}

func (n notifier) sessionChanged(ctx context.Context, session *domain.Session, reason string) {
	n.publish(ctx, domain.NewSessionEvent(session, reason))
}

// Notifications are best effort: a committed transition stays committed.
func (n notifier) publish(ctx context.Context, event domain.ChangeEvent) {
	if n.publisher == nil {
		return
	}
	if err := n.publisher.Publish(ctx, event); err != nil {
		logging.FromContext(ctx).Warn("change_event_publish_failed",
			"kind", event.Kind,
			"entity_id", event.EntityID,
			"error", err,
		)
	}
}
