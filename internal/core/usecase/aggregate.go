package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/core/ports"
)

// SessionAggregator recomputes session counters and status from member documents.
type SessionAggregator struct {
	sessions ports.SessionRepository
	docs     ports.DocumentRepository
	notify   notifier
	now      func() time.Time
}

func NewSessionAggregator(
	sessions ports.SessionRepository,
	docs ports.DocumentRepository,
	events ports.EventPublisher,
) *SessionAggregator {
	return &SessionAggregator{
		sessions: sessions,
		docs:     docs,
		notify:   notifier{publisher: events},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Recompute reads the full member set and writes the derived aggregate with a
// version check, re-reading on conflict. Unchanged aggregates are not written.
func (a *SessionAggregator) Recompute(ctx context.Context, sessionID, reason string) (*domain.Session, error) {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		session, err := a.sessions.GetByID(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("fetch session: %w", err)
		}
		docs, err := a.docs.ListBySession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("list session documents: %w", err)
		}

		if !session.Apply(domain.Aggregate(session.ExtractionActive(), docs)) {
			return session, nil
		}
		session.UpdatedAt = a.now()

		if err := a.sessions.Update(ctx, session); err != nil {
			if domain.IsKind(err, domain.ErrConflict) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("persist session aggregate: %w", err)
		}
		a.notify.sessionChanged(ctx, session, reason)
		return session, nil
	}
	return nil, fmt.Errorf("recompute session %s: %w", sessionID, lastErr)
}
