package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/core/ports"
	"github.com/kirillkom/invoice-inspector/internal/observability/logging"
)

const maxSessionNameLength = 200

// SessionDispatcher enqueues the pending documents of one session right away.
type SessionDispatcher interface {
	DispatchSession(ctx context.Context, sessionID string) (int, error)
}

type SessionUseCase struct {
	sessions   ports.SessionRepository
	docs       ports.DocumentRepository
	aggregator *SessionAggregator
	renderer   ports.SessionReportRenderer
	dispatcher SessionDispatcher
	notify     notifier
	now        func() time.Time
}

func NewSessionUseCase(
	sessions ports.SessionRepository,
	docs ports.DocumentRepository,
	aggregator *SessionAggregator,
	renderer ports.SessionReportRenderer,
	events ports.EventPublisher,
) *SessionUseCase {
	return &SessionUseCase{
		sessions:   sessions,
		docs:       docs,
		aggregator: aggregator,
		renderer:   renderer,
		notify:     notifier{publisher: events},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetDispatcher wires immediate dispatch for sessions that enable extraction.
func (uc *SessionUseCase) SetDispatcher(dispatcher SessionDispatcher) {
	uc.dispatcher = dispatcher
}

func (uc *SessionUseCase) Create(ctx context.Context, user domain.Identity, req ports.CreateSessionRequest) (*domain.Session, error) {
	now := uc.now()
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Session " + now.Format("2006-01-02 15:04")
	}
	if utf8.RuneCountInString(name) > maxSessionNameLength {
		return nil, domain.WrapError(domain.ErrInvalidInput, "create session", fmt.Errorf("name exceeds %d characters", maxSessionNameLength))
	}

	session := &domain.Session{
		ID:                  uuid.NewString(),
		UserID:              user.UserID,
		Name:                name,
		Status:              domain.SessionDraft,
		ExtractionEnabled:   req.ExtractionEnabled,
		AutoExtractOnUpload: req.AutoExtractOnUpload,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := uc.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	uc.notify.sessionChanged(ctx, session, "create session")
	return session, nil
}

func (uc *SessionUseCase) Get(ctx context.Context, user domain.Identity, id string) (*domain.Session, []domain.Document, error) {
	session, err := uc.owned(ctx, user, id)
	if err != nil {
		return nil, nil, err
	}
	docs, err := uc.docs.ListBySession(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("list session documents: %w", err)
	}
	return session, docs, nil
}

func (uc *SessionUseCase) List(ctx context.Context, user domain.Identity) ([]domain.Session, error) {
	sessions, err := uc.sessions.ListByUser(ctx, user.UserID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func (uc *SessionUseCase) Rename(ctx context.Context, user domain.Identity, id, name string) (*domain.Session, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxSessionNameLength {
		return nil, domain.WrapError(domain.ErrInvalidInput, "rename session", errors.New("name must be 1-200 characters"))
	}
	return uc.update(ctx, user, id, "rename session", func(s *domain.Session) {
		s.Name = name
	})
}

// EnableExtraction turns on automatic scheduling for the session and
// dispatches its pending documents.
func (uc *SessionUseCase) EnableExtraction(ctx context.Context, user domain.Identity, id string) (*domain.Session, error) {
	session, err := uc.update(ctx, user, id, "enable extraction", func(s *domain.Session) {
		s.ExtractionEnabled = true
	})
	if err != nil {
		return nil, err
	}

	if uc.dispatcher != nil {
		if n, err := uc.dispatcher.DispatchSession(ctx, id); err != nil {
			logging.FromContext(ctx).Warn("session_dispatch_failed", "session_id", id, "error", err)
		} else if n > 0 {
			logging.FromContext(ctx).Info("session_dispatched", "session_id", id, "enqueued", n)
		}
	}
	if updated, err := uc.aggregator.Recompute(ctx, id, "enable extraction"); err == nil {
		session = updated
	} else {
		logging.FromContext(ctx).Error("session_recompute_failed", "session_id", id, "error", err)
	}
	return session, nil
}

// Export writes the session report and returns the suggested file name.
func (uc *SessionUseCase) Export(ctx context.Context, user domain.Identity, sessionID string, w io.Writer) (string, error) {
	if uc.renderer == nil {
		return "", domain.WrapError(domain.ErrTemporary, "export session", errors.New("report renderer is not configured"))
	}
	session, docs, err := uc.Get(ctx, user, sessionID)
	if err != nil {
		return "", err
	}
	if err := uc.renderer.RenderSession(w, session, docs); err != nil {
		return "", fmt.Errorf("render session report: %w", err)
	}
	return fmt.Sprintf("session_%s.%s", sanitizeFilename(session.Name), uc.renderer.FileExtension()), nil
}

func (uc *SessionUseCase) owned(ctx context.Context, user domain.Identity, id string) (*domain.Session, error) {
	session, err := uc.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.UserID != user.UserID {
		return nil, domain.WrapError(domain.ErrSessionNotFound, "load session", fmt.Errorf("id=%s", id))
	}
	return session, nil
}

func (uc *SessionUseCase) update(
	ctx context.Context,
	user domain.Identity,
	id, operation string,
	mutate func(*domain.Session),
) (*domain.Session, error) {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		session, err := uc.owned(ctx, user, id)
		if err != nil {
			return nil, err
		}
		mutate(session)
		session.UpdatedAt = uc.now()
		if err := uc.sessions.Update(ctx, session); err != nil {
			if domain.IsKind(err, domain.ErrConflict) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("%s: %w", operation, err)
		}
		uc.notify.sessionChanged(ctx, session, operation)
		return session, nil
	}
	return nil, fmt.Errorf("%s: %w", operation, lastErr)
}
