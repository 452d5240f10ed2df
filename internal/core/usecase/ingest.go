package usecase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/core/ports"
	"github.com/kirillkom/invoice-inspector/internal/observability/logging"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type IngestDocumentUseCase struct {
	repo        ports.DocumentRepository
	sessions    ports.SessionRepository
	storage     ports.ObjectStorage
	quota       ports.QuotaGuard
	aggregator  *SessionAggregator
	dispatcher  SessionDispatcher
	locker      ports.Locker
	notify      notifier
	maxAttempts int
	now         func() time.Time
}

func NewIngestDocumentUseCase(
	repo ports.DocumentRepository,
	sessions ports.SessionRepository,
	storage ports.ObjectStorage,
	quota ports.QuotaGuard,
	aggregator *SessionAggregator,
	events ports.EventPublisher,
	maxAttempts int,
) *IngestDocumentUseCase {
	return &IngestDocumentUseCase{
		repo:        repo,
		sessions:    sessions,
		storage:     storage,
		quota:       quota,
		aggregator:  aggregator,
		locker:      newLocalLocker(),
		notify:      notifier{publisher: events},
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetDispatcher wires immediate dispatch for sessions with auto extraction.
func (uc *IngestDocumentUseCase) SetDispatcher(dispatcher SessionDispatcher) {
	uc.dispatcher = dispatcher
}

// SetLocker replaces the in-process per-user upload lock with a shared one.
func (uc *IngestDocumentUseCase) SetLocker(locker ports.Locker) {
	uc.locker = locker
}

// Upload checks the document quota for the whole batch before anything is
// stored, so a batch is admitted or denied as a unit.
func (uc *IngestDocumentUseCase) Upload(
	ctx context.Context,
	user domain.Identity,
	sessionID string,
	files []ports.UploadFile,
) ([]domain.Document, error) {
	if len(files) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload documents", errors.New("no files"))
	}
	for _, f := range files {
		if strings.TrimSpace(f.Filename) == "" || f.Body == nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "upload documents", errors.New("file name and body are required"))
		}
	}

	var session *domain.Session
	if sessionID != "" {
		s, err := uc.sessions.GetByID(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if s.UserID != user.UserID {
			return nil, domain.WrapError(domain.ErrSessionNotFound, "upload documents", fmt.Errorf("id=%s", sessionID))
		}
		session = s
	}

	docs, err := uc.admit(ctx, user, sessionID, files)
	if session != nil && len(docs) > 0 {
		if _, recomputeErr := uc.aggregator.Recompute(ctx, sessionID, "upload"); recomputeErr != nil {
			logging.FromContext(ctx).Error("session_recompute_failed", "session_id", sessionID, "error", recomputeErr)
		}
	}
	if err != nil {
		return docs, err
	}

	logging.FromContext(ctx).Info("documents_uploaded",
		"session_id", sessionID,
		"count", len(docs),
	)

	if session == nil {
		return docs, nil
	}
	if session.AutoExtractOnUpload && uc.dispatcher != nil {
		if _, err := uc.dispatcher.DispatchSession(ctx, sessionID); err != nil {
			logging.FromContext(ctx).Warn("session_dispatch_failed", "session_id", sessionID, "error", err)
		}
	}
	return docs, nil
}

// admit holds the owner's upload lock from the quota check until the last
// document row exists, so concurrent batches are counted against each other.
// Documents stored before a failure are returned with the error.
func (uc *IngestDocumentUseCase) admit(
	ctx context.Context,
	user domain.Identity,
	sessionID string,
	files []ports.UploadFile,
) ([]domain.Document, error) {
	release, err := uc.locker.Lock(ctx, uploadLockKey(user.UserID))
	if err != nil {
		return nil, fmt.Errorf("lock uploads: %w", err)
	}
	defer release()

	if _, err := uc.quota.CanUpload(ctx, user, len(files)); err != nil {
		return nil, err
	}

	docs := make([]domain.Document, 0, len(files))
	for _, f := range files {
		doc, err := uc.store(ctx, user, sessionID, f)
		if err != nil {
			return docs, err
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}

func (uc *IngestDocumentUseCase) store(ctx context.Context, user domain.Identity, sessionID string, f ports.UploadFile) (*domain.Document, error) {
	id := uuid.NewString()
	storageKey := fmt.Sprintf("%s/%s_%s", user.UserID, id, sanitizeFilename(f.Filename))

	url, err := uc.storage.Save(ctx, storageKey, f.Body, f.Size, f.ContentType)
	if err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}

	doc := domain.NewDocument(id, user.UserID, sessionID, filepath.Base(f.Filename), f.Size, uc.maxAttempts, uc.now())
	doc.MimeType = f.ContentType
	doc.StorageKey = storageKey
	doc.UploadURL = url

	if err := uc.repo.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document metadata: %w", err)
	}
	uc.notify.documentChanged(ctx, doc, "upload")
	return doc, nil
}

func (uc *IngestDocumentUseCase) GetDocument(ctx context.Context, user domain.Identity, id string) (*domain.Document, error) {
	doc, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc.UserID != user.UserID {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
	}
	return doc, nil
}

func (uc *IngestDocumentUseCase) ListDocuments(
	ctx context.Context,
	user domain.Identity,
	status domain.ExtractionStatus,
	limit int,
) ([]domain.Document, error) {
	if status != "" && !status.Valid() {
		return nil, domain.WrapError(domain.ErrInvalidInput, "list documents", fmt.Errorf("unknown status %q", status))
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	docs, err := uc.repo.ListByUser(ctx, user.UserID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." {
		return "document.bin"
	}
	return base
}
