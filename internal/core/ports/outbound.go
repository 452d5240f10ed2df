package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
)

// DocumentRepository persists documents. Update is a compare-and-swap on
// Version and returns domain.ErrConflict when another writer got there first.
type DocumentRepository interface {
	Create(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	Update(ctx context.Context, doc *domain.Document) error
	ListBySession(ctx context.Context, sessionID string) ([]domain.Document, error)
	ListByUser(ctx context.Context, userID string, status domain.ExtractionStatus, limit int) ([]domain.Document, error)
	CountByUser(ctx context.Context, userID string) (int, error)
	ListExtractionCandidates(ctx context.Context, sessionID string, limit int) ([]domain.ExtractionCandidate, error)
	ListRetryable(ctx context.Context, failedBefore time.Time, limit int) ([]domain.Document, error)
	CountInFlightBySession(ctx context.Context) (map[string]int, error)
	ListStaleExtracting(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Document, error)
	ListStaleQueued(ctx context.Context, queuedBefore time.Time, limit int) ([]domain.Document, error)
}

// SessionRepository persists sessions with the same optimistic Update contract.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	Update(ctx context.Context, session *domain.Session) error
	ListByUser(ctx context.Context, userID string) ([]domain.Session, error)
}

// ProfileRepository stores user plan state.
type ProfileRepository interface {
	Ensure(ctx context.Context, userID, email string, tokens int) (*domain.UserProfile, error)
	GetByID(ctx context.Context, userID string) (*domain.UserProfile, error)
	SetPlan(ctx context.Context, userID string, plan domain.PlanType, tokens int) (*domain.UserProfile, error)
	ConsumeTokens(ctx context.Context, userID string, amount int) error
}

// Locker serializes a critical section keyed by name across every process
// sharing the backend. release must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// ObjectStorage stores source files and hands back a durable retrieval URL.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader, size int64, contentType string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// JobQueue hands extraction jobs to workers.
type JobQueue interface {
	PublishExtractionJob(ctx context.Context, job domain.ExtractionJob) error
	SubscribeExtractionJobs(ctx context.Context, handler func(context.Context, domain.ExtractionJob) error) error
}

// EventPublisher delivers change notifications to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.ChangeEvent) error
}

// TextExtractor turns a stored file into plain text.
type TextExtractor interface {
	Extract(ctx context.Context, doc *domain.Document) (string, error)
}

// InvoiceExtractor derives structured invoice fields from document text.
type InvoiceExtractor interface {
	ExtractInvoice(ctx context.Context, filename, text string) (domain.ExtractionResult, error)
}

// SessionReportRenderer writes a session and its documents as a spreadsheet.
type SessionReportRenderer interface {
	RenderSession(w io.Writer, session *domain.Session, docs []domain.Document) error
	FileExtension() string
}
