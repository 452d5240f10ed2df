package ports

import (
	"context"
	"io"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
)

// UploadFile is one file of an upload batch.
type UploadFile struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// DocumentUploader is the inbound contract for quota-gated uploads.
type DocumentUploader interface {
	Upload(ctx context.Context, user domain.Identity, sessionID string, files []UploadFile) ([]domain.Document, error)
}

// DocumentReader is the owner-scoped read model for documents.
type DocumentReader interface {
	GetDocument(ctx context.Context, user domain.Identity, id string) (*domain.Document, error)
	ListDocuments(ctx context.Context, user domain.Identity, status domain.ExtractionStatus, limit int) ([]domain.Document, error)
}

// ExtractionLifecycle exposes the document state machine. The worker-facing
// calls (Start, Complete, Fail) form the external worker contract.
type ExtractionLifecycle interface {
	Enqueue(ctx context.Context, documentID string) (*domain.Document, error)
	Start(ctx context.Context, documentID, jobID string) (*domain.Document, error)
	Complete(ctx context.Context, documentID string, result domain.ExtractionResult) (*domain.Document, error)
	Fail(ctx context.Context, documentID, message string) (*domain.Document, error)
	RequestManual(ctx context.Context, user domain.Identity, documentID string) (*domain.Document, error)
	Cancel(ctx context.Context, user domain.Identity, documentID string) (*domain.Document, error)
}

// SessionService is the inbound contract for inspection sessions.
type SessionService interface {
	Create(ctx context.Context, user domain.Identity, req CreateSessionRequest) (*domain.Session, error)
	Get(ctx context.Context, user domain.Identity, id string) (*domain.Session, []domain.Document, error)
	List(ctx context.Context, user domain.Identity) ([]domain.Session, error)
	Rename(ctx context.Context, user domain.Identity, id, name string) (*domain.Session, error)
	EnableExtraction(ctx context.Context, user domain.Identity, id string) (*domain.Session, error)
}

type CreateSessionRequest struct {
	Name                string `json:"name"`
	ExtractionEnabled   bool   `json:"extraction_enabled"`
	AutoExtractOnUpload bool   `json:"auto_extract_on_upload"`
}

// SessionExporter renders a session's extracted data as a spreadsheet.
type SessionExporter interface {
	Export(ctx context.Context, user domain.Identity, sessionID string, w io.Writer) (string, error)
}

// QuotaGuard gates new uploads and token consumption against plan ceilings.
type QuotaGuard interface {
	CanUpload(ctx context.Context, user domain.Identity, incomingFiles int) (domain.QuotaDecision, error)
	CanConsumeTokens(ctx context.Context, user domain.Identity, amount int) (domain.QuotaDecision, error)
}

// ProfileService manages the caller's plan.
type ProfileService interface {
	Resolve(ctx context.Context, userID, email string) (*domain.UserProfile, error)
	ChangePlan(ctx context.Context, userID string, plan domain.PlanType) (*domain.UserProfile, error)
	Limits(plan domain.PlanType) domain.PlanLimits
}

// ExtractionScheduler picks pending documents and enqueues them.
type ExtractionScheduler interface {
	Tick(ctx context.Context) (int, error)
}

// DocumentProcessor runs one extraction job on the worker side.
type DocumentProcessor interface {
	Process(ctx context.Context, job domain.ExtractionJob) error
}
