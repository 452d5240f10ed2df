package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/core/ports"
	"github.com/kirillkom/invoice-inspector/internal/observability/logging"
)

type ExtractionPolicy struct {
	ManualPriority int
	// TokenReserve is the token amount checked against the plan before an
	// extraction may start.
	TokenReserve  int
	RetryCooldown time.Duration
}

type ExtractionUseCase struct {
	docs       ports.DocumentRepository
	profiles   ports.ProfileRepository
	queue      ports.JobQueue
	quota      ports.QuotaGuard
	aggregator *SessionAggregator
	notify     notifier
	policy     ExtractionPolicy

	now   func() time.Time
	jobID func() string
}

func NewExtractionUseCase(
	docs ports.DocumentRepository,
	profiles ports.ProfileRepository,
	queue ports.JobQueue,
	quota ports.QuotaGuard,
	aggregator *SessionAggregator,
	events ports.EventPublisher,
	policy ExtractionPolicy,
) *ExtractionUseCase {
	if policy.ManualPriority <= 0 {
		policy.ManualPriority = domain.DefaultManualPriority
	}
	return &ExtractionUseCase{
		docs:       docs,
		profiles:   profiles,
		queue:      queue,
		quota:      quota,
		aggregator: aggregator,
		notify:     notifier{publisher: events},
		policy:     policy,
		now:        func() time.Time { return time.Now().UTC() },
		jobID:      uuid.NewString,
	}
}

// SetObserver registers a hook called after each committed transition.
func (uc *ExtractionUseCase) SetObserver(observer TransitionObserver) {
	uc.notify.observer = observer
}

func (uc *ExtractionUseCase) Enqueue(ctx context.Context, documentID string) (*domain.Document, error) {
	jobID := uc.jobID()
	doc, err := uc.transition(ctx, documentID, "enqueue", func(doc *domain.Document) error {
		return doc.Enqueue(jobID, uc.now())
	})
	if err != nil {
		return nil, err
	}

	job := domain.ExtractionJob{
		JobID:      jobID,
		DocumentID: doc.ID,
		UserID:     doc.UserID,
		SessionID:  doc.SessionID,
		Priority:   doc.Priority,
		Attempt:    doc.ExtractionAttempts + 1,
		QueuedAt:   doc.UpdatedAt,
	}
	if err := uc.queue.PublishExtractionJob(ctx, job); err != nil {
		if _, revertErr := uc.revertQueued(ctx, documentID, jobID); revertErr != nil {
			return nil, fmt.Errorf("publish extraction job: %w; revert queued: %v", err, revertErr)
		}
		return nil, fmt.Errorf("publish extraction job: %w", err)
	}
	return doc, nil
}

// Start claims a queued document for the worker holding jobID. An empty jobID
// skips the job match. The token quota is consulted before the claim.
func (uc *ExtractionUseCase) Start(ctx context.Context, documentID, jobID string) (*domain.Document, error) {
	doc, err := uc.transition(ctx, documentID, "start extraction", func(doc *domain.Document) error {
		if jobID != "" && doc.ExtractionJobID != jobID {
			return domain.WrapError(domain.ErrInvalidState, "start extraction",
				fmt.Errorf("document %s is held by job %q, not %q", doc.ID, doc.ExtractionJobID, jobID))
		}
		if doc.ExtractionStatus == domain.ExtractionQueued {
			if err := uc.checkTokenQuota(ctx, doc.UserID); err != nil {
				return err
			}
		}
		return doc.StartExtraction(uc.now())
	})
	if err != nil {
		if domain.IsKind(err, domain.ErrQuotaExceeded) {
			if _, revertErr := uc.revertQueued(ctx, documentID, jobID); revertErr != nil {
				logging.FromContext(ctx).Warn("quota_revert_failed", "document_id", documentID, "error", revertErr)
			}
		}
		return nil, err
	}
	return doc, nil
}

func (uc *ExtractionUseCase) Complete(ctx context.Context, documentID string, result domain.ExtractionResult) (*domain.Document, error) {
	doc, err := uc.transition(ctx, documentID, "complete extraction", func(doc *domain.Document) error {
		return doc.CompleteExtraction(result.Data, result.TokensUsed, uc.now())
	})
	if err != nil {
		return nil, err
	}
	if result.TokensUsed > 0 {
		if err := uc.profiles.ConsumeTokens(ctx, doc.UserID, result.TokensUsed); err != nil {
			logging.FromContext(ctx).Error("token_accounting_failed",
				"document_id", doc.ID,
				"user_id", doc.UserID,
				"tokens", result.TokensUsed,
				"error", err,
			)
		}
	}
	return doc, nil
}

func (uc *ExtractionUseCase) Fail(ctx context.Context, documentID, message string) (*domain.Document, error) {
	doc, err := uc.transition(ctx, documentID, "fail extraction", func(doc *domain.Document) error {
		return doc.FailExtraction(message, uc.now())
	})
	if err != nil {
		return nil, err
	}
	if !doc.AttemptsRemaining() {
		logging.FromContext(ctx).Warn("extraction_attempts_exhausted",
			"document_id", doc.ID,
			"attempts", doc.ExtractionAttempts,
			"error_message", doc.ExtractionError,
		)
	}
	return doc, nil
}

func (uc *ExtractionUseCase) RequestManual(ctx context.Context, user domain.Identity, documentID string) (*domain.Document, error) {
	return uc.transition(ctx, documentID, "request manual extraction", func(doc *domain.Document) error {
		if doc.UserID != user.UserID {
			return domain.WrapError(domain.ErrDocumentNotFound, "request manual extraction", fmt.Errorf("id=%s", documentID))
		}
		return doc.RequestManualExtraction(uc.policy.ManualPriority, uc.now())
	})
}

func (uc *ExtractionUseCase) Cancel(ctx context.Context, user domain.Identity, documentID string) (*domain.Document, error) {
	return uc.transition(ctx, documentID, "cancel extraction", func(doc *domain.Document) error {
		if doc.UserID != user.UserID {
			return domain.WrapError(domain.ErrDocumentNotFound, "cancel extraction", fmt.Errorf("id=%s", documentID))
		}
		return doc.CancelQueued(uc.now())
	})
}

// RetryFailed moves an automatically failed document back to pending once its
// cool-down has elapsed.
func (uc *ExtractionUseCase) RetryFailed(ctx context.Context, documentID string) (*domain.Document, error) {
	return uc.transition(ctx, documentID, "retry extraction", func(doc *domain.Document) error {
		return doc.RetryAfterFailure(uc.now(), uc.policy.RetryCooldown)
	})
}

// ReleaseQueued puts a queued document whose job never reached a worker back
// to pending. Start never ran, so no attempt is spent. jobID guards against
// releasing a document that was enqueued again in the meantime.
func (uc *ExtractionUseCase) ReleaseQueued(ctx context.Context, documentID, jobID string) (*domain.Document, error) {
	if jobID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "release queued extraction", errors.New("job id is required"))
	}
	return uc.revertQueued(ctx, documentID, jobID)
}

func (uc *ExtractionUseCase) revertQueued(ctx context.Context, documentID, jobID string) (*domain.Document, error) {
	return uc.transition(context.WithoutCancel(ctx), documentID, "cancel extraction", func(doc *domain.Document) error {
		if jobID != "" && doc.ExtractionJobID != jobID {
			return domain.WrapError(domain.ErrInvalidState, "cancel extraction", errors.New("job no longer owns document"))
		}
		return doc.CancelQueued(uc.now())
	})
}

func (uc *ExtractionUseCase) checkTokenQuota(ctx context.Context, userID string) error {
	profile, err := uc.profiles.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	_, err = uc.quota.CanConsumeTokens(ctx, profile.Identity(), uc.policy.TokenReserve)
	return err
}

// transition applies fn to a fresh copy of the document and stores it with a
// version check. A conflict re-reads the document, so fn's precondition is
// evaluated again against the winner's state.
func (uc *ExtractionUseCase) transition(
	ctx context.Context,
	documentID, operation string,
	fn func(*domain.Document) error,
) (*domain.Document, error) {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		doc, err := uc.docs.GetByID(ctx, documentID)
		if err != nil {
			return nil, fmt.Errorf("%s: fetch document: %w", operation, err)
		}
		if err := fn(doc); err != nil {
			return nil, err
		}
		if err := uc.docs.Update(ctx, doc); err != nil {
			if domain.IsKind(err, domain.ErrConflict) {
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("%s: persist document: %w", operation, err)
		}

		logging.FromContext(ctx).Info("document_transition",
			"operation", operation,
			"document_id", doc.ID,
			"extraction_status", doc.ExtractionStatus,
			"attempts", doc.ExtractionAttempts,
		)
		uc.notify.documentChanged(ctx, doc, operation)
		uc.recomputeSession(ctx, doc, operation)
		return doc, nil
	}
	return nil, fmt.Errorf("%s: %w", operation, lastErr)
}

// The aggregate is a pure function of member documents, so a failed recompute
// is repaired by the next one and does not undo the committed transition.
func (uc *ExtractionUseCase) recomputeSession(ctx context.Context, doc *domain.Document, reason string) {
	if doc.SessionID == "" || uc.aggregator == nil {
		return
	}
	if _, err := uc.aggregator.Recompute(ctx, doc.SessionID, reason); err != nil {
		logging.FromContext(ctx).Error("session_recompute_failed",
			"session_id", doc.SessionID,
			"document_id", doc.ID,
			"error", err,
		)
	}
}
