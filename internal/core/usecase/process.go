package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/core/ports"
	"github.com/kirillkom/invoice-inspector/internal/observability/logging"
)

const maxFailureMessageLength = 1000

type ProcessDocumentUseCase struct {
	lifecycle ports.ExtractionLifecycle
	extractor ports.TextExtractor
	invoices  ports.InvoiceExtractor
}

func NewProcessDocumentUseCase(
	lifecycle ports.ExtractionLifecycle,
	extractor ports.TextExtractor,
	invoices ports.InvoiceExtractor,
) *ProcessDocumentUseCase {
	return &ProcessDocumentUseCase{
		lifecycle: lifecycle,
		extractor: extractor,
		invoices:  invoices,
	}
}

// Process runs one job. Jobs that no longer own their document, or whose owner
// ran out of tokens, are acknowledged without work.
func (uc *ProcessDocumentUseCase) Process(ctx context.Context, job domain.ExtractionJob) error {
	logger := logging.FromContext(ctx).With("document_id", job.DocumentID, "job_id", job.JobID)

	doc, err := uc.lifecycle.Start(ctx, job.DocumentID, job.JobID)
	if err != nil {
		switch {
		case domain.IsKind(err, domain.ErrInvalidState), domain.IsKind(err, domain.ErrDocumentNotFound):
			logger.Info("extraction_job_stale", "reason", err.Error())
			return nil
		case domain.IsKind(err, domain.ErrQuotaExceeded):
			logger.Info("extraction_job_quota_denied", "reason", err.Error())
			return nil
		default:
			return fmt.Errorf("start extraction: %w", err)
		}
	}

	result, err := uc.processPipeline(ctx, doc)
	if err != nil {
		if _, failErr := uc.lifecycle.Fail(context.WithoutCancel(ctx), doc.ID, failureMessage(err)); failErr != nil {
			return fmt.Errorf("%w; mark failed status: %v", err, failErr)
		}
		return domain.WrapError(domain.ErrExternalWorker, "process document", err)
	}

	if _, err := uc.lifecycle.Complete(ctx, doc.ID, result); err != nil {
		return fmt.Errorf("complete extraction: %w", err)
	}
	logger.Info("extraction_completed", "tokens_used", result.TokensUsed)
	return nil
}

func (uc *ProcessDocumentUseCase) processPipeline(ctx context.Context, doc *domain.Document) (domain.ExtractionResult, error) {
	text, err := uc.extractText(ctx, doc)
	if err != nil {
		return domain.ExtractionResult{}, err
	}
	result, err := uc.invoices.ExtractInvoice(ctx, doc.Filename, text)
	if err != nil {
		return domain.ExtractionResult{}, fmt.Errorf("extract invoice fields: %w", err)
	}
	if result.TokensUsed < 0 {
		result.TokensUsed = 0
	}
	return result, nil
}

func (uc *ProcessDocumentUseCase) extractText(ctx context.Context, doc *domain.Document) (string, error) {
	text, err := uc.extractor.Extract(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("extract text: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "extract text", errors.New("empty extracted text"))
	}
	return text, nil
}

// failureMessage caps the stored error at maxFailureMessageLength bytes
// without splitting a multi-byte rune.
func failureMessage(err error) string {
	msg := strings.ToValidUTF8(err.Error(), "?")
	if len(msg) <= maxFailureMessageLength {
		return msg
	}
	cut := maxFailureMessageLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
