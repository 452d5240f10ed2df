package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/core/ports"
	"github.com/kirillkom/invoice-inspector/internal/observability/logging"
)

type extractionRecoverer interface {
	Fail(ctx context.Context, documentID, message string) (*domain.Document, error)
	ReleaseQueued(ctx context.Context, documentID, jobID string) (*domain.Document, error)
}

type WatchdogConfig struct {
	// ExtractionTimeout fails documents stuck in extracting. Zero disables it.
	ExtractionTimeout time.Duration
	// QueueTimeout returns documents stuck in queued to pending, which covers
	// jobs published while no worker was subscribed. Zero disables it.
	QueueTimeout time.Duration
	BatchSize    int
}

// StaleExtractionWatchdog recovers documents whose job was lost: extractions
// whose worker stopped reporting are failed, jobs that never started are
// released for the scheduler to dispatch again.
type StaleExtractionWatchdog struct {
	docs      ports.DocumentRepository
	lifecycle extractionRecoverer
	cfg       WatchdogConfig
	now       func() time.Time
}

func NewStaleExtractionWatchdog(docs ports.DocumentRepository, lifecycle extractionRecoverer, cfg WatchdogConfig) *StaleExtractionWatchdog {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &StaleExtractionWatchdog{
		docs:      docs,
		lifecycle: lifecycle,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Sweep returns how many documents it recovered.
func (w *StaleExtractionWatchdog) Sweep(ctx context.Context) (int, error) {
	failed, err := w.failStaleExtractions(ctx)
	if err != nil {
		return 0, err
	}
	released, err := w.releaseStaleQueued(ctx)
	if err != nil {
		return failed, err
	}
	return failed + released, nil
}

func (w *StaleExtractionWatchdog) failStaleExtractions(ctx context.Context) (int, error) {
	if w.cfg.ExtractionTimeout <= 0 {
		return 0, nil
	}
	stale, err := w.docs.ListStaleExtracting(ctx, w.now().Add(-w.cfg.ExtractionTimeout), w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale extractions: %w", err)
	}

	failed := 0
	message := fmt.Sprintf("extraction timed out after %s", w.cfg.ExtractionTimeout)
	for _, doc := range stale {
		if _, err := w.lifecycle.Fail(ctx, doc.ID, message); err != nil {
			if !domain.IsKind(err, domain.ErrInvalidState) {
				logging.FromContext(ctx).Warn("stale_extraction_fail_error", "document_id", doc.ID, "error", err)
			}
			continue
		}
		failed++
	}
	if failed > 0 {
		logging.FromContext(ctx).Warn("stale_extractions_failed", "count", failed, "timeout", w.cfg.ExtractionTimeout.String())
	}
	return failed, nil
}

func (w *StaleExtractionWatchdog) releaseStaleQueued(ctx context.Context) (int, error) {
	if w.cfg.QueueTimeout <= 0 {
		return 0, nil
	}
	stale, err := w.docs.ListStaleQueued(ctx, w.now().Add(-w.cfg.QueueTimeout), w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale queued documents: %w", err)
	}

	released := 0
	for _, doc := range stale {
		if _, err := w.lifecycle.ReleaseQueued(ctx, doc.ID, doc.ExtractionJobID); err != nil {
			if !domain.IsKind(err, domain.ErrInvalidState) {
				logging.FromContext(ctx).Warn("stale_queued_release_error", "document_id", doc.ID, "error", err)
			}
			continue
		}
		released++
	}
	if released > 0 {
		logging.FromContext(ctx).Warn("stale_queued_released", "count", released, "timeout", w.cfg.QueueTimeout.String())
	}
	return released, nil
}
