package usecase

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
)

func extractingDoc(id string, startedAt time.Time) domain.Document {
	doc := pendingDoc(id, "")
	doc.ExtractionStatus = domain.ExtractionExtracting
	doc.ExtractionJobID = "job-" + id
	doc.ExtractionAttempts = 1
	doc.ExtractionStartedAt = &startedAt
	return doc
}

func TestWatchdogFailsOnlyStaleExtractions(t *testing.T) {
	f := newLifecycleFixture()
	f.docs.put(extractingDoc("stale", testNow.Add(-10*time.Minute)))
	f.docs.put(extractingDoc("fresh", testNow.Add(-time.Minute)))

	watchdog := NewStaleExtractionWatchdog(f.docs, f.uc, WatchdogConfig{ExtractionTimeout: 5 * time.Minute})
	watchdog.now = func() time.Time { return testNow }

	failed, err := watchdog.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if failed != 1 {
		t.Fatalf("expected 1 timed out extraction, got %d", failed)
	}

	stale := f.docs.get("stale")
	if stale.ExtractionStatus != domain.ExtractionFailed {
		t.Fatalf("expected stale document failed, got %s", stale.ExtractionStatus)
	}
	if !strings.HasPrefix(stale.ExtractionError, "extraction timed out after 5m0s") {
		t.Fatalf("unexpected error message %q", stale.ExtractionError)
	}
	if fresh := f.docs.get("fresh"); fresh.ExtractionStatus != domain.ExtractionExtracting {
		t.Fatalf("fresh extraction must be untouched, got %s", fresh.ExtractionStatus)
	}
}

func TestWatchdogDisabledWithoutTimeout(t *testing.T) {
	f := newLifecycleFixture()
	f.docs.put(extractingDoc("stale", testNow.Add(-time.Hour)))

	failed, err := NewStaleExtractionWatchdog(f.docs, f.uc, WatchdogConfig{BatchSize: 10}).Sweep(context.Background())
	if err != nil || failed != 0 {
		t.Fatalf("expected disabled watchdog, got %d, %v", failed, err)
	}
}

func queuedDoc(id, sessionID string, queuedAt time.Time) domain.Document {
	doc := pendingDoc(id, sessionID)
	doc.ExtractionStatus = domain.ExtractionQueued
	doc.ExtractionJobID = "job-" + id
	doc.UpdatedAt = queuedAt
	return doc
}

func TestWatchdogReleasesStaleQueuedDocuments(t *testing.T) {
	f := newLifecycleFixture()
	f.docs.put(queuedDoc("lost", "", testNow.Add(-time.Hour)))
	f.docs.put(queuedDoc("recent", "", testNow.Add(-time.Minute)))

	watchdog := NewStaleExtractionWatchdog(f.docs, f.uc, WatchdogConfig{QueueTimeout: 15 * time.Minute})
	watchdog.now = func() time.Time { return testNow }

	released, err := watchdog.Sweep(context.Background())
	if err != nil || released != 1 {
		t.Fatalf("expected 1 released document, got %d, %v", released, err)
	}
	lost := f.docs.get("lost")
	if lost.ExtractionStatus != domain.ExtractionPending || lost.ExtractionJobID != "" || lost.ExtractionAttempts != 0 {
		t.Fatalf("unexpected released document: %+v", lost)
	}
	if recent := f.docs.get("recent"); recent.ExtractionStatus != domain.ExtractionQueued {
		t.Fatalf("recently queued document must be untouched, got %s", recent.ExtractionStatus)
	}
}

func TestWatchdogKeepsRequeuedDocument(t *testing.T) {
	f := newLifecycleFixture()
	f.docs.put(queuedDoc("d-1", "", testNow.Add(-time.Hour)))

	if _, err := f.uc.ReleaseQueued(context.Background(), "d-1", "job-older"); !domain.IsKind(err, domain.ErrInvalidState) {
		t.Fatalf("expected a superseded job id to be refused, got %v", err)
	}
	if _, err := f.uc.ReleaseQueued(context.Background(), "d-1", ""); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected a blank job id to be refused, got %v", err)
	}
	if got := f.docs.get("d-1"); got.ExtractionStatus != domain.ExtractionQueued {
		t.Fatalf("document must stay queued, got %s", got.ExtractionStatus)
	}
}

// Jobs published while no worker is subscribed are dropped by the broker.
// The session must not stay blocked behind its concurrency cap forever.
func TestLostJobsDoNotBlockSessionForever(t *testing.T) {
	fx, scheduler := newSchedulerFixture(activeSession("s-1"))
	fx.docs.put(pendingDoc("d-1", "s-1"))
	fx.docs.put(pendingDoc("d-2", "s-1"))
	fx.docs.put(pendingDoc("d-3", "s-1"))
	ctx := context.Background()

	if n, err := scheduler.Tick(ctx); err != nil || n != 2 {
		t.Fatalf("expected 2 enqueued, got %d, %v", n, err)
	}

	later := testNow.Add(24 * time.Hour)
	fx.uc.now = func() time.Time { return later }
	scheduler.now = func() time.Time { return later }
	if n, err := scheduler.Tick(ctx); err != nil || n != 0 {
		t.Fatalf("expected the cap to hold while jobs are queued, got %d, %v", n, err)
	}

	watchdog := NewStaleExtractionWatchdog(fx.docs, fx.uc, WatchdogConfig{
		ExtractionTimeout: 5 * time.Minute,
		QueueTimeout:      15 * time.Minute,
	})
	watchdog.now = func() time.Time { return later }
	if n, err := watchdog.Sweep(ctx); err != nil || n != 2 {
		t.Fatalf("expected 2 lost jobs recovered, got %d, %v", n, err)
	}
	for _, id := range []string{"d-1", "d-2"} {
		doc := fx.docs.get(id)
		if doc.ExtractionStatus != domain.ExtractionPending || doc.ExtractionAttempts != 0 {
			t.Fatalf("expected %s pending with no attempt spent, got %+v", id, doc)
		}
	}

	if n, err := scheduler.Tick(ctx); err != nil || n != 2 {
		t.Fatalf("expected recovered documents dispatched again, got %d, %v", n, err)
	}
	job := fx.queue.jobs[len(fx.queue.jobs)-2]
	if _, err := fx.uc.Start(ctx, job.DocumentID, job.JobID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := fx.uc.Complete(ctx, job.DocumentID, domain.ExtractionResult{Data: map[string]any{"total": 1.0}, TokensUsed: 5}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if n, err := scheduler.Tick(ctx); err != nil || n != 1 {
		t.Fatalf("expected d-3 dispatched once a slot frees, got %d, %v", n, err)
	}
	if got := fx.docs.get("d-3"); got.ExtractionStatus != domain.ExtractionQueued {
		t.Fatalf("expected d-3 queued, got %s", got.ExtractionStatus)
	}
}
