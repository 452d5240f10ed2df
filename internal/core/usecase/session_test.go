package usecase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/core/ports"
)

type rendererFake struct {
	session *domain.Session
	docs    []domain.Document
	err     error
}

func (f *rendererFake) RenderSession(w io.Writer, session *domain.Session, docs []domain.Document) error {
	if f.err != nil {
		return f.err
	}
	f.session = session
	f.docs = docs
	_, err := io.WriteString(w, "xlsx-bytes")
	return err
}

func (f *rendererFake) FileExtension() string { return "xlsx" }

type dispatcherFake struct {
	sessionIDs []string
	err        error
}

func (f *dispatcherFake) DispatchSession(_ context.Context, sessionID string) (int, error) {
	f.sessionIDs = append(f.sessionIDs, sessionID)
	return 1, f.err
}

func newSessionFixture(sessions ...domain.Session) (*SessionUseCase, *sessionRepoFake, *docRepoFake, *rendererFake) {
	sessionRepo := newSessionRepoFake(sessions...)
	docs := newDocRepoFake(sessionRepo)
	aggregator := NewSessionAggregator(sessionRepo, docs, nil)
	renderer := &rendererFake{}
	uc := NewSessionUseCase(sessionRepo, docs, aggregator, renderer, &eventsFake{})
	uc.now = func() time.Time { return testNow }
	return uc, sessionRepo, docs, renderer
}

var owner = domain.Identity{UserID: "user-1", PlanType: domain.PlanFree}

func TestCreateSessionDefaultsName(t *testing.T) {
	uc, repo, _, _ := newSessionFixture()

	session, err := uc.Create(context.Background(), owner, ports.CreateSessionRequest{AutoExtractOnUpload: true})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if session.Name != "Session 2026-03-01 10:00" || session.Status != domain.SessionDraft {
		t.Fatalf("unexpected session: %+v", session)
	}
	if !session.ExtractionActive() {
		t.Fatalf("auto extraction must make the session active")
	}
	if _, ok := repo.sessions[session.ID]; !ok {
		t.Fatalf("expected session persisted")
	}
}

func TestSessionOwnershipIsEnforced(t *testing.T) {
	uc, _, _, _ := newSessionFixture(domain.Session{ID: "s-1", UserID: "user-1", Name: "March"})
	stranger := domain.Identity{UserID: "user-2"}

	if _, _, err := uc.Get(context.Background(), stranger, "s-1"); !domain.IsKind(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected not found for stranger, got %v", err)
	}
	if _, err := uc.Rename(context.Background(), stranger, "s-1", "Mine"); !domain.IsKind(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected not found on rename, got %v", err)
	}
}

func TestRenameSession(t *testing.T) {
	uc, repo, _, _ := newSessionFixture(domain.Session{ID: "s-1", UserID: "user-1", Name: "March"})

	session, err := uc.Rename(context.Background(), owner, "s-1", "  April invoices ")
	if err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if session.Name != "April invoices" || repo.snapshot("s-1").Version != 1 {
		t.Fatalf("unexpected rename result: %+v", session)
	}
	if _, err := uc.Rename(context.Background(), owner, "s-1", "   "); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank name, got %v", err)
	}
}

func TestSessionNameLimitCountsCharacters(t *testing.T) {
	uc, _, _, _ := newSessionFixture(domain.Session{ID: "s-1", UserID: "user-1", Name: "March"})
	cyrillic := strings.Repeat("ж", maxSessionNameLength)

	session, err := uc.Create(context.Background(), owner, ports.CreateSessionRequest{Name: cyrillic})
	if err != nil {
		t.Fatalf("Create() with %d characters error = %v", maxSessionNameLength, err)
	}
	if session.Name != cyrillic {
		t.Fatalf("unexpected name length %d", len(session.Name))
	}
	if _, err := uc.Rename(context.Background(), owner, "s-1", cyrillic); err != nil {
		t.Fatalf("Rename() with %d characters error = %v", maxSessionNameLength, err)
	}
	if _, err := uc.Rename(context.Background(), owner, "s-1", cyrillic+"ж"); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input past the limit, got %v", err)
	}
}

func TestEnableExtractionDispatchesAndRecomputes(t *testing.T) {
	uc, repo, docs, _ := newSessionFixture(domain.Session{ID: "s-1", UserID: "user-1", Name: "March"})
	docs.put(pendingDoc("d-1", "s-1"))
	dispatcher := &dispatcherFake{}
	uc.SetDispatcher(dispatcher)

	session, err := uc.EnableExtraction(context.Background(), owner, "s-1")
	if err != nil {
		t.Fatalf("EnableExtraction() error = %v", err)
	}
	if !session.ExtractionEnabled || session.Status != domain.SessionProcessing || session.TotalFiles != 1 {
		t.Fatalf("unexpected session: %+v", session)
	}
	if len(dispatcher.sessionIDs) != 1 || dispatcher.sessionIDs[0] != "s-1" {
		t.Fatalf("expected dispatch for s-1, got %v", dispatcher.sessionIDs)
	}
	if !repo.snapshot("s-1").ExtractionEnabled {
		t.Fatalf("flag must be persisted")
	}
}

func TestEnableExtractionSurvivesDispatchError(t *testing.T) {
	uc, _, _, _ := newSessionFixture(domain.Session{ID: "s-1", UserID: "user-1", Name: "March"})
	uc.SetDispatcher(&dispatcherFake{err: errors.New("queue down")})

	if _, err := uc.EnableExtraction(context.Background(), owner, "s-1"); err != nil {
		t.Fatalf("dispatch failures must not fail the request, got %v", err)
	}
}

func TestExportSession(t *testing.T) {
	uc, _, docs, renderer := newSessionFixture(domain.Session{ID: "s-1", UserID: "user-1", Name: "March 2026"})
	docs.put(pendingDoc("d-1", "s-1"))
	docs.put(pendingDoc("d-2", "s-1"))

	var buf bytes.Buffer
	name, err := uc.Export(context.Background(), owner, "s-1", &buf)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if name != "session_March_2026.xlsx" {
		t.Fatalf("unexpected file name %q", name)
	}
	if buf.String() != "xlsx-bytes" || len(renderer.docs) != 2 {
		t.Fatalf("unexpected render: %q docs=%d", buf.String(), len(renderer.docs))
	}

	renderer.err = errors.New("disk full")
	if _, err := uc.Export(context.Background(), owner, "s-1", &buf); err == nil || !strings.Contains(err.Error(), "render session report") {
		t.Fatalf("expected render error, got %v", err)
	}
}

func TestAggregatorRecomputeReflectsMixedOutcomes(t *testing.T) {
	sessions := newSessionRepoFake(activeSession("s-1"))
	docs := newDocRepoFake(sessions)
	events := &eventsFake{}
	aggregator := NewSessionAggregator(sessions, docs, events)
	aggregator.now = func() time.Time { return testNow }

	done := pendingDoc("d-1", "s-1")
	done.ExtractionStatus = domain.ExtractionExtracted
	done.TokensUsed = 60
	alsoDone := pendingDoc("d-2", "s-1")
	alsoDone.ExtractionStatus = domain.ExtractionExtracted
	alsoDone.TokensUsed = 40
	docs.put(done)
	docs.put(alsoDone)

	session, err := aggregator.Recompute(context.Background(), "s-1", "test")
	if err != nil {
		t.Fatalf("Recompute() error = %v", err)
	}
	if session.Status != domain.SessionCompleted || session.TotalTokensUsed != 100 || session.ProcessedFiles != 2 {
		t.Fatalf("unexpected aggregate: %+v", session)
	}
	if len(events.events) != 1 || events.events[0].Kind != domain.SessionChanged {
		t.Fatalf("expected one session event, got %+v", events.kinds())
	}

	if _, err := aggregator.Recompute(context.Background(), "s-1", "test"); err != nil {
		t.Fatalf("second Recompute() error = %v", err)
	}
	if sessions.updates != 1 || len(events.events) != 1 {
		t.Fatalf("unchanged aggregate must not be written again: updates=%d events=%d", sessions.updates, len(events.events))
	}
}
