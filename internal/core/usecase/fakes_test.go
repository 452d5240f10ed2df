package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type docRepoFake struct {
	mu        sync.Mutex
	docs      map[string]domain.Document
	sessions  *sessionRepoFake
	conflicts int
	updates   int
}

func newDocRepoFake(sessions *sessionRepoFake) *docRepoFake {
	return &docRepoFake{docs: map[string]domain.Document{}, sessions: sessions}
}

func (f *docRepoFake) put(doc domain.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID] = doc
}

func (f *docRepoFake) get(id string) domain.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id]
}

func (f *docRepoFake) Create(_ context.Context, doc *domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.ID] = *doc
	return nil
}

func (f *docRepoFake) GetByID(_ context.Context, id string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
	}
	return &doc, nil
}

func (f *docRepoFake) Update(_ context.Context, doc *domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts > 0 {
		f.conflicts--
		stored := f.docs[doc.ID]
		stored.Version++
		f.docs[doc.ID] = stored
		return domain.WrapError(domain.ErrConflict, "update document", errors.New("version moved"))
	}
	stored, ok := f.docs[doc.ID]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "update document", fmt.Errorf("id=%s", doc.ID))
	}
	if stored.Version != doc.Version {
		return domain.WrapError(domain.ErrConflict, "update document", errors.New("stale version"))
	}
	doc.Version++
	f.docs[doc.ID] = *doc
	f.updates++
	return nil
}

func (f *docRepoFake) ListBySession(_ context.Context, sessionID string) ([]domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Document
	for _, doc := range f.docs {
		if doc.SessionID == sessionID {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *docRepoFake) ListByUser(_ context.Context, userID string, status domain.ExtractionStatus, limit int) ([]domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Document
	for _, doc := range f.docs {
		if doc.UserID == userID && (status == "" || doc.ExtractionStatus == status) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *docRepoFake) CountByUser(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, doc := range f.docs {
		if doc.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (f *docRepoFake) ListExtractionCandidates(_ context.Context, sessionID string, limit int) ([]domain.ExtractionCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ExtractionCandidate
	for _, doc := range f.docs {
		if doc.ExtractionStatus != domain.ExtractionPending {
			continue
		}
		if sessionID != "" && doc.SessionID != sessionID {
			continue
		}
		active := false
		if f.sessions != nil && doc.SessionID != "" {
			active = f.sessions.active(doc.SessionID)
		}
		out = append(out, domain.ExtractionCandidate{Document: doc, SessionActive: active})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Document.ID < out[j].Document.ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *docRepoFake) ListRetryable(_ context.Context, failedBefore time.Time, limit int) ([]domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Document
	for _, doc := range f.docs {
		if doc.ExtractionStatus != domain.ExtractionFailed || !doc.AttemptsRemaining() {
			continue
		}
		if doc.ExtractionCompletedAt != nil && doc.ExtractionCompletedAt.After(failedBefore) {
			continue
		}
		out = append(out, doc)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *docRepoFake) CountInFlightBySession(context.Context) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	for _, doc := range f.docs {
		if doc.SessionID != "" && doc.InFlight() {
			out[doc.SessionID]++
		}
	}
	return out, nil
}

func (f *docRepoFake) ListStaleExtracting(_ context.Context, startedBefore time.Time, limit int) ([]domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Document
	for _, doc := range f.docs {
		if doc.ExtractionStatus == domain.ExtractionExtracting &&
			doc.ExtractionStartedAt != nil && doc.ExtractionStartedAt.Before(startedBefore) {
			out = append(out, doc)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *docRepoFake) ListStaleQueued(_ context.Context, queuedBefore time.Time, limit int) ([]domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Document
	for _, doc := range f.docs {
		if doc.ExtractionStatus == domain.ExtractionQueued && doc.UpdatedAt.Before(queuedBefore) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type sessionRepoFake struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	updates  int
}

func (f *sessionRepoFake) active(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	return ok && s.ExtractionActive()
}

func (f *sessionRepoFake) snapshot(id string) domain.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.sessions[id]
}

func newSessionRepoFake(sessions ...domain.Session) *sessionRepoFake {
	f := &sessionRepoFake{sessions: map[string]*domain.Session{}}
	for _, s := range sessions {
		copied := s
		f.sessions[s.ID] = &copied
	}
	return f
}

func (f *sessionRepoFake) Create(_ context.Context, s *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *s
	f.sessions[s.ID] = &copied
	return nil
}

func (f *sessionRepoFake) GetByID(_ context.Context, id string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrSessionNotFound, "get session", fmt.Errorf("id=%s", id))
	}
	copied := *s
	return &copied, nil
}

func (f *sessionRepoFake) Update(_ context.Context, s *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.sessions[s.ID]
	if !ok {
		return domain.WrapError(domain.ErrSessionNotFound, "update session", fmt.Errorf("id=%s", s.ID))
	}
	if stored.Version != s.Version {
		return domain.WrapError(domain.ErrConflict, "update session", errors.New("stale version"))
	}
	s.Version++
	copied := *s
	f.sessions[s.ID] = &copied
	f.updates++
	return nil
}

func (f *sessionRepoFake) ListByUser(_ context.Context, userID string) ([]domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Session
	for _, s := range f.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

type profileRepoFake struct {
	mu       sync.Mutex
	profiles map[string]*domain.UserProfile
	consumed int
}

func newProfileRepoFake(profiles ...domain.UserProfile) *profileRepoFake {
	f := &profileRepoFake{profiles: map[string]*domain.UserProfile{}}
	for _, p := range profiles {
		copied := p
		f.profiles[p.ID] = &copied
	}
	return f
}

func (f *profileRepoFake) Ensure(_ context.Context, userID, email string, tokens int) (*domain.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.profiles[userID]; ok {
		copied := *p
		return &copied, nil
	}
	p := &domain.UserProfile{ID: userID, Email: email, PlanType: domain.PlanFree, TokensRemaining: tokens, CreatedAt: testNow, UpdatedAt: testNow}
	f.profiles[userID] = p
	copied := *p
	return &copied, nil
}

func (f *profileRepoFake) GetByID(_ context.Context, userID string) (*domain.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return nil, domain.WrapError(domain.ErrProfileNotFound, "get profile", fmt.Errorf("id=%s", userID))
	}
	copied := *p
	return &copied, nil
}

func (f *profileRepoFake) SetPlan(_ context.Context, userID string, plan domain.PlanType, tokens int) (*domain.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return nil, domain.WrapError(domain.ErrProfileNotFound, "set plan", fmt.Errorf("id=%s", userID))
	}
	p.PlanType = plan
	p.TokensRemaining = tokens
	copied := *p
	return &copied, nil
}

func (f *profileRepoFake) ConsumeTokens(_ context.Context, userID string, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return domain.WrapError(domain.ErrProfileNotFound, "consume tokens", fmt.Errorf("id=%s", userID))
	}
	p.TokensRemaining -= amount
	if p.TokensRemaining < 0 {
		p.TokensRemaining = 0
	}
	f.consumed += amount
	return nil
}

type storageFake struct {
	mu    sync.Mutex
	saved map[string]string
	err   error
	// failAfter makes every save after the first failAfter ones fail with err.
	failAfter int
	saves     int
}

func (f *storageFake) Save(_ context.Context, key string, data io.Reader, _ int64, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.err != nil && f.saves > f.failAfter {
		return "", f.err
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	if f.saved == nil {
		f.saved = map[string]string{}
	}
	f.saved[key] = string(raw)
	return "https://files.example.test/" + key, nil
}

func (f *storageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return io.NopCloser(strings.NewReader(f.saved[key])), nil
}

type queueFake struct {
	mu   sync.Mutex
	jobs []domain.ExtractionJob
	err  error
}

func (f *queueFake) PublishExtractionJob(_ context.Context, job domain.ExtractionJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *queueFake) SubscribeExtractionJobs(context.Context, func(context.Context, domain.ExtractionJob) error) error {
	return errors.New("not implemented")
}

type eventsFake struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
	err    error
}

func (f *eventsFake) Publish(_ context.Context, event domain.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *eventsFake) kinds() []domain.ChangeKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ChangeKind, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Kind)
	}
	return out
}

// pendingDoc is a freshly uploaded document owned by user-1.
func pendingDoc(id, sessionID string) domain.Document {
	return *domain.NewDocument(id, "user-1", sessionID, id+".pdf", 1024, 3, testNow)
}

func freeProfile(tokens int) domain.UserProfile {
	return domain.UserProfile{ID: "user-1", Email: "a@example.com", PlanType: domain.PlanFree, TokensRemaining: tokens}
}

type lifecycleFixture struct {
	docs     *docRepoFake
	sessions *sessionRepoFake
	profiles *profileRepoFake
	queue    *queueFake
	events   *eventsFake
	uc       *ExtractionUseCase
}

func newLifecycleFixture(sessions ...domain.Session) *lifecycleFixture {
	sessionRepo := newSessionRepoFake(sessions...)
	docs := newDocRepoFake(sessionRepo)
	profiles := newProfileRepoFake(freeProfile(100))
	queue := &queueFake{}
	events := &eventsFake{}
	aggregator := NewSessionAggregator(sessionRepo, docs, events)
	aggregator.now = func() time.Time { return testNow }
	quota := NewQuotaUseCase(docs, domain.DefaultPlanTable())

	uc := NewExtractionUseCase(docs, profiles, queue, quota, aggregator, events, ExtractionPolicy{
		ManualPriority: domain.DefaultManualPriority,
		TokenReserve:   10,
		RetryCooldown:  30 * time.Second,
	})
	uc.now = func() time.Time { return testNow }
	var jobs atomic.Int64
	uc.jobID = func() string {
		return fmt.Sprintf("job-%d", jobs.Add(1))
	}
	return &lifecycleFixture{docs: docs, sessions: sessionRepo, profiles: profiles, queue: queue, events: events, uc: uc}
}
