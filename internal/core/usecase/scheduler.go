package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
	"github.com/kirillkom/invoice-inspector/internal/core/ports"
	"github.com/kirillkom/invoice-inspector/internal/observability/logging"
)

// SelectionPolicy bounds one scheduling pass.
type SelectionPolicy struct {
	Limit int
	// SessionConcurrency caps queued plus extracting documents per session.
	// Zero disables the cap.
	SessionConcurrency int
}

type SchedulerConfig struct {
	BatchSize          int
	SessionConcurrency int
	DispatchWorkers    int
	RetryCooldown      time.Duration
	TokenReserve       int
}

type extractionDispatcher interface {
	Enqueue(ctx context.Context, documentID string) (*domain.Document, error)
	RetryFailed(ctx context.Context, documentID string) (*domain.Document, error)
}

type SchedulerUseCase struct {
	docs      ports.DocumentRepository
	profiles  ports.ProfileRepository
	quota     ports.QuotaGuard
	lifecycle extractionDispatcher
	locker    ports.Locker
	cfg       SchedulerConfig
	now       func() time.Time
}

func NewSchedulerUseCase(
	docs ports.DocumentRepository,
	profiles ports.ProfileRepository,
	quota ports.QuotaGuard,
	lifecycle extractionDispatcher,
	cfg SchedulerConfig,
) *SchedulerUseCase {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.DispatchWorkers <= 0 {
		cfg.DispatchWorkers = 4
	}
	return &SchedulerUseCase{
		docs:      docs,
		profiles:  profiles,
		quota:     quota,
		lifecycle: lifecycle,
		locker:    newLocalLocker(),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetLocker replaces the in-process session lock with one shared by every
// api and worker replica.
func (s *SchedulerUseCase) SetLocker(locker ports.Locker) {
	s.locker = locker
}

// Tick runs one scheduling pass: cooled-down failures go back to pending,
// then the highest-priority eligible documents are enqueued.
func (s *SchedulerUseCase) Tick(ctx context.Context) (int, error) {
	if err := s.requeueFailed(ctx); err != nil {
		return 0, err
	}
	return s.dispatch(ctx, "")
}

// DispatchSession schedules one session's pending documents without waiting
// for the next tick.
func (s *SchedulerUseCase) DispatchSession(ctx context.Context, sessionID string) (int, error) {
	return s.dispatch(ctx, sessionID)
}

func (s *SchedulerUseCase) requeueFailed(ctx context.Context) error {
	failed, err := s.docs.ListRetryable(ctx, s.now().Add(-s.cfg.RetryCooldown), s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list retryable documents: %w", err)
	}
	for _, doc := range failed {
		if _, err := s.lifecycle.RetryFailed(ctx, doc.ID); err != nil && !benignDispatchError(err) {
			logging.FromContext(ctx).Warn("extraction_retry_failed", "document_id", doc.ID, "error", err)
		}
	}
	return nil
}

func (s *SchedulerUseCase) dispatch(ctx context.Context, sessionID string) (int, error) {
	candidates, err := s.docs.ListExtractionCandidates(ctx, sessionID, s.cfg.BatchSize*4)
	if err != nil {
		return 0, fmt.Errorf("list extraction candidates: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}
	inFlight, err := s.docs.CountInFlightBySession(ctx)
	if err != nil {
		return 0, fmt.Errorf("count in-flight documents: %w", err)
	}

	selected := SelectBatch(candidates, inFlight, SelectionPolicy{
		Limit:              s.cfg.BatchSize,
		SessionConcurrency: s.cfg.SessionConcurrency,
	})
	selected = s.withinTokenQuota(ctx, selected)

	var enqueued atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.DispatchWorkers)
	for _, batch := range groupBySession(selected) {
		group.Go(func() error {
			enqueued.Add(int64(s.enqueueBatch(groupCtx, batch)))
			return nil
		})
	}
	_ = group.Wait()

	n := int(enqueued.Load())
	if n > 0 {
		logging.FromContext(ctx).Info("scheduler_dispatched",
			"session_id", sessionID,
			"candidates", len(candidates),
			"enqueued", n,
		)
	}
	return n, nil
}

// enqueueBatch enqueues documents that share one session. Capped sessions are
// handled under the session's dispatch lock with the in-flight count read
// again once the lock is held, so concurrent dispatchers cannot both fill the
// same free slots.
func (s *SchedulerUseCase) enqueueBatch(ctx context.Context, batch []domain.Document) int {
	sessionID := batch[0].SessionID
	room := len(batch)
	if sessionID != "" && s.cfg.SessionConcurrency > 0 {
		release, err := s.locker.Lock(ctx, dispatchLockKey(sessionID))
		if err != nil {
			logging.FromContext(ctx).Warn("dispatch_lock_failed", "session_id", sessionID, "error", err)
			return 0
		}
		defer release()

		inFlight, err := s.docs.CountInFlightBySession(ctx)
		if err != nil {
			logging.FromContext(ctx).Warn("dispatch_recount_failed", "session_id", sessionID, "error", err)
			return 0
		}
		room = min(room, s.cfg.SessionConcurrency-inFlight[sessionID])
	}

	n := 0
	for _, doc := range batch {
		if n >= room {
			break
		}
		if _, err := s.lifecycle.Enqueue(ctx, doc.ID); err != nil {
			if !benignDispatchError(err) {
				logging.FromContext(ctx).Warn("extraction_enqueue_failed", "document_id", doc.ID, "error", err)
			}
			continue
		}
		n++
	}
	return n
}

// groupBySession keeps selection order. Documents without a session are not
// capped and each form a batch of their own.
func groupBySession(docs []domain.Document) [][]domain.Document {
	batches := make([][]domain.Document, 0, len(docs))
	index := make(map[string]int)
	for _, doc := range docs {
		if doc.SessionID == "" {
			batches = append(batches, []domain.Document{doc})
			continue
		}
		i, ok := index[doc.SessionID]
		if !ok {
			i = len(batches)
			index[doc.SessionID] = i
			batches = append(batches, nil)
		}
		batches[i] = append(batches[i], doc)
	}
	return batches
}

// withinTokenQuota drops documents whose owner cannot cover the token reserve.
func (s *SchedulerUseCase) withinTokenQuota(ctx context.Context, docs []domain.Document) []domain.Document {
	if s.quota == nil || s.profiles == nil {
		return docs
	}
	allowed := make(map[string]bool)
	out := docs[:0:0]
	for _, doc := range docs {
		ok, seen := allowed[doc.UserID]
		if !seen {
			ok = s.userHasTokens(ctx, doc.UserID)
			allowed[doc.UserID] = ok
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out
}

func (s *SchedulerUseCase) userHasTokens(ctx context.Context, userID string) bool {
	profile, err := s.profiles.GetByID(ctx, userID)
	if err != nil {
		logging.FromContext(ctx).Warn("scheduler_profile_lookup_failed", "user_id", userID, "error", err)
		return false
	}
	decision, err := s.quota.CanConsumeTokens(ctx, profile.Identity(), s.cfg.TokenReserve)
	if err != nil {
		if domain.IsKind(err, domain.ErrQuotaExceeded) {
			logging.FromContext(ctx).Info("scheduler_token_quota_exhausted",
				"user_id", userID,
				"limit", decision.Limit,
				"used", decision.Used,
			)
		}
		return false
	}
	return true
}

// SelectBatch picks documents to enqueue: pending ones with attempts left whose
// session has extraction enabled or that were manually requested. Order is
// priority descending, then creation time and id ascending.
func SelectBatch(candidates []domain.ExtractionCandidate, inFlight map[string]int, policy SelectionPolicy) []domain.Document {
	eligible := make([]domain.Document, 0, len(candidates))
	for _, c := range candidates {
		doc := c.Document
		if doc.ExtractionStatus != domain.ExtractionPending || !doc.AttemptsRemaining() {
			continue
		}
		if !c.SessionActive && !doc.ManualExtractionRequested {
			continue
		}
		eligible = append(eligible, doc)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	taken := make(map[string]int, len(inFlight))
	for k, v := range inFlight {
		taken[k] = v
	}
	selected := make([]domain.Document, 0, len(eligible))
	for _, doc := range eligible {
		if policy.Limit > 0 && len(selected) >= policy.Limit {
			break
		}
		if doc.SessionID != "" && policy.SessionConcurrency > 0 {
			if taken[doc.SessionID] >= policy.SessionConcurrency {
				continue
			}
			taken[doc.SessionID]++
		}
		selected = append(selected, doc)
	}
	return selected
}

// A concurrent writer moving the document first is expected, not a fault.
func benignDispatchError(err error) bool {
	return domain.IsKind(err, domain.ErrInvalidState) || domain.IsKind(err, domain.ErrAttemptsExceeded)
}
