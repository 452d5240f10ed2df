package domain

import "time"

type SessionStatus string

const (
	SessionDraft      SessionStatus = "draft"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionPartial    SessionStatus = "partial"
)

// Session groups documents uploaded together for inspection. The counters and
// status are derived from member documents and only change through Aggregate.
type Session struct {
	ID                  string        `json:"id"`
	UserID              string        `json:"user_id"`
	Name                string        `json:"name"`
	Status              SessionStatus `json:"status"`
	TotalFiles          int           `json:"total_files"`
	ProcessedFiles      int           `json:"processed_files"`
	FailedFiles         int           `json:"failed_files"`
	TotalTokensUsed     int           `json:"total_tokens_used"`
	ExtractionEnabled   bool          `json:"extraction_enabled"`
	AutoExtractOnUpload bool          `json:"auto_extract_on_upload"`
	StartedAt           *time.Time    `json:"started_at,omitempty"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty"`
	Version             int64         `json:"version"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// ExtractionActive reports whether member documents may be scheduled automatically.
func (s *Session) ExtractionActive() bool {
	return s.ExtractionEnabled || s.AutoExtractOnUpload
}

// Progress is the share of documents that reached a terminal outcome, in [0,1].
func (s *Session) Progress() float64 {
	if s.TotalFiles == 0 {
		return 0
	}
	return float64(s.ProcessedFiles+s.FailedFiles) / float64(s.TotalFiles)
}

// SessionAggregate is the derived part of a session.
type SessionAggregate struct {
	Status          SessionStatus
	TotalFiles      int
	ProcessedFiles  int
	FailedFiles     int
	TotalTokensUsed int
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// Aggregate derives the session aggregate from the full member set. It is a
// pure function of document states, so repeated or reordered calls agree.
func Aggregate(extractionActive bool, docs []Document) SessionAggregate {
	var agg SessionAggregate
	nonTerminal := 0
	var lastFinished *time.Time

	for i := range docs {
		doc := &docs[i]
		agg.TotalFiles++
		agg.TotalTokensUsed += doc.TokensUsed

		if doc.ExtractionStartedAt != nil && (agg.StartedAt == nil || doc.ExtractionStartedAt.Before(*agg.StartedAt)) {
			started := *doc.ExtractionStartedAt
			agg.StartedAt = &started
		}

		switch {
		case doc.ExtractionStatus == ExtractionExtracted:
			agg.ProcessedFiles++
		case doc.Terminal():
			agg.FailedFiles++
		default:
			nonTerminal++
		}

		if doc.Terminal() && doc.ExtractionCompletedAt != nil &&
			(lastFinished == nil || doc.ExtractionCompletedAt.After(*lastFinished)) {
			finished := *doc.ExtractionCompletedAt
			lastFinished = &finished
		}
	}

	switch {
	case agg.TotalFiles == 0:
		agg.Status = SessionDraft
	case nonTerminal > 0 && extractionActive:
		agg.Status = SessionProcessing
	case nonTerminal > 0:
		agg.Status = SessionDraft
	case agg.FailedFiles == 0:
		agg.Status = SessionCompleted
	case agg.ProcessedFiles == 0:
		agg.Status = SessionFailed
	default:
		agg.Status = SessionPartial
	}

	if nonTerminal == 0 && agg.TotalFiles > 0 {
		agg.CompletedAt = lastFinished
	}
	return agg
}

// Apply copies the aggregate onto the session and reports whether anything changed.
func (s *Session) Apply(agg SessionAggregate) bool {
	changed := s.Status != agg.Status ||
		s.TotalFiles != agg.TotalFiles ||
		s.ProcessedFiles != agg.ProcessedFiles ||
		s.FailedFiles != agg.FailedFiles ||
		s.TotalTokensUsed != agg.TotalTokensUsed ||
		!sameTime(s.StartedAt, agg.StartedAt) ||
		!sameTime(s.CompletedAt, agg.CompletedAt)

	s.Status = agg.Status
	s.TotalFiles = agg.TotalFiles
	s.ProcessedFiles = agg.ProcessedFiles
	s.FailedFiles = agg.FailedFiles
	s.TotalTokensUsed = agg.TotalTokensUsed
	s.StartedAt = agg.StartedAt
	s.CompletedAt = agg.CompletedAt
	return changed
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
