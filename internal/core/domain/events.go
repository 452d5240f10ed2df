package domain

import "time"

type ChangeKind string

const (
	DocumentChanged ChangeKind = "document.changed"
	SessionChanged  ChangeKind = "session.changed"
)

// ChangeEvent is emitted after a committed document transition or session recompute.
type ChangeEvent struct {
	Kind       ChangeKind `json:"kind"`
	EntityID   string     `json:"entity_id"`
	UserID     string     `json:"user_id"`
	SessionID  string     `json:"session_id,omitempty"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	Version    int64      `json:"version"`
	OccurredAt time.Time  `json:"occurred_at"`
	Document   *Document  `json:"document,omitempty"`
	Session    *Session   `json:"session,omitempty"`
}

func NewDocumentEvent(doc *Document, reason string) ChangeEvent {
	snapshot := *doc
	return ChangeEvent{
		Kind:       DocumentChanged,
		EntityID:   doc.ID,
		UserID:     doc.UserID,
		SessionID:  doc.SessionID,
		Status:     string(doc.ExtractionStatus),
		Reason:     reason,
		Version:    doc.Version,
		OccurredAt: doc.UpdatedAt,
		Document:   &snapshot,
	}
}

func NewSessionEvent(session *Session, reason string) ChangeEvent {
	snapshot := *session
	return ChangeEvent{
		Kind:       SessionChanged,
		EntityID:   session.ID,
		UserID:     session.UserID,
		SessionID:  session.ID,
		Status:     string(session.Status),
		Reason:     reason,
		Version:    session.Version,
		OccurredAt: session.UpdatedAt,
		Session:    &snapshot,
	}
}

// ExtractionJob is the unit handed to extraction workers.
type ExtractionJob struct {
	JobID      string    `json:"job_id"`
	DocumentID string    `json:"document_id"`
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Priority   int       `json:"priority"`
	Attempt    int       `json:"attempt"`
	QueuedAt   time.Time `json:"queued_at"`
}

// ExtractionResult is what a worker reports back on success.
type ExtractionResult struct {
	Data       map[string]any `json:"data"`
	TokensUsed int            `json:"tokens_used"`
}

// ExtractionCandidate pairs a pending document with its session's scheduling flag.
type ExtractionCandidate struct {
	Document      Document
	SessionActive bool
}
