package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DocumentStatus is the coarse upload/processing status shown next to a file.
type DocumentStatus string

const (
	StatusUploaded   DocumentStatus = "uploaded"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// ExtractionStatus is the per-document extraction lifecycle state.
type ExtractionStatus string

const (
	ExtractionPending    ExtractionStatus = "pending"
	ExtractionQueued     ExtractionStatus = "queued"
	ExtractionExtracting ExtractionStatus = "extracting"
	ExtractionExtracted  ExtractionStatus = "extracted"
	ExtractionFailed     ExtractionStatus = "failed"
)

func (s ExtractionStatus) Valid() bool {
	switch s {
	case ExtractionPending, ExtractionQueued, ExtractionExtracting, ExtractionExtracted, ExtractionFailed:
		return true
	default:
		return false
	}
}

const (
	DefaultMaxExtractionAttempts = 3
	DefaultManualPriority        = 100
)

type Document struct {
	ID                        string           `json:"id"`
	UserID                    string           `json:"user_id"`
	SessionID                 string           `json:"session_id,omitempty"`
	Filename                  string           `json:"filename"`
	FileSize                  int64            `json:"file_size"`
	MimeType                  string           `json:"mime_type,omitempty"`
	StorageKey                string           `json:"-"`
	UploadURL                 string           `json:"upload_url,omitempty"`
	Status                    DocumentStatus   `json:"status"`
	ExtractionStatus          ExtractionStatus `json:"extraction_status"`
	ExtractionJobID           string           `json:"extraction_job_id,omitempty"`
	ExtractionStartedAt       *time.Time       `json:"extraction_started_at,omitempty"`
	ExtractionCompletedAt     *time.Time       `json:"extraction_completed_at,omitempty"`
	ExtractionError           string           `json:"extraction_error,omitempty"`
	ExtractionAttempts        int              `json:"extraction_attempts"`
	MaxExtractionAttempts     int              `json:"max_extraction_attempts"`
	Priority                  int              `json:"priority"`
	ManualExtractionRequested bool             `json:"manual_extraction_requested"`
	TokensUsed                int              `json:"tokens_used"`
	ExtractedData             map[string]any   `json:"extracted_data,omitempty"`
	Version                   int64            `json:"version"`
	CreatedAt                 time.Time        `json:"created_at"`
	UpdatedAt                 time.Time        `json:"updated_at"`
}

// NewDocument builds a freshly uploaded document waiting for extraction.
func NewDocument(id, userID, sessionID, filename string, size int64, maxAttempts int, now time.Time) *Document {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxExtractionAttempts
	}
	return &Document{
		ID:                    id,
		UserID:                userID,
		SessionID:             sessionID,
		Filename:              filename,
		FileSize:              size,
		Status:                StatusUploaded,
		ExtractionStatus:      ExtractionPending,
		MaxExtractionAttempts: maxAttempts,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// AttemptsRemaining reports whether another automatic extraction attempt is allowed.
func (d *Document) AttemptsRemaining() bool {
	return d.ExtractionAttempts < d.MaxExtractionAttempts
}

// Terminal reports whether the document will not move again without operator action.
// A failure with attempts left is not terminal: the scheduler retries it.
func (d *Document) Terminal() bool {
	switch d.ExtractionStatus {
	case ExtractionExtracted:
		return true
	case ExtractionFailed:
		return !d.AttemptsRemaining()
	default:
		return false
	}
}

// InFlight reports whether an extraction job owns the document.
func (d *Document) InFlight() bool {
	return d.ExtractionStatus == ExtractionQueued || d.ExtractionStatus == ExtractionExtracting
}

// RetryEligible reports whether an automatically failed document may go back to pending.
func (d *Document) RetryEligible(now time.Time, cooldown time.Duration) bool {
	if d.ExtractionStatus != ExtractionFailed || !d.AttemptsRemaining() {
		return false
	}
	if d.ExtractionCompletedAt == nil {
		return true
	}
	return !now.Before(d.ExtractionCompletedAt.Add(cooldown))
}

func (d *Document) Enqueue(jobID string, now time.Time) error {
	if err := d.expect("enqueue", ExtractionPending); err != nil {
		return err
	}
	if !d.AttemptsRemaining() {
		return d.attemptsExceeded("enqueue")
	}
	if strings.TrimSpace(jobID) == "" {
		return WrapError(ErrInvalidInput, "enqueue", errors.New("job id is required"))
	}
	d.ExtractionStatus = ExtractionQueued
	d.ExtractionJobID = jobID
	d.touch(now)
	return nil
}

func (d *Document) StartExtraction(now time.Time) error {
	if err := d.expect("start extraction", ExtractionQueued); err != nil {
		return err
	}
	if !d.AttemptsRemaining() {
		return d.attemptsExceeded("start extraction")
	}
	started := now
	d.ExtractionStatus = ExtractionExtracting
	d.ExtractionStartedAt = &started
	d.ExtractionCompletedAt = nil
	d.ExtractionError = ""
	d.ExtractionAttempts++
	d.touch(now)
	return nil
}

func (d *Document) CompleteExtraction(data map[string]any, tokensUsed int, now time.Time) error {
	if err := d.expect("complete extraction", ExtractionExtracting); err != nil {
		return err
	}
	if tokensUsed < 0 {
		return WrapError(ErrInvalidInput, "complete extraction", fmt.Errorf("negative token usage %d", tokensUsed))
	}
	completed := now
	d.ExtractionStatus = ExtractionExtracted
	d.ExtractionCompletedAt = &completed
	d.ExtractionError = ""
	d.ExtractedData = data
	d.TokensUsed += tokensUsed
	d.ManualExtractionRequested = false
	d.touch(now)
	return nil
}

func (d *Document) FailExtraction(message string, now time.Time) error {
	if err := d.expect("fail extraction", ExtractionExtracting); err != nil {
		return err
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = "extraction failed"
	}
	finished := now
	d.ExtractionStatus = ExtractionFailed
	d.ExtractionCompletedAt = &finished
	d.ExtractionError = message
	d.touch(now)
	return nil
}

// RequestManualExtraction puts the document back at the head of the queue.
// An exhausted document is granted exactly one more attempt so the attempt
// counter never passes the cap.
func (d *Document) RequestManualExtraction(priority int, now time.Time) error {
	if err := d.expect("request manual extraction", ExtractionPending, ExtractionFailed); err != nil {
		return err
	}
	if priority <= 0 {
		priority = DefaultManualPriority
	}
	if !d.AttemptsRemaining() {
		d.MaxExtractionAttempts = d.ExtractionAttempts + 1
	}
	d.ExtractionStatus = ExtractionPending
	d.ExtractionJobID = ""
	d.Priority = priority
	d.ManualExtractionRequested = true
	d.touch(now)
	return nil
}

// RetryAfterFailure returns an automatically failed document to pending once
// the cool-down has passed.
func (d *Document) RetryAfterFailure(now time.Time, cooldown time.Duration) error {
	if err := d.expect("retry extraction", ExtractionFailed); err != nil {
		return err
	}
	if !d.AttemptsRemaining() {
		return d.attemptsExceeded("retry extraction")
	}
	if !d.RetryEligible(now, cooldown) {
		return WrapError(ErrInvalidState, "retry extraction", fmt.Errorf("document %s is cooling down", d.ID))
	}
	d.ExtractionStatus = ExtractionPending
	d.ExtractionJobID = ""
	d.touch(now)
	return nil
}

func (d *Document) CancelQueued(now time.Time) error {
	if err := d.expect("cancel extraction", ExtractionQueued); err != nil {
		return err
	}
	d.ExtractionStatus = ExtractionPending
	d.ExtractionJobID = ""
	d.touch(now)
	return nil
}

func (d *Document) expect(operation string, allowed ...ExtractionStatus) error {
	for _, status := range allowed {
		if d.ExtractionStatus == status {
			return nil
		}
	}
	return WrapError(ErrInvalidState, operation, fmt.Errorf("document %s is %s", d.ID, d.ExtractionStatus))
}

func (d *Document) attemptsExceeded(operation string) error {
	return WrapError(ErrAttemptsExceeded, operation, fmt.Errorf(
		"document %s used %d of %d attempts", d.ID, d.ExtractionAttempts, d.MaxExtractionAttempts,
	))
}

func (d *Document) touch(now time.Time) {
	d.Status = uploadStatusFor(d.ExtractionStatus)
	d.UpdatedAt = now
}

func uploadStatusFor(status ExtractionStatus) DocumentStatus {
	switch status {
	case ExtractionExtracting:
		return StatusProcessing
	case ExtractionExtracted:
		return StatusCompleted
	case ExtractionFailed:
		return StatusFailed
	default:
		return StatusUploaded
	}
}
