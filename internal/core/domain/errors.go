package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrProfileNotFound  = errors.New("profile not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTemporary        = errors.New("temporary failure")

	// ErrInvalidState marks a transition attempted from a state that does not allow it.
	// Callers re-read the document and decide again.
	ErrInvalidState = errors.New("invalid state")
	// ErrAttemptsExceeded is terminal until an operator requests a manual extraction.
	ErrAttemptsExceeded = errors.New("extraction attempts exceeded")
	// ErrQuotaExceeded is a user-facing denial, not a system fault.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrExternalWorker wraps failures reported by the extraction worker.
	ErrExternalWorker = errors.New("extraction worker error")
	// ErrConflict reports a lost optimistic-concurrency race on a versioned row.
	ErrConflict = errors.New("concurrent modification")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
