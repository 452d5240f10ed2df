package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
)

var documentColumns = []string{
	"id", "user_id", "session_id", "filename", "file_size", "mime_type", "storage_key", "upload_url",
	"status", "extraction_status", "extraction_job_id", "extraction_started_at", "extraction_completed_at",
	"extraction_error", "extraction_attempts", "max_extraction_attempts", "priority",
	"manual_extraction_requested", "tokens_used", "extracted_data", "version", "created_at", "updated_at",
}

func selectDocumentColumns(alias string) string {
	if alias == "" {
		return strings.Join(documentColumns, ", ")
	}
	cols := make([]string, len(documentColumns))
	for i, c := range documentColumns {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	data, err := marshalExtractedData(doc.ExtractedData)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO documents (`+selectDocumentColumns("")+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
`,
		doc.ID, doc.UserID, nullString(doc.SessionID), doc.Filename, doc.FileSize, doc.MimeType, doc.StorageKey, doc.UploadURL,
		string(doc.Status), string(doc.ExtractionStatus), doc.ExtractionJobID, doc.ExtractionStartedAt, doc.ExtractionCompletedAt,
		doc.ExtractionError, doc.ExtractionAttempts, doc.MaxExtractionAttempts, doc.Priority,
		doc.ManualExtractionRequested, doc.TokensUsed, data, doc.Version, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+selectDocumentColumns("")+`
FROM documents
WHERE id = $1
`, id)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return &doc, nil
}

// Update writes every mutable column when the stored version still matches
// doc.Version, then bumps doc.Version.
func (r *DocumentRepository) Update(ctx context.Context, doc *domain.Document) error {
	data, err := marshalExtractedData(doc.ExtractedData)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE documents
SET status = $3, extraction_status = $4, extraction_job_id = $5, extraction_started_at = $6,
	extraction_completed_at = $7, extraction_error = $8, extraction_attempts = $9,
	max_extraction_attempts = $10, priority = $11, manual_extraction_requested = $12,
	tokens_used = $13, extracted_data = $14, updated_at = $15, version = version + 1
WHERE id = $1 AND version = $2
`,
		doc.ID, doc.Version, string(doc.Status), string(doc.ExtractionStatus), doc.ExtractionJobID, doc.ExtractionStartedAt,
		doc.ExtractionCompletedAt, doc.ExtractionError, doc.ExtractionAttempts,
		doc.MaxExtractionAttempts, doc.Priority, doc.ManualExtractionRequested,
		doc.TokensUsed, data, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document rows affected: %w", err)
	}
	if rows == 0 {
		return r.missOrConflict(ctx, doc.ID, doc.Version)
	}
	doc.Version++
	return nil
}

func (r *DocumentRepository) missOrConflict(ctx context.Context, id string, version int64) error {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM documents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check document existence: %w", err)
	}
	if !exists {
		return domain.WrapError(domain.ErrDocumentNotFound, "update document", fmt.Errorf("id=%s", id))
	}
	return domain.WrapError(domain.ErrConflict, "update document", fmt.Errorf("id=%s version=%d", id, version))
}

func (r *DocumentRepository) ListBySession(ctx context.Context, sessionID string) ([]domain.Document, error) {
	return r.query(ctx, "list session documents", `
SELECT `+selectDocumentColumns("")+`
FROM documents
WHERE session_id = $1
ORDER BY created_at ASC, id ASC
`, sessionID)
}

func (r *DocumentRepository) ListByUser(ctx context.Context, userID string, status domain.ExtractionStatus, limit int) ([]domain.Document, error) {
	if status == "" {
		return r.query(ctx, "list user documents", `
SELECT `+selectDocumentColumns("")+`
FROM documents
WHERE user_id = $1
ORDER BY created_at DESC, id ASC
LIMIT $2
`, userID, limit)
	}
	return r.query(ctx, "list user documents", `
SELECT `+selectDocumentColumns("")+`
FROM documents
WHERE user_id = $1 AND extraction_status = $2
ORDER BY created_at DESC, id ASC
LIMIT $3
`, userID, string(status), limit)
}

func (r *DocumentRepository) CountByUser(ctx context.Context, userID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count user documents: %w", err)
	}
	return n, nil
}

// ListExtractionCandidates returns pending documents with attempts left that
// either belong to an extraction-enabled session or were requested manually.
// An empty sessionID scans all sessions.
func (r *DocumentRepository) ListExtractionCandidates(ctx context.Context, sessionID string, limit int) ([]domain.ExtractionCandidate, error) {
	query := `
SELECT ` + selectDocumentColumns("d") + `,
	COALESCE(s.extraction_enabled OR s.auto_extract_on_upload, FALSE)
FROM documents d
LEFT JOIN inspection_sessions s ON s.id = d.session_id
WHERE d.extraction_status = 'pending'
	AND d.extraction_attempts < d.max_extraction_attempts
	AND (d.manual_extraction_requested OR COALESCE(s.extraction_enabled OR s.auto_extract_on_upload, FALSE))
`
	args := []any{limit}
	if sessionID != "" {
		query += "\tAND d.session_id = $2\n"
		args = append(args, sessionID)
	}
	query += "ORDER BY d.priority DESC, d.created_at ASC, d.id ASC\nLIMIT $1"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list extraction candidates: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ExtractionCandidate, 0)
	for rows.Next() {
		var c domain.ExtractionCandidate
		doc, err := scanDocument(rows, &c.SessionActive)
		if err != nil {
			return nil, fmt.Errorf("scan extraction candidate: %w", err)
		}
		c.Document = doc
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate extraction candidates: %w", err)
	}
	return out, nil
}

func (r *DocumentRepository) ListRetryable(ctx context.Context, failedBefore time.Time, limit int) ([]domain.Document, error) {
	return r.query(ctx, "list retryable documents", `
SELECT `+selectDocumentColumns("")+`
FROM documents
WHERE extraction_status = 'failed'
	AND extraction_attempts < max_extraction_attempts
	AND (extraction_completed_at IS NULL OR extraction_completed_at <= $1)
ORDER BY extraction_completed_at ASC NULLS FIRST, id ASC
LIMIT $2
`, failedBefore, limit)
}

func (r *DocumentRepository) CountInFlightBySession(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT session_id, COUNT(*)
FROM documents
WHERE session_id IS NOT NULL AND extraction_status IN ('queued', 'extracting')
GROUP BY session_id
`)
	if err != nil {
		return nil, fmt.Errorf("count in-flight documents: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var sessionID string
		var n int
		if err := rows.Scan(&sessionID, &n); err != nil {
			return nil, fmt.Errorf("scan in-flight count: %w", err)
		}
		out[sessionID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate in-flight counts: %w", err)
	}
	return out, nil
}

func (r *DocumentRepository) ListStaleExtracting(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Document, error) {
	return r.query(ctx, "list stale extractions", `
SELECT `+selectDocumentColumns("")+`
FROM documents
WHERE extraction_status = 'extracting' AND extraction_started_at < $1
ORDER BY extraction_started_at ASC
LIMIT $2
`, startedBefore, limit)
}

// ListStaleQueued finds documents whose job was published but never started.
func (r *DocumentRepository) ListStaleQueued(ctx context.Context, queuedBefore time.Time, limit int) ([]domain.Document, error) {
	return r.query(ctx, "list stale queued", `
SELECT `+selectDocumentColumns("")+`
FROM documents
WHERE extraction_status = 'queued' AND updated_at < $1
ORDER BY updated_at ASC
LIMIT $2
`, queuedBefore, limit)
}

func (r *DocumentRepository) query(ctx context.Context, operation, query string, args ...any) ([]domain.Document, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	defer rows.Close()

	out := make([]domain.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", operation, err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", operation, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner, extra ...any) (domain.Document, error) {
	var doc domain.Document
	var sessionID sql.NullString
	var status, extractionStatus string
	var data []byte

	dest := []any{
		&doc.ID, &doc.UserID, &sessionID, &doc.Filename, &doc.FileSize, &doc.MimeType, &doc.StorageKey, &doc.UploadURL,
		&status, &extractionStatus, &doc.ExtractionJobID, &doc.ExtractionStartedAt, &doc.ExtractionCompletedAt,
		&doc.ExtractionError, &doc.ExtractionAttempts, &doc.MaxExtractionAttempts, &doc.Priority,
		&doc.ManualExtractionRequested, &doc.TokensUsed, &data, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.Document{}, err
	}

	doc.SessionID = sessionID.String
	doc.Status = domain.DocumentStatus(status)
	doc.ExtractionStatus = domain.ExtractionStatus(extractionStatus)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc.ExtractedData); err != nil {
			return domain.Document{}, fmt.Errorf("unmarshal extracted data: %w", err)
		}
	}
	return doc, nil
}

func marshalExtractedData(data map[string]any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal extracted data: %w", err)
	}
	return raw, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
