package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
)

const sessionColumns = `id, user_id, name, status, total_files, processed_files, failed_files, total_tokens_used,
	extraction_enabled, auto_extract_on_upload, started_at, completed_at, version, created_at, updated_at`

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, s *domain.Session) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO inspection_sessions (`+sessionColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
`,
		s.ID, s.UserID, s.Name, string(s.Status), s.TotalFiles, s.ProcessedFiles, s.FailedFiles, s.TotalTokensUsed,
		s.ExtractionEnabled, s.AutoExtractOnUpload, s.StartedAt, s.CompletedAt, s.Version, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM inspection_sessions
WHERE id = $1
`, id)

	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrSessionNotFound, "get session", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("get session by id: %w", err)
	}
	return &s, nil
}

func (r *SessionRepository) Update(ctx context.Context, s *domain.Session) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE inspection_sessions
SET name = $3, status = $4, total_files = $5, processed_files = $6, failed_files = $7,
	total_tokens_used = $8, extraction_enabled = $9, auto_extract_on_upload = $10,
	started_at = $11, completed_at = $12, updated_at = $13, version = version + 1
WHERE id = $1 AND version = $2
`,
		s.ID, s.Version, s.Name, string(s.Status), s.TotalFiles, s.ProcessedFiles, s.FailedFiles,
		s.TotalTokensUsed, s.ExtractionEnabled, s.AutoExtractOnUpload,
		s.StartedAt, s.CompletedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows affected: %w", err)
	}
	if rows == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM inspection_sessions WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check session existence: %w", err)
		}
		if !exists {
			return domain.WrapError(domain.ErrSessionNotFound, "update session", fmt.Errorf("id=%s", s.ID))
		}
		return domain.WrapError(domain.ErrConflict, "update session", fmt.Errorf("id=%s version=%d", s.ID, s.Version))
	}
	s.Version++
	return nil
}

func (r *SessionRepository) ListByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM inspection_sessions
WHERE user_id = $1
ORDER BY created_at DESC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func scanSession(row rowScanner) (domain.Session, error) {
	var s domain.Session
	var status string
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.Name,
		&status,
		&s.TotalFiles,
		&s.ProcessedFiles,
		&s.FailedFiles,
		&s.TotalTokensUsed,
		&s.ExtractionEnabled,
		&s.AutoExtractOnUpload,
		&s.StartedAt,
		&s.CompletedAt,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return domain.Session{}, err
	}
	s.Status = domain.SessionStatus(status)
	return s, nil
}
