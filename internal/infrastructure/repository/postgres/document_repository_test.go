package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/invoice-inspector/internal/core/domain"
)

func newRepoWithMock(t *testing.T) (*DocumentRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return &DocumentRepository{db: db}, mock, func() { _ = db.Close() }
}

func documentRow(id, sessionID string, values ...driver.Value) []driver.Value {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var session driver.Value
	if sessionID != "" {
		session = sessionID
	}
	row := []driver.Value{
		id, "user-1", session, "invoice.pdf", int64(2048), "application/pdf", "user-1/" + id + "_invoice.pdf", "http://files/" + id,
		"uploaded", "pending", "", nil, nil,
		"", 0, 3, 0,
		false, 0, []byte(`{"total": 42}`), int64(4), now, now,
	}
	return append(row, values...)
}

func TestGetByIDReturnsDomainNotFound(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT id, user_id, session_id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetByIDScansNullableColumns(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("FROM documents").
		WithArgs("d-1").
		WillReturnRows(sqlmock.NewRows(documentColumns).AddRow(documentRow("d-1", "")...))

	doc, err := repo.GetByID(context.Background(), "d-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if doc.SessionID != "" || doc.Version != 4 || doc.ExtractionStatus != domain.ExtractionPending {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if doc.ExtractedData["total"] != float64(42) {
		t.Fatalf("unexpected extracted data: %+v", doc.ExtractedData)
	}
}

func TestUpdateBumpsVersionOnMatch(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE documents").
		WithArgs(
			"d-1", int64(4), "processing", "extracting", "job-1", sqlmock.AnyArg(),
			sqlmock.AnyArg(), "", 1,
			3, 0, false,
			0, sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	started := time.Now().UTC()
	doc := &domain.Document{
		ID: "d-1", Version: 4, Status: domain.StatusProcessing, ExtractionStatus: domain.ExtractionExtracting,
		ExtractionJobID: "job-1", ExtractionStartedAt: &started, ExtractionAttempts: 1, MaxExtractionAttempts: 3,
		UpdatedAt: started,
	}
	if err := repo.Update(context.Background(), doc); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if doc.Version != 5 {
		t.Fatalf("expected version 5, got %d", doc.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateReportsConflictOnStaleVersion(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE documents").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("d-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	doc := &domain.Document{ID: "d-1", Version: 2}
	err := repo.Update(context.Background(), doc)
	if !domain.IsKind(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if doc.Version != 2 {
		t.Fatalf("version must not change on conflict")
	}
}

func TestUpdateReportsNotFoundForMissingRow(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE documents").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := repo.Update(context.Background(), &domain.Document{ID: "missing"})
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestListExtractionCandidatesScansSessionFlag(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	cols := append(append([]string{}, documentColumns...), "session_active")
	rows := sqlmock.NewRows(cols).
		AddRow(documentRow("d-1", "s-1", true)...).
		AddRow(documentRow("d-2", "", false)...)
	mock.ExpectQuery("LEFT JOIN inspection_sessions").
		WithArgs(20, "s-1").
		WillReturnRows(rows)

	got, err := repo.ListExtractionCandidates(context.Background(), "s-1", 20)
	if err != nil {
		t.Fatalf("ListExtractionCandidates() error = %v", err)
	}
	if len(got) != 2 || !got[0].SessionActive || got[1].SessionActive || got[0].Document.SessionID != "s-1" {
		t.Fatalf("unexpected candidates: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCountInFlightBySession(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("GROUP BY session_id").
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "count"}).AddRow("s-1", 2).AddRow("s-2", 1))

	got, err := repo.CountInFlightBySession(context.Background())
	if err != nil {
		t.Fatalf("CountInFlightBySession() error = %v", err)
	}
	if got["s-1"] != 2 || got["s-2"] != 1 {
		t.Fatalf("unexpected counts: %+v", got)
	}
}

func TestListStaleQueuedFiltersByLastUpdate(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	cutoff := time.Date(2026, 3, 1, 9, 45, 0, 0, time.UTC)
	row := documentRow("d-1", "s-1")
	row[9] = "queued"
	row[10] = "job-1"
	mock.ExpectQuery(`extraction_status = 'queued' AND updated_at < \$1`).
		WithArgs(cutoff, 50).
		WillReturnRows(sqlmock.NewRows(documentColumns).AddRow(row...))

	got, err := repo.ListStaleQueued(context.Background(), cutoff, 50)
	if err != nil {
		t.Fatalf("ListStaleQueued() error = %v", err)
	}
	if len(got) != 1 || got[0].ExtractionStatus != domain.ExtractionQueued || got[0].ExtractionJobID != "job-1" {
		t.Fatalf("unexpected stale queued documents: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
