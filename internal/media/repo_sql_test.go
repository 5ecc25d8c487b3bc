package media

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var uploadColumnNames = []string{
	"local_id", "template_id", "subject_id", "question_id", "file_name", "content_type",
	"size_bytes", "spool_key", "status", "remote_key", "retries", "last_error", "updated_at",
}

func TestSQLRepoTransitionFailedCountsRetry(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	at := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery("UPDATE media_uploads SET status = \\$1, remote_key = COALESCE\\(\\$2, remote_key\\), .* retries = retries \\+ CASE WHEN \\$1 = 'failed' THEN 1 ELSE 0 END .* RETURNING local_id").
		WithArgs("failed", nil, "timeout", at.UnixMilli(), "l-1").
		WillReturnRows(sqlmock.NewRows(uploadColumnNames).AddRow(
			"l-1", "t1", "veh-9", "photos", "a.jpg", "image/jpeg", 10, "spool/a.jpg", "failed", nil, 2, "timeout", at.UnixMilli(),
		))

	repo := &SQLRepo{DB: db}
	got, err := repo.Transition(context.Background(), "l-1", Transition{Status: StatusFailed, Error: "timeout", At: at})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.Retries != 2 || got.RemoteKey != "" || got.LastError != "timeout" || !got.UpdatedAt.Equal(at) {
		t.Fatalf("upload = %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestSQLRepoTransitionMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectQuery("UPDATE media_uploads").WillReturnError(sql.ErrNoRows)

	repo := &SQLRepo{DB: db}
	if _, err := repo.Transition(context.Background(), "gone", Transition{Status: StatusUploading}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLRepoDeleteSubjectReturnsRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ts := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC).UnixMilli()
	mock.ExpectQuery("DELETE FROM media_uploads WHERE template_id = \\$1 AND subject_id = \\$2 RETURNING").
		WithArgs("t1", "veh-9").
		WillReturnRows(sqlmock.NewRows(uploadColumnNames).
			AddRow("l-1", "t1", "veh-9", "", "a.jpg", "", 1, "spool/a", "completed", "t1/veh-9/l-1_a.jpg", 0, nil, ts))

	repo := &SQLRepo{DB: db}
	got, err := repo.DeleteSubject(context.Background(), "t1", "veh-9")
	if err != nil {
		t.Fatalf("DeleteSubject: %v", err)
	}
	if len(got) != 1 || got[0].SpoolKey != "spool/a" || got[0].RemoteKey != "t1/veh-9/l-1_a.jpg" {
		t.Fatalf("removed = %+v", got)
	}
}
