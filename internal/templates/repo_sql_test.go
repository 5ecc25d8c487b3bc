package templates

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSQLRepoPutUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := &SQLRepo{DB: db}
	tpl := vehicleInspection(t1, 1)
	cachedAt := t1.Add(time.Minute)

	mock.ExpectExec("INSERT INTO template_versions .* ON CONFLICT \\(template_id, updated_at\\) DO UPDATE").
		WithArgs(tpl.ID, t1.UnixMilli(), 1, sqlmock.AnyArg(), cachedAt.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.Put(context.Background(), tpl, cachedAt); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("ExpectationsWereMet: %v", err)
	}
}

func TestSQLRepoLatestDecodesBody(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	body, _ := json.Marshal(vehicleInspection(t2, 2))
	mock.ExpectQuery("SELECT body, cached_at FROM template_versions WHERE template_id = \\$1 ORDER BY updated_at DESC").
		WithArgs("vehicle-inspection").
		WillReturnRows(sqlmock.NewRows([]string{"body", "cached_at"}).AddRow(string(body), t2.UnixMilli()))

	repo := &SQLRepo{DB: db}
	got, err := repo.Latest(context.Background(), "vehicle-inspection")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got.Template.Version != 2 || !got.Template.UpdatedAt.Equal(t2) || !got.CachedAt.Equal(t2) {
		t.Fatalf("unexpected cached template: %+v", got)
	}
	if len(got.Template.Questions()) != 3 {
		t.Fatalf("questions lost in round trip")
	}
}

func TestSQLRepoVersionNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectQuery("SELECT body, cached_at FROM template_versions").
		WithArgs("vehicle-inspection", t1.UnixMilli()).
		WillReturnRows(sqlmock.NewRows([]string{"body", "cached_at"}))

	repo := &SQLRepo{DB: db}
	if _, err := repo.Version(context.Background(), "vehicle-inspection", t1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
