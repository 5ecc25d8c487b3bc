package media

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"inspection-sync/internal/shared/storage/db"
)

// SQLRepo implements Repo on the media_uploads table.
type SQLRepo struct {
	DB *sql.DB
}

const uploadColumns = `local_id, template_id, subject_id, question_id, file_name, content_type, size_bytes, spool_key, status, remote_key, retries, last_error, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (Upload, error) {
	var (
		u                    Upload
		status               string
		remoteKey, lastError sql.NullString
		updatedAt            int64
	)
	if err := row.Scan(
		&u.LocalID,
		&u.TemplateID,
		&u.SubjectID,
		&u.QuestionID,
		&u.FileName,
		&u.ContentType,
		&u.Size,
		&u.SpoolKey,
		&status,
		&remoteKey,
		&u.Retries,
		&lastError,
		&updatedAt,
	); err != nil {
		return Upload{}, err
	}
	u.Status = Status(status)
	u.RemoteKey = remoteKey.String
	u.LastError = lastError.String
	u.UpdatedAt = db.FromMillis(updatedAt)
	return u, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Insert implements Repo.
func (r *SQLRepo) Insert(ctx context.Context, u Upload) error {
	const query = `
INSERT INTO media_uploads (
    local_id,
    template_id,
    subject_id,
    question_id,
    file_name,
    content_type,
    size_bytes,
    spool_key,
    status,
    remote_key,
    retries,
    last_error,
    updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.DB.ExecContext(ctx, query,
		u.LocalID,
		u.TemplateID,
		u.SubjectID,
		u.QuestionID,
		u.FileName,
		u.ContentType,
		u.Size,
		u.SpoolKey,
		string(u.Status),
		nullable(u.RemoteKey),
		u.Retries,
		nullable(u.LastError),
		db.Millis(u.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert media upload %s: %w", u.LocalID, err)
	}
	return nil
}

// Get implements Repo.
func (r *SQLRepo) Get(ctx context.Context, localID string) (Upload, error) {
	query := `SELECT ` + uploadColumns + ` FROM media_uploads WHERE local_id = $1`
	u, err := scanUpload(r.DB.QueryRowContext(ctx, query, localID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Upload{}, ErrNotFound
		}
		return Upload{}, fmt.Errorf("load media upload %s: %w", localID, err)
	}
	return u, nil
}

// List implements Repo.
func (r *SQLRepo) List(ctx context.Context, templateID, subjectID string) ([]Upload, error) {
	query := `SELECT ` + uploadColumns + `
FROM media_uploads
WHERE template_id = $1 AND subject_id = $2
ORDER BY local_id`
	rows, err := r.DB.QueryContext(ctx, query, templateID, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list media uploads %s/%s: %w", templateID, subjectID, err)
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]Upload, error) {
	var out []Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan media upload: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Transition implements Repo.
func (r *SQLRepo) Transition(ctx context.Context, localID string, t Transition) (Upload, error) {
	query := `
UPDATE media_uploads
SET status = $1,
    remote_key = COALESCE($2, remote_key),
    last_error = $3,
    retries = retries + CASE WHEN $1 = 'failed' THEN 1 ELSE 0 END,
    updated_at = $4
WHERE local_id = $5
RETURNING ` + uploadColumns

	u, err := scanUpload(r.DB.QueryRowContext(ctx, query,
		string(t.Status),
		nullable(t.RemoteKey),
		nullable(t.Error),
		db.Millis(t.At),
		localID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Upload{}, ErrNotFound
		}
		return Upload{}, fmt.Errorf("transition media upload %s: %w", localID, err)
	}
	return u, nil
}

// DeleteSubject implements Repo.
func (r *SQLRepo) DeleteSubject(ctx context.Context, templateID, subjectID string) ([]Upload, error) {
	query := `
DELETE FROM media_uploads
WHERE template_id = $1 AND subject_id = $2
RETURNING ` + uploadColumns
	rows, err := r.DB.QueryContext(ctx, query, templateID, subjectID)
	if err != nil {
		return nil, fmt.Errorf("delete media uploads %s/%s: %w", templateID, subjectID, err)
	}
	defer rows.Close()
	return collect(rows)
}

var _ Repo = (*SQLRepo)(nil)
