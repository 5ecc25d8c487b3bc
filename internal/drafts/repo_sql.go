package drafts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"inspection-sync/internal/shared/storage/db"
)

// SQLRepo implements Repo on the drafts table (SQLite or Postgres).
type SQLRepo struct {
	DB *sql.DB
}

// Upsert implements Repo.
func (r *SQLRepo) Upsert(ctx context.Context, d Draft, mode UpsertMode) (Draft, error) {
	const query = `
INSERT INTO drafts (
    template_id,
    subject_id,
    draft_id,
    answers,
    status,
    started_at,
    template_version,
    ack_version,
    updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (template_id, subject_id) DO UPDATE SET
    draft_id = CASE WHEN $10 > 0 THEN excluded.draft_id ELSE drafts.draft_id END,
    answers = excluded.answers,
    status = excluded.status,
    started_at = CASE WHEN $10 = 2 OR drafts.started_at = 0 THEN excluded.started_at ELSE drafts.started_at END,
    template_version = CASE WHEN $10 = 2 OR drafts.template_version = 0 THEN excluded.template_version ELSE drafts.template_version END,
    ack_version = CASE WHEN $10 = 2 THEN excluded.ack_version ELSE drafts.ack_version END,
    updated_at = excluded.updated_at
RETURNING draft_id, started_at, template_version, ack_version`

	var startedAt, templateVersion, ackVersion int64
	err := r.DB.QueryRowContext(ctx, query,
		d.TemplateID,
		d.SubjectID,
		d.DraftID,
		string(d.Payload),
		string(d.Status),
		db.Millis(d.StartedAt),
		db.Millis(d.TemplateVersion),
		db.Millis(d.AckVersion),
		db.Millis(d.UpdatedAt),
		int(mode),
	).Scan(&d.DraftID, &startedAt, &templateVersion, &ackVersion)
	if err != nil {
		return Draft{}, fmt.Errorf("upsert draft %s/%s: %w", d.TemplateID, d.SubjectID, err)
	}
	d.StartedAt = db.FromMillis(startedAt)
	d.TemplateVersion = db.FromMillis(templateVersion)
	d.AckVersion = db.FromMillis(ackVersion)
	return d, nil
}

// Get implements Repo.
func (r *SQLRepo) Get(ctx context.Context, templateID, subjectID string) (Draft, error) {
	const query = `
SELECT draft_id, answers, status, started_at, template_version, ack_version, updated_at
FROM drafts
WHERE template_id = $1 AND subject_id = $2`

	d := Draft{TemplateID: templateID, SubjectID: subjectID}
	var (
		status                                            string
		startedAt, templateVersion, ackVersion, updatedAt int64
	)
	err := r.DB.QueryRowContext(ctx, query, templateID, subjectID).Scan(
		&d.DraftID,
		&d.Payload,
		&status,
		&startedAt,
		&templateVersion,
		&ackVersion,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Draft{}, ErrNotFound
		}
		return Draft{}, fmt.Errorf("load draft %s/%s: %w", templateID, subjectID, err)
	}
	d.Status = Status(status)
	d.StartedAt = db.FromMillis(startedAt)
	d.TemplateVersion = db.FromMillis(templateVersion)
	d.AckVersion = db.FromMillis(ackVersion)
	d.UpdatedAt = db.FromMillis(updatedAt)
	return d, nil
}

// Delete implements Repo.
func (r *SQLRepo) Delete(ctx context.Context, templateID, subjectID string) error {
	const query = `DELETE FROM drafts WHERE template_id = $1 AND subject_id = $2`
	if _, err := r.DB.ExecContext(ctx, query, templateID, subjectID); err != nil {
		return fmt.Errorf("delete draft %s/%s: %w", templateID, subjectID, err)
	}
	return nil
}

// Pin implements Repo.
func (r *SQLRepo) Pin(ctx context.Context, templateID, subjectID string, payload []byte, templateVersion, ackVersion, updatedAt time.Time) error {
	const query = `
UPDATE drafts
SET answers = $1, template_version = $2, ack_version = $3, updated_at = $4
WHERE template_id = $5 AND subject_id = $6`
	res, err := r.DB.ExecContext(ctx, query,
		string(payload),
		db.Millis(templateVersion),
		db.Millis(ackVersion),
		db.Millis(updatedAt),
		templateID,
		subjectID,
	)
	if err != nil {
		return fmt.Errorf("pin draft %s/%s: %w", templateID, subjectID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pin draft %s/%s: %w", templateID, subjectID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Repo = (*SQLRepo)(nil)
