package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"inspection-sync/internal/delivery"
	"inspection-sync/internal/shared/storage/db"
)

// SQLRepo implements Repo on the submission_queue table.
type SQLRepo struct {
	DB *sql.DB
}

const entryColumns = `id, template_id, subject_id, mode, payload, metadata, status, attempts, last_error, enqueued_at, next_attempt_at, updated_at, revision`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e                                Entry
		mode, status, metadata           string
		payload                          string
		lastError                        sql.NullString
		enqueuedAt, nextAttempt, updated int64
	)
	if err := row.Scan(
		&e.ID,
		&e.TemplateID,
		&e.SubjectID,
		&mode,
		&payload,
		&metadata,
		&status,
		&e.Attempts,
		&lastError,
		&enqueuedAt,
		&nextAttempt,
		&updated,
		&e.Revision,
	); err != nil {
		return Entry{}, err
	}
	e.Mode = delivery.Mode(mode)
	e.Status = Status(status)
	e.Payload = []byte(payload)
	e.LastError = lastError.String
	e.EnqueuedAt = db.FromMillis(enqueuedAt)
	e.NextAttemptAt = db.FromMillis(nextAttempt)
	e.UpdatedAt = db.FromMillis(updated)
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return Entry{}, fmt.Errorf("decode metadata for %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func encodeMetadata(md map[string]string) (string, error) {
	if len(md) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Upsert implements Repo.
func (r *SQLRepo) Upsert(ctx context.Context, e Entry) (Entry, error) {
	const query = `
INSERT INTO submission_queue (
    id,
    template_id,
    subject_id,
    mode,
    payload,
    metadata,
    status,
    attempts,
    last_error,
    enqueued_at,
    next_attempt_at,
    updated_at,
    revision
) VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, NULL, $7, $8, $9, 1)
ON CONFLICT (id) DO UPDATE SET
    payload = excluded.payload,
    metadata = excluded.metadata,
    status = 'pending',
    attempts = 0,
    last_error = NULL,
    enqueued_at = excluded.enqueued_at,
    next_attempt_at = excluded.next_attempt_at,
    updated_at = excluded.updated_at,
    revision = submission_queue.revision + 1
RETURNING revision`

	metadata, err := encodeMetadata(e.Metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("encode metadata for %s: %w", e.ID, err)
	}
	err = r.DB.QueryRowContext(ctx, query,
		e.ID,
		e.TemplateID,
		e.SubjectID,
		string(e.Mode),
		string(e.Payload),
		metadata,
		db.Millis(e.EnqueuedAt),
		db.Millis(e.NextAttemptAt),
		db.Millis(e.UpdatedAt),
	).Scan(&e.Revision)
	if err != nil {
		return Entry{}, fmt.Errorf("upsert queue entry %s: %w", e.ID, err)
	}
	e.Status = StatusPending
	e.Attempts = 0
	e.LastError = ""
	return e, nil
}

// Next implements Repo.
func (r *SQLRepo) Next(ctx context.Context, dueBy time.Time) (Entry, error) {
	query := `
SELECT ` + entryColumns + `
FROM submission_queue
WHERE status = 'pending' AND next_attempt_at <= $1
ORDER BY enqueued_at ASC, id ASC
LIMIT 1`

	e, err := scanEntry(r.DB.QueryRowContext(ctx, query, db.Millis(dueBy)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrEmpty
		}
		return Entry{}, fmt.Errorf("select next queue entry: %w", err)
	}
	return e, nil
}

// Get implements Repo.
func (r *SQLRepo) Get(ctx context.Context, id string) (Entry, error) {
	return getEntry(ctx, r.DB, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getEntry(ctx context.Context, q queryRower, id string) (Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM submission_queue WHERE id = $1`
	e, err := scanEntry(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("load queue entry %s: %w", id, err)
	}
	return e, nil
}

// List implements Repo.
func (r *SQLRepo) List(ctx context.Context) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM submission_queue ORDER BY enqueued_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	return out, nil
}

// Count implements Repo.
func (r *SQLRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM submission_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue entries: %w", err)
	}
	return n, nil
}

// Delete implements Repo.
func (r *SQLRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM submission_queue WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete queue entry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete queue entry %s: %w", id, err)
	}
	return n > 0, nil
}

// Ack implements Repo.
func (r *SQLRepo) Ack(ctx context.Context, id string, revision int64) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM submission_queue WHERE id = $1 AND revision = $2`, id, revision)
	if err != nil {
		return false, fmt.Errorf("ack queue entry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ack queue entry %s: %w", id, err)
	}
	return n > 0, nil
}

// Fail implements Repo.
func (r *SQLRepo) Fail(ctx context.Context, id string, revision int64, f Failure, next func(attempts int) time.Time) (Entry, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("begin fail %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	var attempts int
	err = tx.QueryRowContext(ctx,
		`UPDATE submission_queue SET attempts = attempts + 1 WHERE id = $1 AND revision = $2 RETURNING attempts`,
		id,
		revision,
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := getEntry(ctx, tx, id); getErr != nil {
				return Entry{}, getErr
			}
			return Entry{}, ErrSuperseded
		}
		return Entry{}, fmt.Errorf("increment attempts %s: %w", id, err)
	}

	rejected := 0
	if f.Rejected {
		rejected = 1
	}
	const update = `
UPDATE submission_queue
SET status = CASE WHEN $1 = 1 THEN 'rejected' ELSE status END,
    last_error = $2,
    next_attempt_at = $3,
    updated_at = $4
WHERE id = $5`
	if _, err := tx.ExecContext(ctx, update,
		rejected,
		f.Message,
		db.Millis(next(attempts)),
		db.Millis(f.At),
		id,
	); err != nil {
		return Entry{}, fmt.Errorf("record failure %s: %w", id, err)
	}

	e, err := getEntry(ctx, tx, id)
	if err != nil {
		return Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit fail %s: %w", id, err)
	}
	return e, nil
}

// ResetBackoff implements Repo.
func (r *SQLRepo) ResetBackoff(ctx context.Context, now time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE submission_queue SET next_attempt_at = $1 WHERE status = 'pending' AND next_attempt_at > $1`,
		db.Millis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("reset backoff: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset backoff: %w", err)
	}
	return int(n), nil
}

var _ Repo = (*SQLRepo)(nil)
