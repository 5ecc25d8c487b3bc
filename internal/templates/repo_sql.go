package templates

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"inspection-sync/internal/shared/storage/db"
)

// SQLRepo implements CacheRepo on the template_versions table. The queries
// run unchanged on SQLite and Postgres.
type SQLRepo struct {
	DB *sql.DB
}

// Put upserts one template version.
func (r *SQLRepo) Put(ctx context.Context, tpl Template, cachedAt time.Time) error {
	body, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	const query = `
INSERT INTO template_versions (template_id, updated_at, version, body, cached_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (template_id, updated_at) DO UPDATE SET
    version = excluded.version,
    body = excluded.body,
    cached_at = excluded.cached_at`
	if _, err := r.DB.ExecContext(ctx, query,
		tpl.ID,
		db.Millis(tpl.UpdatedAt),
		tpl.Version,
		string(body),
		db.Millis(cachedAt),
	); err != nil {
		return fmt.Errorf("cache template %s: %w", tpl.ID, err)
	}
	return nil
}

// Latest returns the newest cached version.
func (r *SQLRepo) Latest(ctx context.Context, templateID string) (Cached, error) {
	const query = `
SELECT body, cached_at
FROM template_versions
WHERE template_id = $1
ORDER BY updated_at DESC
LIMIT 1`
	return r.scanOne(r.DB.QueryRowContext(ctx, query, templateID))
}

// Version returns one specific cached version.
func (r *SQLRepo) Version(ctx context.Context, templateID string, updatedAt time.Time) (Cached, error) {
	const query = `
SELECT body, cached_at
FROM template_versions
WHERE template_id = $1 AND updated_at = $2`
	return r.scanOne(r.DB.QueryRowContext(ctx, query, templateID, db.Millis(updatedAt)))
}

func (r *SQLRepo) scanOne(row *sql.Row) (Cached, error) {
	var (
		body     string
		cachedAt int64
	)
	if err := row.Scan(&body, &cachedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Cached{}, ErrNotFound
		}
		return Cached{}, err
	}
	var tpl Template
	if err := json.Unmarshal([]byte(body), &tpl); err != nil {
		return Cached{}, fmt.Errorf("decode cached template: %w", err)
	}
	return Cached{Template: tpl, CachedAt: db.FromMillis(cachedAt)}, nil
}

var _ CacheRepo = (*SQLRepo)(nil)
