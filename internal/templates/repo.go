package templates

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no cached copy exists.
var ErrNotFound = errors.New("template not cached")

// ErrNoRemote is the fetch error when no fleet API is configured.
var ErrNoRemote = errors.New("no template source configured")

// Cached is a template copy with the time it was stored locally.
type Cached struct {
	Template Template
	CachedAt time.Time
}

// CacheRepo keeps every template version seen, keyed by (id, updatedAt).
type CacheRepo interface {
	Put(ctx context.Context, tpl Template, cachedAt time.Time) error
	// Latest returns the cached version with the greatest UpdatedAt.
	Latest(ctx context.Context, templateID string) (Cached, error)
	Version(ctx context.Context, templateID string, updatedAt time.Time) (Cached, error)
}
