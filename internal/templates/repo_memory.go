package templates

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory CacheRepo.
type MemoryRepo struct {
	mu   sync.RWMutex
	data map[string]map[int64]Cached // template id -> updatedAt millis -> copy
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{data: make(map[string]map[int64]Cached)}
}

// Put stores or refreshes one version.
func (r *MemoryRepo) Put(ctx context.Context, tpl Template, cachedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	versions, ok := r.data[tpl.ID]
	if !ok {
		versions = make(map[int64]Cached)
		r.data[tpl.ID] = versions
	}
	versions[tpl.UpdatedAt.UnixMilli()] = Cached{Template: tpl, CachedAt: cachedAt}
	return nil
}

// Latest returns the newest cached version.
func (r *MemoryRepo) Latest(ctx context.Context, templateID string) (Cached, error) {
	if err := ctx.Err(); err != nil {
		return Cached{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		best  Cached
		bestK int64
		found bool
	)
	for k, c := range r.data[templateID] {
		if !found || k > bestK {
			best, bestK, found = c, k, true
		}
	}
	if !found {
		return Cached{}, ErrNotFound
	}
	return best, nil
}

// Version returns one specific cached version.
func (r *MemoryRepo) Version(ctx context.Context, templateID string, updatedAt time.Time) (Cached, error) {
	if err := ctx.Err(); err != nil {
		return Cached{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.data[templateID][updatedAt.UnixMilli()]
	if !ok {
		return Cached{}, ErrNotFound
	}
	return c, nil
}

var _ CacheRepo = (*MemoryRepo)(nil)
