package media

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory Repo.
type MemoryRepo struct {
	mu   sync.Mutex
	data map[string]Upload
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{data: make(map[string]Upload)}
}

// Insert implements Repo.
func (r *MemoryRepo) Insert(ctx context.Context, u Upload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[u.LocalID] = u
	return nil
}

// Get implements Repo.
func (r *MemoryRepo) Get(ctx context.Context, localID string) (Upload, error) {
	if err := ctx.Err(); err != nil {
		return Upload{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.data[localID]
	if !ok {
		return Upload{}, ErrNotFound
	}
	return u, nil
}

// List implements Repo.
func (r *MemoryRepo) List(ctx context.Context, templateID, subjectID string) ([]Upload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Upload
	for _, u := range r.data {
		if u.TemplateID == templateID && u.SubjectID == subjectID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out, nil
}

// Transition implements Repo.
func (r *MemoryRepo) Transition(ctx context.Context, localID string, t Transition) (Upload, error) {
	if err := ctx.Err(); err != nil {
		return Upload{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.data[localID]
	if !ok {
		return Upload{}, ErrNotFound
	}
	u.Status = t.Status
	if t.RemoteKey != "" {
		u.RemoteKey = t.RemoteKey
	}
	u.LastError = t.Error
	if t.Status == StatusFailed {
		u.Retries++
	}
	u.UpdatedAt = t.At
	r.data[localID] = u
	return u, nil
}

// DeleteSubject implements Repo.
func (r *MemoryRepo) DeleteSubject(ctx context.Context, templateID, subjectID string) ([]Upload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Upload
	for id, u := range r.data {
		if u.TemplateID == templateID && u.SubjectID == subjectID {
			out = append(out, u)
			delete(r.data, id)
		}
	}
	return out, nil
}

var _ Repo = (*MemoryRepo)(nil)
