package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repo for tests and STORE_DRIVER=memory.
type MemoryRepo struct {
	mu   sync.Mutex
	data map[string]Entry
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{data: make(map[string]Entry)}
}

func copyEntry(e Entry) Entry {
	e.Payload = append([]byte(nil), e.Payload...)
	if e.Metadata != nil {
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}

// Upsert implements Repo.
func (r *MemoryRepo) Upsert(ctx context.Context, e Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e.Status = StatusPending
	e.Attempts = 0
	e.LastError = ""
	e.Revision = r.data[e.ID].Revision + 1
	r.data[e.ID] = copyEntry(e)
	return copyEntry(e), nil
}

func (r *MemoryRepo) sorted() []Entry {
	out := make([]Entry, 0, len(r.data))
	for _, e := range r.data {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

// Next implements Repo.
func (r *MemoryRepo) Next(ctx context.Context, dueBy time.Time) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.sorted() {
		if e.Status == StatusPending && !e.NextAttemptAt.After(dueBy) {
			return copyEntry(e), nil
		}
	}
	return Entry{}, ErrEmpty
}

// Get implements Repo.
func (r *MemoryRepo) Get(ctx context.Context, id string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.data[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return copyEntry(e), nil
}

// List implements Repo.
func (r *MemoryRepo) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sorted()
	for i := range out {
		out[i] = copyEntry(out[i])
	}
	return out, nil
}

// Count implements Repo.
func (r *MemoryRepo) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data), nil
}

// Delete implements Repo.
func (r *MemoryRepo) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.data[id]
	delete(r.data, id)
	return ok, nil
}

// Ack implements Repo.
func (r *MemoryRepo) Ack(ctx context.Context, id string, revision int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.data[id]
	if !ok || e.Revision != revision {
		return false, nil
	}
	delete(r.data, id)
	return true, nil
}

// Fail implements Repo.
func (r *MemoryRepo) Fail(ctx context.Context, id string, revision int64, f Failure, next func(attempts int) time.Time) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.data[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if e.Revision != revision {
		return Entry{}, ErrSuperseded
	}
	e.Attempts++
	e.LastError = f.Message
	e.UpdatedAt = f.At
	if f.Rejected {
		e.Status = StatusRejected
	}
	e.NextAttemptAt = next(e.Attempts)
	r.data[id] = e
	return copyEntry(e), nil
}

// ResetBackoff implements Repo.
func (r *MemoryRepo) ResetBackoff(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.data {
		if e.Status == StatusPending && e.NextAttemptAt.After(now) {
			e.NextAttemptAt = now
			r.data[id] = e
			n++
		}
	}
	return n, nil
}

var _ Repo = (*MemoryRepo)(nil)
