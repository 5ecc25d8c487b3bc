package drafts

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repo.
type MemoryRepo struct {
	mu   sync.Mutex
	data map[string]Draft
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{data: make(map[string]Draft)}
}

// Upsert implements Repo.
func (r *MemoryRepo) Upsert(ctx context.Context, d Draft, mode UpsertMode) (Draft, error) {
	if err := ctx.Err(); err != nil {
		return Draft{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(d.TemplateID, d.SubjectID)
	if cur, ok := r.data[k]; ok && mode != UpsertFresh {
		if mode != UpsertAdopt {
			d.DraftID = cur.DraftID
		}
		if !cur.StartedAt.IsZero() {
			d.StartedAt = cur.StartedAt
		}
		if !cur.TemplateVersion.IsZero() {
			d.TemplateVersion = cur.TemplateVersion
		}
		d.AckVersion = cur.AckVersion
	}
	d.Payload = append([]byte(nil), d.Payload...)
	r.data[k] = d
	return d, nil
}

// Get implements Repo.
func (r *MemoryRepo) Get(ctx context.Context, templateID, subjectID string) (Draft, error) {
	if err := ctx.Err(); err != nil {
		return Draft{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.data[key(templateID, subjectID)]
	if !ok {
		return Draft{}, ErrNotFound
	}
	return d, nil
}

// Delete implements Repo.
func (r *MemoryRepo) Delete(ctx context.Context, templateID, subjectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, key(templateID, subjectID))
	return nil
}

// Pin implements Repo.
func (r *MemoryRepo) Pin(ctx context.Context, templateID, subjectID string, payload []byte, templateVersion, ackVersion, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(templateID, subjectID)
	d, ok := r.data[k]
	if !ok {
		return ErrNotFound
	}
	d.Payload = append([]byte(nil), payload...)
	d.TemplateVersion = templateVersion
	d.AckVersion = ackVersion
	d.UpdatedAt = updatedAt
	r.data[k] = d
	return nil
}

var _ Repo = (*MemoryRepo)(nil)
