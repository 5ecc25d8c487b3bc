package queue

import (
	"context"
	"time"
)

// Repo persists queue entries. Every write is a single keyed statement or
// one transaction over a single key.
type Repo interface {
	// Upsert stores e, replacing any entry with the same ID and resetting its
	// attempts, status and backoff. The stored revision is returned.
	Upsert(ctx context.Context, e Entry) (Entry, error)
	// Next returns the oldest pending entry due at dueBy.
	Next(ctx context.Context, dueBy time.Time) (Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	List(ctx context.Context) ([]Entry, error)
	Count(ctx context.Context) (int, error)
	// Delete removes the entry and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
	// Ack removes the entry only if it is still at revision.
	Ack(ctx context.Context, id string, revision int64) (bool, error)
	// Fail increments attempts and records f if the entry is still at
	// revision; next is called with the new attempt count to schedule the
	// retry. It returns ErrNotFound or ErrSuperseded otherwise.
	Fail(ctx context.Context, id string, revision int64, f Failure, next func(attempts int) time.Time) (Entry, error)
	// ResetBackoff makes every pending entry due at now.
	ResetBackoff(ctx context.Context, now time.Time) (int, error)
}
