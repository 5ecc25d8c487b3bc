package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"inspection-sync/internal/delivery"
	"inspection-sync/internal/shared/events"
	"inspection-sync/internal/shared/metrics"
	"inspection-sync/internal/shared/telemetry"
)

// Queue is the durable submission queue. Entries stay stored until
// MarkSuccess or Remove; a crash between dequeue and acknowledgement
// redelivers the entry.
type Queue struct {
	Repo    Repo
	Backoff Backoff
	Now     func() time.Time

	counts *events.Broker[int]
}

// New constructs a Queue over repo.
func New(repo Repo, backoff Backoff) *Queue {
	return &Queue{Repo: repo, Backoff: backoff, counts: events.NewBroker[int](8)}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

// Enqueue stores in under its idempotency key. Enqueueing the same key
// again replaces the payload and moves the entry to the back of the queue.
func (q *Queue) Enqueue(ctx context.Context, in Input) (Entry, error) {
	if strings.TrimSpace(in.TemplateID) == "" || strings.TrimSpace(in.SubjectID) == "" {
		return Entry{}, errors.New("template id and subject id are required")
	}
	if in.Mode != delivery.ModeDraft && in.Mode != delivery.ModeFinal {
		return Entry{}, fmt.Errorf("unknown submission mode %q", in.Mode)
	}
	now := q.now()
	e, err := q.Repo.Upsert(ctx, Entry{
		ID:            Key(in.TemplateID, in.SubjectID, in.Mode),
		TemplateID:    in.TemplateID,
		SubjectID:     in.SubjectID,
		Mode:          in.Mode,
		Payload:       in.Payload,
		Metadata:      in.Metadata,
		EnqueuedAt:    now,
		NextAttemptAt: now,
		UpdatedAt:     now,
	})
	if err != nil {
		return Entry{}, err
	}
	metrics.IncQueueEnqueued()
	telemetry.Info("queue.enqueued", map[string]any{
		"entry_id":    e.ID,
		"template_id": e.TemplateID,
		"subject_id":  e.SubjectID,
		"mode":        string(e.Mode),
	})
	q.publishCount(ctx)
	return e, nil
}

// DequeueNext returns the oldest pending entry due at dueBy without removing
// it, or ErrEmpty.
func (q *Queue) DequeueNext(ctx context.Context, dueBy time.Time) (Entry, error) {
	return q.Repo.Next(ctx, dueBy)
}

// MarkSuccess acknowledges the delivered revision of e. It returns
// ErrSuperseded when e was enqueued again meanwhile; the newer payload
// stays queued.
func (q *Queue) MarkSuccess(ctx context.Context, e Entry) error {
	ok, err := q.Repo.Ack(ctx, e.ID, e.Revision)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := q.Repo.Get(ctx, e.ID); err != nil {
			return err
		}
		return ErrSuperseded
	}
	q.publishCount(ctx)
	return nil
}

// MarkFailed records a failed attempt against the revision of e. A
// rejection parks the entry until it is enqueued again; anything else
// schedules a retry with backoff.
func (q *Queue) MarkFailed(ctx context.Context, e Entry, cause error) (Entry, error) {
	now := q.now()
	f := Failure{At: now}
	if cause != nil {
		f.Message = cause.Error()
	}
	if rej, ok := delivery.AsRejected(cause); ok {
		f.Rejected = true
		f.Message = rej.Message
	}
	failed, err := q.Repo.Fail(ctx, e.ID, e.Revision, f, func(attempts int) time.Time {
		return now.Add(q.Backoff.Delay(attempts))
	})
	if err != nil {
		return Entry{}, err
	}
	fields := map[string]any{
		"entry_id":        failed.ID,
		"template_id":     failed.TemplateID,
		"subject_id":      failed.SubjectID,
		"attempts":        failed.Attempts,
		"next_attempt_at": failed.NextAttemptAt,
		"error":           f.Message,
	}
	if f.Rejected {
		telemetry.Warn("queue.entry.rejected", fields)
	} else {
		telemetry.Info("queue.entry.retry_scheduled", fields)
	}
	return failed, nil
}

// Remove drops an entry regardless of its state.
func (q *Queue) Remove(ctx context.Context, id string) error {
	ok, err := q.Repo.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	q.publishCount(ctx)
	return nil
}

// Get returns one entry.
func (q *Queue) Get(ctx context.Context, id string) (Entry, error) {
	return q.Repo.Get(ctx, id)
}

// List returns every live entry in enqueue order.
func (q *Queue) List(ctx context.Context) ([]Entry, error) {
	return q.Repo.List(ctx)
}

// Count returns the number of live entries, rejected ones included.
func (q *Queue) Count(ctx context.Context) (int, error) {
	return q.Repo.Count(ctx)
}

// ResetBackoff makes every pending entry due now. Used when connectivity
// returns or the operator asks to sync.
func (q *Queue) ResetBackoff(ctx context.Context) (int, error) {
	n, err := q.Repo.ResetBackoff(ctx, q.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		telemetry.Debug("queue.backoff.reset", map[string]any{"entries": n})
	}
	return n, nil
}

// Subscribe streams the live entry count after every change.
func (q *Queue) Subscribe() (<-chan int, func()) {
	return q.counts.Subscribe()
}

func (q *Queue) publishCount(ctx context.Context) {
	n, err := q.Repo.Count(ctx)
	if err != nil {
		telemetry.Warn("queue.count.failed", map[string]any{"error": err.Error()})
		return
	}
	metrics.SetQueuePending(n)
	q.counts.Publish(n)
}
