package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"inspection-sync/internal/answers"
	"inspection-sync/internal/connectivity"
	"inspection-sync/internal/delivery"
	"inspection-sync/internal/media"
	"inspection-sync/internal/queue"
	"inspection-sync/internal/shared/events"
	"inspection-sync/internal/shared/metrics"
	"inspection-sync/internal/shared/telemetry"
)

// MediaGate is what delivery needs from the media uploader.
type MediaGate interface {
	UploadPending(ctx context.Context, refs []answers.FileRef) (media.Report, error)
	RemoteKeys(ctx context.Context, refs []answers.FileRef) (map[string]string, error)
	Forget(ctx context.Context, templateID, subjectID string) error
}

// DraftClearer removes the local draft once its final submission landed.
type DraftClearer interface {
	Clear(ctx context.Context, templateID, subjectID string) error
}

// Coordinator drains the submission queue whenever connectivity allows.
type Coordinator struct {
	Queue     *queue.Queue
	Submitter delivery.Submitter
	Drafts    DraftClearer
	Media     MediaGate
	Online    connectivity.Provider

	Interval  time.Duration
	WarnAfter int
	Now       func() time.Time

	mu           sync.Mutex
	draining     bool
	rerun        bool
	rerunForce   bool
	pendingForce bool

	wake   chan struct{}
	events *events.Broker[Progress]
	wg     sync.WaitGroup
}

// New constructs a Coordinator.
func New(q *queue.Queue, submitter delivery.Submitter, drafts DraftClearer, gate MediaGate, online connectivity.Provider) *Coordinator {
	return &Coordinator{
		Queue:     q,
		Submitter: submitter,
		Drafts:    drafts,
		Media:     gate,
		Online:    online,
		Interval:  time.Minute,
		WarnAfter: 5,
		wake:      make(chan struct{}, 1),
		events:    events.NewBroker[Progress](64),
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Coordinator) online() bool {
	return c.Online == nil || c.Online.IsOnline()
}

// Start runs the trigger loop until ctx ends: a forced drain on startup
// when online and on every offline to online transition, a plain drain on
// every Interval tick and on Trigger.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Wait blocks until the loop started by Start has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) run(ctx context.Context) {
	var transitions <-chan bool
	if c.Online != nil {
		ch, cancel := c.Online.Subscribe()
		defer cancel()
		transitions = ch
	}
	if c.online() {
		c.Trigger(true)
	}

	interval := c.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if up {
				telemetry.Info("sync.trigger.reconnected", nil)
				c.Trigger(true)
			}
		case <-ticker.C:
			c.Trigger(false)
		case <-c.wake:
			c.mu.Lock()
			force := c.pendingForce
			c.pendingForce = false
			c.mu.Unlock()
			if _, err := c.Drain(ctx, DrainOptions{Force: force}); err != nil && ctx.Err() == nil {
				telemetry.Error("sync.drain.failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// Trigger asks the loop for a drain. Triggers that arrive before the loop
// picks them up collapse into one.
func (c *Coordinator) Trigger(force bool) {
	c.mu.Lock()
	c.pendingForce = c.pendingForce || force
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Subscribe streams progress events.
func (c *Coordinator) Subscribe() (<-chan Progress, func()) {
	return c.events.Subscribe()
}

// Drain delivers every due entry once, oldest first. Only one drain runs
// at a time; a call made while another drain runs is folded into a single
// re-run of that drain and returns with Summary.Coalesced set.
func (c *Coordinator) Drain(ctx context.Context, opts DrainOptions) (Summary, error) {
	c.mu.Lock()
	if c.draining {
		c.rerun = true
		c.rerunForce = c.rerunForce || opts.Force
		c.mu.Unlock()
		return Summary{Coalesced: true}, nil
	}
	c.draining = true
	c.mu.Unlock()

	var total Summary
	for {
		s, err := c.drainOnce(ctx, opts)
		total.add(s)

		c.mu.Lock()
		if err != nil || !c.rerun || ctx.Err() != nil {
			c.draining = false
			c.rerun = false
			c.rerunForce = false
			c.mu.Unlock()
			return total, err
		}
		opts.Force = c.rerunForce
		c.rerun = false
		c.rerunForce = false
		c.mu.Unlock()
	}
}

func (c *Coordinator) drainOnce(ctx context.Context, opts DrainOptions) (Summary, error) {
	var summary Summary
	if !c.online() {
		summary.Offline = true
		summary.Pending, _ = c.Queue.Count(ctx)
		telemetry.Debug("sync.drain.skipped_offline", map[string]any{"pending": summary.Pending})
		return summary, nil
	}
	if opts.Force {
		if _, err := c.Queue.ResetBackoff(ctx); err != nil {
			return summary, c.abort(ErrStorage{Op: "reset backoff", Err: err})
		}
	}

	pending, err := c.Queue.Count(ctx)
	if err != nil {
		return summary, c.abort(ErrStorage{Op: "count", Err: err})
	}
	c.publish(Progress{Phase: PhaseSyncing, Pending: pending})
	telemetry.Info("sync.drain.started", map[string]any{"pending": pending, "force": opts.Force})

	dueBy := c.now()
	seen := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if !c.online() {
			telemetry.Info("sync.drain.went_offline", nil)
			break
		}
		entry, err := c.Queue.DequeueNext(ctx, dueBy)
		if errors.Is(err, queue.ErrEmpty) {
			break
		}
		if err != nil {
			return summary, c.abort(ErrStorage{Op: "dequeue", Err: err})
		}
		if _, dup := seen[entry.ID]; dup {
			break
		}
		seen[entry.ID] = struct{}{}

		out, err := c.deliver(ctx, entry)
		if err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			return summary, c.abort(err)
		}
		switch {
		case out.Delivered:
			summary.Delivered++
		case out.Rejected != nil:
			summary.Rejected++
		default:
			summary.Retrying++
		}
	}

	summary.Pending, err = c.Queue.Count(ctx)
	if err != nil {
		return summary, c.abort(ErrStorage{Op: "count", Err: err})
	}
	phase := PhaseSynced
	if summary.Pending > 0 {
		phase = PhaseRetrying
	}
	c.publish(Progress{Phase: phase, Pending: summary.Pending})
	telemetry.Info("sync.drain.finished", map[string]any{
		"delivered": summary.Delivered,
		"retrying":  summary.Retrying,
		"rejected":  summary.Rejected,
		"pending":   summary.Pending,
	})
	return summary, nil
}

func (c *Coordinator) abort(err error) error {
	c.publish(Progress{Phase: PhaseFailed, Error: err.Error()})
	return err
}

// Deliver attempts one entry right away. It returns ErrBusy while a drain
// is running; the entry then goes out with that drain or the next one.
func (c *Coordinator) Deliver(ctx context.Context, id string) (Outcome, error) {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return Outcome{EntryID: id}, ErrBusy
	}
	c.draining = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.draining = false
		rerun := c.rerun
		force := c.rerunForce
		c.rerun = false
		c.rerunForce = false
		c.mu.Unlock()
		if rerun {
			c.Trigger(force)
		}
	}()

	if !c.online() {
		return Outcome{EntryID: id, Err: connectivity.ErrOffline}, nil
	}
	entry, err := c.Queue.Get(ctx, id)
	if err != nil {
		return Outcome{EntryID: id}, err
	}
	if entry.Status == queue.StatusRejected {
		return Outcome{EntryID: id, Rejected: &delivery.RejectedError{Message: entry.LastError}}, nil
	}
	return c.deliver(ctx, entry)
}

// deliver submits one entry and records the outcome in the queue. The
// returned error is a storage failure; delivery failures are in Outcome.
func (c *Coordinator) deliver(ctx context.Context, e queue.Entry) (Outcome, error) {
	out := Outcome{EntryID: e.ID}
	start := time.Now()

	sub, err := c.prepare(ctx, e)
	if err == nil {
		out.Receipt, err = c.Submitter.Submit(ctx, sub)
	}
	if err != nil && ctx.Err() != nil {
		// Shutting down: leave the entry as it was.
		return out, ctx.Err()
	}
	if err == nil {
		return c.succeed(ctx, e, out, start)
	}
	var storageErr ErrStorage
	if errors.As(err, &storageErr) {
		return out, err
	}

	var corrupt ErrCorruptPayload
	if errors.As(err, &corrupt) {
		err = &delivery.RejectedError{Message: corrupt.Error()}
	}
	failed, markErr := c.Queue.MarkFailed(ctx, e, err)
	if markErr != nil {
		if errors.Is(markErr, queue.ErrSuperseded) {
			c.superseded(e)
			return out, nil
		}
		if errors.Is(markErr, queue.ErrNotFound) {
			return out, nil
		}
		return out, ErrStorage{Op: "mark failed", Err: markErr}
	}

	p := Progress{
		EntryID:    e.ID,
		TemplateID: e.TemplateID,
		SubjectID:  e.SubjectID,
		Mode:       e.Mode,
		Attempts:   failed.Attempts,
		Error:      failed.LastError,
	}
	fields := map[string]any{
		"entry_id":    e.ID,
		"template_id": e.TemplateID,
		"subject_id":  e.SubjectID,
		"mode":        string(e.Mode),
		"attempts":    failed.Attempts,
		"error":       err.Error(),
	}
	if rej, ok := delivery.AsRejected(err); ok {
		out.Rejected = rej
		p.Phase = PhaseRejected
		metrics.IncDeliveryRejected()
		telemetry.Warn("sync.entry.rejected", fields)
	} else {
		out.Err = err
		p.Phase = PhaseRetrying
		p.RepeatedFailure = c.WarnAfter > 0 && failed.Attempts >= c.WarnAfter
		metrics.IncDeliveryFailed()
		if p.RepeatedFailure {
			telemetry.Warn("sync.entry.repeated_failure", fields)
		} else {
			telemetry.Info("sync.entry.retry", fields)
		}
	}
	p.Pending, _ = c.Queue.Count(ctx)
	c.publish(p)
	return out, nil
}

// prepare decodes the payload and attaches remote media keys. Final
// entries wait until every referenced file is uploaded.
func (c *Coordinator) prepare(ctx context.Context, e queue.Entry) (delivery.Submission, error) {
	m, err := answers.Deserialize(e.Payload)
	if err != nil {
		return delivery.Submission{}, ErrCorruptPayload{EntryID: e.ID, Err: err}
	}

	if refs := answers.FileRefs(m); len(refs) > 0 && c.Media != nil {
		if e.Mode == delivery.ModeFinal {
			_, err := c.Media.UploadPending(ctx, refs)
			if errors.Is(err, media.ErrUnknownFile) {
				return delivery.Submission{}, &delivery.RejectedError{
					Message: fmt.Sprintf("%v; re-attach the photo and submit again", err),
				}
			}
			if err != nil {
				return delivery.Submission{}, ErrMediaPending{EntryID: e.ID, Err: err}
			}
		}
		keys, err := c.Media.RemoteKeys(ctx, refs)
		if err != nil {
			return delivery.Submission{}, ErrStorage{Op: "remote keys", Err: err}
		}
		m = answers.WithRemoteKeys(m, keys)
	}

	return delivery.Submission{
		IdempotencyKey: e.ID,
		TemplateID:     e.TemplateID,
		SubjectID:      e.SubjectID,
		Mode:           e.Mode,
		Answers:        m,
		Metadata:       e.Metadata,
		EnqueuedAt:     e.EnqueuedAt,
	}, nil
}

func (c *Coordinator) succeed(ctx context.Context, e queue.Entry, out Outcome, start time.Time) (Outcome, error) {
	current := true
	if err := c.Queue.MarkSuccess(ctx, e); err != nil {
		switch {
		case errors.Is(err, queue.ErrSuperseded):
			current = false
			c.superseded(e)
		case errors.Is(err, queue.ErrNotFound):
		default:
			return out, ErrStorage{Op: "mark success", Err: err}
		}
	}
	out.Delivered = true
	metrics.IncDeliverySucceeded()
	metrics.ObserveDeliveryMs(metrics.SinceMillis(start))

	// Local state belongs to the newer revision when the entry was
	// enqueued again during delivery.
	if e.Mode == delivery.ModeFinal && current {
		// A delivered final supersedes any queued draft snapshot.
		draftKey := queue.Key(e.TemplateID, e.SubjectID, delivery.ModeDraft)
		if err := c.Queue.Remove(ctx, draftKey); err != nil && !errors.Is(err, queue.ErrNotFound) {
			return out, ErrStorage{Op: "remove draft entry", Err: err}
		}
		if c.Drafts != nil {
			if err := c.Drafts.Clear(ctx, e.TemplateID, e.SubjectID); err != nil {
				return out, ErrStorage{Op: "clear draft", Err: err}
			}
		}
		if c.Media != nil {
			if err := c.Media.Forget(ctx, e.TemplateID, e.SubjectID); err != nil {
				telemetry.Warn("sync.media.forget_failed", map[string]any{
					"entry_id": e.ID,
					"error":    err.Error(),
				})
			}
		}
	}

	telemetry.Info("sync.entry.delivered", map[string]any{
		"entry_id":      e.ID,
		"template_id":   e.TemplateID,
		"subject_id":    e.SubjectID,
		"mode":          string(e.Mode),
		"submission_id": out.Receipt.SubmissionID,
	})
	pending, _ := c.Queue.Count(ctx)
	c.publish(Progress{
		Phase:      PhaseDelivered,
		EntryID:    e.ID,
		TemplateID: e.TemplateID,
		SubjectID:  e.SubjectID,
		Mode:       e.Mode,
		Pending:    pending,
	})
	return out, nil
}

// superseded schedules another pass for an entry that was enqueued again
// while its previous revision was in flight.
func (c *Coordinator) superseded(e queue.Entry) {
	telemetry.Info("sync.entry.superseded", map[string]any{
		"entry_id":    e.ID,
		"template_id": e.TemplateID,
		"subject_id":  e.SubjectID,
		"revision":    e.Revision,
	})
	c.Trigger(false)
}

func (c *Coordinator) publish(p Progress) {
	if p.At.IsZero() {
		p.At = c.now()
	}
	c.events.Publish(p)
}
