package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"inspection-sync/internal/answers"
	"inspection-sync/internal/connectivity"
	"inspection-sync/internal/delivery"
	"inspection-sync/internal/media"
	"inspection-sync/internal/queue"
	"inspection-sync/internal/shared/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.SetOutput(io.Discard)
	os.Exit(m.Run())
}

type fakeSubmitter struct {
	mu      sync.Mutex
	got     []delivery.Submission
	errs    map[string][]error
	entered chan struct{}
	block   chan struct{}
}

func (f *fakeSubmitter) Submit(ctx context.Context, s delivery.Submission) (delivery.Receipt, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.errs[s.IdempotencyKey]; len(errs) > 0 {
		f.errs[s.IdempotencyKey] = errs[1:]
		if errs[0] != nil {
			return delivery.Receipt{}, errs[0]
		}
	}
	f.got = append(f.got, s)
	return delivery.Receipt{Status: "accepted", SubmissionID: "sub-" + s.SubjectID}, nil
}

func (f *fakeSubmitter) failNext(key string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = make(map[string][]error)
	}
	f.errs[key] = append(f.errs[key], errs...)
}

func (f *fakeSubmitter) delivered() []delivery.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery.Submission(nil), f.got...)
}

type fakeDrafts struct {
	mu      sync.Mutex
	cleared []string
}

func (f *fakeDrafts) Clear(ctx context.Context, templateID, subjectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, templateID+"/"+subjectID)
	return nil
}

type fakeMedia struct {
	mu        sync.Mutex
	uploadErr error
	keys      map[string]string
	forgotten []string
}

func (f *fakeMedia) UploadPending(ctx context.Context, refs []answers.FileRef) (media.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return media.Report{Failed: []string{refs[0].LocalID}}, f.uploadErr
	}
	for _, r := range refs {
		f.keys[r.LocalID] = "remote/" + r.LocalID
	}
	return media.Report{}, nil
}

func (f *fakeMedia) RemoteKeys(ctx context.Context, refs []answers.FileRef) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for _, r := range refs {
		if k, ok := f.keys[r.LocalID]; ok {
			out[r.LocalID] = k
		}
	}
	return out, nil
}

func (f *fakeMedia) Forget(ctx context.Context, templateID, subjectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, templateID+"/"+subjectID)
	return nil
}

type harness struct {
	q      *queue.Queue
	sub    *fakeSubmitter
	drafts *fakeDrafts
	media  *fakeMedia
	online *connectivity.Manual
	c      *Coordinator
}

func newHarness(online bool) *harness {
	h := &harness{
		q:      queue.New(queue.NewMemoryRepo(), queue.Backoff{Base: time.Minute, Max: time.Hour}),
		sub:    &fakeSubmitter{},
		drafts: &fakeDrafts{},
		media:  &fakeMedia{keys: make(map[string]string)},
		online: connectivity.NewManual(online),
	}
	h.c = New(h.q, h.sub, h.drafts, h.media, h.online)
	h.c.WarnAfter = 2
	return h
}

func (h *harness) enqueue(t *testing.T, subject string, mode delivery.Mode, m answers.Map) queue.Entry {
	t.Helper()
	e, err := h.q.Enqueue(context.Background(), queue.Input{
		TemplateID: "vehicle-inspection",
		SubjectID:  subject,
		Mode:       mode,
		Payload:    answers.Serialize(m).Payload,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return e
}

func (h *harness) count(t *testing.T) int {
	t.Helper()
	n, err := h.q.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

func TestDrainDeliversInEnqueueOrder(t *testing.T) {
	h := newHarness(true)
	h.enqueue(t, "veh-1", delivery.ModeDraft, answers.Map{"q1": "Tata"})
	h.enqueue(t, "veh-2", delivery.ModeFinal, answers.Map{"q1": "Ashok"})

	sum, err := h.c.Drain(context.Background(), DrainOptions{})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sum.Delivered != 2 || sum.Pending != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	got := h.sub.delivered()
	if got[0].SubjectID != "veh-1" || got[1].SubjectID != "veh-2" {
		t.Fatalf("order = %s, %s", got[0].SubjectID, got[1].SubjectID)
	}
	if got[0].Answers["q1"] != "Tata" {
		t.Fatalf("answers = %#v", got[0].Answers)
	}
	// Only the final submission clears local state.
	if len(h.drafts.cleared) != 1 || h.drafts.cleared[0] != "vehicle-inspection/veh-2" {
		t.Fatalf("cleared = %v", h.drafts.cleared)
	}
}

func TestDrainSkipsWhileOffline(t *testing.T) {
	h := newHarness(false)
	h.enqueue(t, "veh-1", delivery.ModeDraft, answers.Map{"q1": "Tata"})

	sum, err := h.c.Drain(context.Background(), DrainOptions{Force: true})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !sum.Offline || sum.Pending != 1 || len(h.sub.delivered()) != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	e, _ := h.q.Get(context.Background(), queue.Key("vehicle-inspection", "veh-1", delivery.ModeDraft))
	if e.Attempts != 0 {
		t.Fatalf("offline drain must not burn attempts, got %d", e.Attempts)
	}
}

func TestTransientFailureStaysQueuedAndContinues(t *testing.T) {
	h := newHarness(true)
	first := h.enqueue(t, "veh-1", delivery.ModeFinal, answers.Map{"q1": "a"})
	h.enqueue(t, "veh-2", delivery.ModeFinal, answers.Map{"q1": "b"})
	h.sub.failNext(first.ID, &delivery.StatusError{Status: 503, Body: "busy"}, &delivery.StatusError{Status: 503, Body: "busy"})

	events, cancel := h.c.Subscribe()
	defer cancel()

	sum, err := h.c.Drain(context.Background(), DrainOptions{})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sum.Delivered != 1 || sum.Retrying != 1 || sum.Pending != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	// Second failure crosses WarnAfter.
	if _, err := h.c.Drain(context.Background(), DrainOptions{Force: true}); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	var repeated bool
	for len(events) > 0 {
		ev := <-events
		if ev.Phase == PhaseRetrying && ev.EntryID == first.ID && ev.RepeatedFailure {
			repeated = true
		}
	}
	if !repeated {
		t.Fatalf("expected a repeated failure event")
	}

	sum, err = h.c.Drain(context.Background(), DrainOptions{Force: true})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sum.Delivered != 1 || sum.Pending != 0 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRejectionIsParkedWithServerMessage(t *testing.T) {
	h := newHarness(true)
	e := h.enqueue(t, "veh-1", delivery.ModeFinal, answers.Map{"q1": "a"})
	h.sub.failNext(e.ID, &delivery.RejectedError{Status: 422, Message: "odometer is required"})

	sum, err := h.c.Drain(context.Background(), DrainOptions{})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sum.Rejected != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	stored, _ := h.q.Get(context.Background(), e.ID)
	if stored.Status != queue.StatusRejected || stored.LastError != "odometer is required" {
		t.Fatalf("entry = %+v", stored)
	}
	if len(h.drafts.cleared) != 0 {
		t.Fatalf("rejected submission must keep the draft")
	}

	// A forced drain does not retry a rejected payload.
	sum, _ = h.c.Drain(context.Background(), DrainOptions{Force: true})
	if sum.Delivered != 0 || sum.Rejected != 0 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestCorruptPayloadIsRejected(t *testing.T) {
	h := newHarness(true)
	e, _ := h.q.Enqueue(context.Background(), queue.Input{
		TemplateID: "vehicle-inspection",
		SubjectID:  "veh-1",
		Mode:       delivery.ModeDraft,
		Payload:    []byte("{truncated"),
	})

	sum, err := h.c.Drain(context.Background(), DrainOptions{})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sum.Rejected != 1 || len(h.sub.delivered()) != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	stored, _ := h.q.Get(context.Background(), e.ID)
	if stored.Status != queue.StatusRejected {
		t.Fatalf("status = %s", stored.Status)
	}
}

func TestFinalWaitsForMedia(t *testing.T) {
	h := newHarness(true)
	ref := answers.FileRef{LocalID: "l-1", Name: "front.jpg"}
	e := h.enqueue(t, "veh-1", delivery.ModeFinal, answers.Map{"photo": ref})
	h.media.uploadErr = media.ErrIncomplete

	sum, _ := h.c.Drain(context.Background(), DrainOptions{})
	if sum.Retrying != 1 || len(h.sub.delivered()) != 0 {
		t.Fatalf("final must not be submitted with missing media: %+v", sum)
	}

	h.media.uploadErr = nil
	sum, err := h.c.Drain(context.Background(), DrainOptions{Force: true})
	if err != nil || sum.Delivered != 1 {
		t.Fatalf("Drain = %+v, %v", sum, err)
	}
	got := h.sub.delivered()[0].Answers["photo"].(answers.FileRef)
	if got.RemoteKey != "remote/l-1" {
		t.Fatalf("remote key not attached: %+v", got)
	}
	if len(h.media.forgotten) != 1 {
		t.Fatalf("media state should be dropped after final delivery")
	}
	if _, err := h.q.Get(context.Background(), e.ID); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("entry should be gone, got %v", err)
	}
}

func TestFinalDeliverySupersedesDraftEntry(t *testing.T) {
	h := newHarness(true)
	final := h.enqueue(t, "veh-1", delivery.ModeFinal, answers.Map{"q1": "b"})
	draft := h.enqueue(t, "veh-1", delivery.ModeDraft, answers.Map{"q1": "a"})

	if _, err := h.c.Deliver(context.Background(), final.ID); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if _, err := h.q.Get(context.Background(), draft.ID); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("draft snapshot should be dropped, got %v", err)
	}
}

// Save while online, go offline, save again, reconnect: the backend ends
// up with the last saved answers and the draft is cleared only after the
// final delivery is confirmed.
func TestNoDataLossAcrossDisconnect(t *testing.T) {
	h := newHarness(true)
	ctx := context.Background()

	h.enqueue(t, "veh-1", delivery.ModeDraft, answers.Map{"q1": "Tata"})
	if _, err := h.c.Drain(ctx, DrainOptions{}); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	h.online.Set(false)
	h.enqueue(t, "veh-1", delivery.ModeDraft, answers.Map{"q1": "Tata", "q2": int64(2)})
	h.enqueue(t, "veh-1", delivery.ModeFinal, answers.Map{"q1": "Tata", "q2": int64(3)})
	if _, err := h.c.Drain(ctx, DrainOptions{}); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(h.drafts.cleared) != 0 {
		t.Fatalf("draft cleared before delivery")
	}

	h.online.Set(true)
	sum, err := h.c.Drain(ctx, DrainOptions{Force: true})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sum.Pending != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	got := h.sub.delivered()
	last := got[len(got)-1]
	if last.Mode != delivery.ModeFinal || last.Answers["q2"] != int64(3) {
		t.Fatalf("last delivery = %+v", last)
	}
	if len(h.drafts.cleared) != 1 {
		t.Fatalf("cleared = %v", h.drafts.cleared)
	}
}

func TestConcurrentDrainsCoalesce(t *testing.T) {
	h := newHarness(true)
	h.sub.block = make(chan struct{})
	h.enqueue(t, "veh-1", delivery.ModeDraft, answers.Map{"q1": "a"})

	done := make(chan Summary, 1)
	go func() {
		sum, _ := h.c.Drain(context.Background(), DrainOptions{})
		done <- sum
	}()

	// Wait for the first drain to own the queue.
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.c.mu.Lock()
		running := h.c.draining
		h.c.mu.Unlock()
		if running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("drain never started")
		}
		time.Sleep(time.Millisecond)
	}

	sum, err := h.c.Drain(context.Background(), DrainOptions{})
	if err != nil || !sum.Coalesced {
		t.Fatalf("second drain = %+v, %v", sum, err)
	}
	if _, err := h.c.Deliver(context.Background(), "x"); !errors.Is(err, ErrBusy) {
		t.Fatalf("Deliver during drain = %v", err)
	}
	h.enqueue(t, "veh-2", delivery.ModeDraft, answers.Map{"q1": "b"})
	close(h.sub.block)

	first := <-done
	if first.Delivered != 2 {
		t.Fatalf("coalesced re-run should pick up the new entry: %+v", first)
	}
}

func TestStartDrainsOnReconnect(t *testing.T) {
	h := newHarness(false)
	h.c.Interval = time.Hour
	events, cancel := h.c.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer func() {
		stop()
		h.c.Wait()
	}()
	h.c.Start(ctx)
	h.enqueue(t, "veh-1", delivery.ModeFinal, answers.Map{"q1": "a"})
	h.online.Set(true)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Phase == PhaseSynced {
				if h.count(t) != 0 {
					t.Fatalf("queue not drained")
				}
				return
			}
		case <-timeout:
			t.Fatalf("no drain after reconnect")
		}
	}
}

// A final re-enqueued while its previous payload is in flight keeps the
// newer payload queued and the local draft intact.
func TestReenqueueDuringDeliveryKeepsNewerPayload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(true)
	h.sub.entered = make(chan struct{}, 4)
	h.sub.block = make(chan struct{})
	h.enqueue(t, "veh-1", delivery.ModeFinal, answers.Map{"q1": "old"})

	done := make(chan error, 1)
	go func() {
		_, err := h.c.Drain(ctx, DrainOptions{})
		done <- err
	}()
	select {
	case <-h.sub.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("submit never started")
	}
	newer := h.enqueue(t, "veh-1", delivery.ModeFinal, answers.Map{"q1": "new"})
	close(h.sub.block)
	if err := <-done; err != nil {
		t.Fatalf("Drain: %v", err)
	}

	stored, err := h.q.Get(ctx, newer.ID)
	if err != nil {
		t.Fatalf("newer payload was dropped: %v", err)
	}
	if stored.Revision != newer.Revision || stored.Attempts != 0 {
		t.Fatalf("entry = %+v", stored)
	}
	if len(h.drafts.cleared) != 0 || len(h.media.forgotten) != 0 {
		t.Fatalf("local state cleared for a superseded delivery: drafts=%v media=%v", h.drafts.cleared, h.media.forgotten)
	}

	sum, err := h.c.Drain(ctx, DrainOptions{Force: true})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sum.Delivered != 1 || sum.Pending != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	got := h.sub.delivered()
	if len(got) != 2 || got[1].Answers["q1"] != "new" {
		t.Fatalf("delivered = %+v", got)
	}
	if len(h.drafts.cleared) != 1 {
		t.Fatalf("cleared = %v", h.drafts.cleared)
	}
}

func TestFailedStaleRevisionDoesNotCountAttempt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(true)
	h.sub.entered = make(chan struct{}, 4)
	h.sub.block = make(chan struct{})
	first := h.enqueue(t, "veh-1", delivery.ModeDraft, answers.Map{"q1": "old"})
	h.sub.failNext(first.ID, &delivery.StatusError{Status: 503, Body: "busy"})

	done := make(chan error, 1)
	go func() {
		_, err := h.c.Drain(ctx, DrainOptions{})
		done <- err
	}()
	<-h.sub.entered
	h.enqueue(t, "veh-1", delivery.ModeDraft, answers.Map{"q1": "new"})
	close(h.sub.block)
	if err := <-done; err != nil {
		t.Fatalf("Drain: %v", err)
	}

	stored, err := h.q.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Attempts != 0 || stored.LastError != "" {
		t.Fatalf("failure of the old revision leaked onto the new one: %+v", stored)
	}
}

func TestFinalWithUnknownMediaIsRejected(t *testing.T) {
	h := newHarness(true)
	ref := answers.FileRef{LocalID: "l-gone", Name: "rear.jpg"}
	e := h.enqueue(t, "veh-1", delivery.ModeFinal, answers.Map{"photo": ref})
	h.media.uploadErr = fmt.Errorf("%w: rear.jpg", media.ErrUnknownFile)

	sum, err := h.c.Drain(context.Background(), DrainOptions{})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sum.Rejected != 1 || sum.Retrying != 0 || len(h.sub.delivered()) != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	stored, _ := h.q.Get(context.Background(), e.ID)
	if stored.Status != queue.StatusRejected || !strings.Contains(stored.LastError, "rear.jpg") {
		t.Fatalf("entry = %+v", stored)
	}
	if len(h.drafts.cleared) != 0 || len(h.media.forgotten) != 0 {
		t.Fatalf("rejected final must keep the draft and media state")
	}

	sum, _ = h.c.Drain(context.Background(), DrainOptions{Force: true})
	if sum.Delivered != 0 || sum.Rejected != 0 || sum.Retrying != 0 {
		t.Fatalf("rejected entry was retried: %+v", sum)
	}
}
