package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"inspection-sync/internal/answers"
	"inspection-sync/internal/shared/storage/object"
	"inspection-sync/internal/shared/storage/object/local"
	"inspection-sync/internal/shared/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// fakeRemote records uploaded objects and fails keys containing a marker.
type fakeRemote struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  string
	puts    int
	gate    chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{objects: make(map[string][]byte)}
}

func (f *fakeRemote) Save(ctx context.Context, namespace, fileName string, r io.Reader) (string, int64, string, error) {
	return "", 0, "", errors.New("not used")
}

func (f *fakeRemote) SaveWithKey(ctx context.Context, key, contentType string, r io.Reader) (int64, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.failOn != "" && strings.Contains(key, f.failOn) {
		return 0, errors.New("connection reset by peer")
	}
	f.objects[key] = body
	return int64(len(body)), nil
}

func (f *fakeRemote) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	if !ok {
		return nil, object.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeRemote) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeRemote) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func newTestUploader(t *testing.T, remote *fakeRemote) *Uploader {
	t.Helper()
	u := NewUploader(NewMemoryRepo(), local.New(t.TempDir()), remote, nil, 2)
	t.Cleanup(func() { _ = u.Close(context.Background()) })
	return u
}

func stage(t *testing.T, u *Uploader, name, body string) answers.FileRef {
	t.Helper()
	ref, err := u.Stage(context.Background(), "t1", "veh-9", "photos", name, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Stage(%s): %v", name, err)
	}
	return ref
}

func TestStageRecordsPendingUpload(t *testing.T) {
	u := newTestUploader(t, newFakeRemote())
	ref := stage(t, u, "front.jpg", "jpeg-bytes")
	if ref.LocalID == "" || ref.Size != int64(len("jpeg-bytes")) || ref.Uploaded() {
		t.Fatalf("ref = %+v", ref)
	}
	up, err := u.Repo.Get(context.Background(), ref.LocalID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if up.Status != StatusPending || up.QuestionID != "photos" {
		t.Fatalf("upload = %+v", up)
	}
}

func TestPartialFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.failOn = "broken.jpg"
	u := newTestUploader(t, remote)

	good1 := stage(t, u, "front.jpg", "a")
	bad := stage(t, u, "broken.jpg", "b")
	good2 := stage(t, u, "rear.jpg", "c")
	refs := []answers.FileRef{good1, bad, good2}

	report, err := u.UploadPending(ctx, refs)
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	if len(report.Completed) != 2 || len(report.Failed) != 1 || report.Failed[0] != bad.LocalID {
		t.Fatalf("report = %+v", report)
	}

	for _, ref := range []answers.FileRef{good1, good2} {
		up, _ := u.Repo.Get(ctx, ref.LocalID)
		if up.Status != StatusCompleted || up.RemoteKey == "" {
			t.Fatalf("good file not completed: %+v", up)
		}
	}
	failed, _ := u.Repo.Get(ctx, bad.LocalID)
	if failed.Status != StatusFailed || failed.Retries != 1 || failed.LastError == "" {
		t.Fatalf("bad file state = %+v", failed)
	}

	// The failed file is retried on its own; completed files are not re-sent.
	remote.mu.Lock()
	remote.failOn = ""
	remote.mu.Unlock()
	before := remote.putCount()
	if _, err := u.UploadPending(ctx, refs); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := remote.putCount() - before; got != 1 {
		t.Fatalf("retry uploaded %d files, want 1", got)
	}

	keys, err := u.RemoteKeys(ctx, refs)
	if err != nil {
		t.Fatalf("RemoteKeys: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("keys = %v", keys)
	}
}

func TestBackgroundUploadSurvivesCallerAndPublishes(t *testing.T) {
	remote := newFakeRemote()
	u := newTestUploader(t, remote)
	events, cancel := u.Subscribe()
	defer cancel()

	ref := stage(t, u, "front.jpg", "a")
	<-events // staged

	u.StartBackgroundUpload("t1", "veh-9", answers.Map{"photos": []answers.FileRef{ref}})

	var seen []Status
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-events:
			if ev.LocalID == ref.LocalID {
				seen = append(seen, ev.Status)
			}
		case <-timeout:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	if seen[0] != StatusUploading || seen[1] != StatusCompleted {
		t.Fatalf("transitions = %v", seen)
	}
}

func TestUploadPendingJoinsInFlightUpload(t *testing.T) {
	remote := newFakeRemote()
	remote.gate = make(chan struct{})
	u := newTestUploader(t, remote)
	ref := stage(t, u, "front.jpg", "a")

	u.StartBackgroundUpload("t1", "veh-9", answers.Map{"p": ref})

	// Wait until the background upload owns the file.
	deadline := time.Now().Add(2 * time.Second)
	for {
		up, _ := u.Repo.Get(context.Background(), ref.LocalID)
		if up.Status == StatusUploading {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("background upload never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	result := make(chan error, 1)
	go func() {
		_, err := u.UploadPending(context.Background(), []answers.FileRef{ref})
		result <- err
	}()
	close(remote.gate)

	if err := <-result; err != nil {
		t.Fatalf("UploadPending: %v", err)
	}
	if got := remote.putCount(); got != 1 {
		t.Fatalf("file uploaded %d times, want 1", got)
	}
}

func TestForgetRemovesStateAndSpool(t *testing.T) {
	ctx := context.Background()
	u := newTestUploader(t, newFakeRemote())
	ref := stage(t, u, "front.jpg", "a")
	up, _ := u.Repo.Get(ctx, ref.LocalID)

	if err := u.Forget(ctx, "t1", "veh-9"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, err := u.Repo.Get(ctx, ref.LocalID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("state should be gone, got %v", err)
	}
	if _, err := u.Spool.Open(ctx, up.SpoolKey); !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("spool should be gone, got %v", err)
	}
}

func TestRetryReschedulesFailedUploads(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.failOn = "front"
	u := newTestUploader(t, remote)
	ref := stage(t, u, "front.jpg", "a")
	_, _ = u.UploadPending(ctx, []answers.FileRef{ref})

	remote.mu.Lock()
	remote.failOn = ""
	remote.mu.Unlock()

	n, err := u.Retry(ctx, "t1", "veh-9")
	if err != nil || n != 1 {
		t.Fatalf("Retry = %d, %v", n, err)
	}
	if err := u.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	up, _ := u.Repo.Get(ctx, ref.LocalID)
	if up.Status != StatusCompleted {
		t.Fatalf("status after retry = %s", up.Status)
	}
}

func TestSignedURLUsesSigner(t *testing.T) {
	u := newTestUploader(t, newFakeRemote())
	if _, err := u.SignedURL(context.Background(), "k"); err == nil {
		t.Fatalf("expected error without signer")
	}

	store := local.New(t.TempDir())
	if _, err := store.SaveWithKey(context.Background(), "t1/veh-9/a.jpg", "image/jpeg", strings.NewReader("x")); err != nil {
		t.Fatalf("SaveWithKey: %v", err)
	}
	u.Signer = store
	link, err := u.SignedURL(context.Background(), "t1/veh-9/a.jpg")
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if !strings.HasPrefix(link.URL, "file://") || link.ExpiresAt.IsZero() {
		t.Fatalf("link = %+v", link)
	}
}

func TestUploadPendingReportsUnknownFile(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	u := newTestUploader(t, remote)
	good := stage(t, u, "front.jpg", "a")
	lost := answers.FileRef{LocalID: "wiped-after-reinstall", Name: "rear.jpg"}

	report, err := u.UploadPending(ctx, []answers.FileRef{good, lost})
	if !errors.Is(err, ErrUnknownFile) || errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrUnknownFile, got %v", err)
	}
	if !strings.Contains(err.Error(), "rear.jpg") {
		t.Fatalf("error should name the file: %v", err)
	}
	if len(report.Missing) != 1 || report.Missing[0] != lost.LocalID || len(report.Completed) != 1 || report.Done() {
		t.Fatalf("report = %+v", report)
	}
}

func TestClosedUploaderRefusesWork(t *testing.T) {
	ctx := context.Background()
	u := newTestUploader(t, newFakeRemote())
	ref := stage(t, u, "front.jpg", "a")
	if err := u.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := u.Stage(ctx, "t1", "veh-9", "photos", "rear.jpg", strings.NewReader("b")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Stage after close = %v", err)
	}
	if _, err := u.Retry(ctx, "t1", "veh-9"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Retry after close = %v", err)
	}
	up, _ := u.Repo.Get(ctx, ref.LocalID)
	if up.Status != StatusPending {
		t.Fatalf("status = %s", up.Status)
	}
}
