package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"inspection-sync/internal/answers"
	"inspection-sync/internal/shared/events"
	"inspection-sync/internal/shared/metrics"
	"inspection-sync/internal/shared/storage/object"
	"inspection-sync/internal/shared/telemetry"
	"inspection-sync/internal/shared/util"
)

const (
	defaultConcurrency  = 3
	defaultSignedURLTTL = 15 * time.Minute
)

// Uploader stages captured files on the device and moves them to remote
// object storage in the background, independently of answer delivery.
type Uploader struct {
	Repo   Repo
	Spool  object.ObjectStore
	Remote object.ObjectStore
	Signer object.URLSigner

	Concurrency  int
	SignedURLTTL time.Duration
	Now          func() time.Time
	NewID        func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]chan struct{}
	events   *events.Broker[Event]
}

// NewUploader constructs an Uploader. Background uploads run on the
// uploader's own context until Close.
func NewUploader(repo Repo, spool, remote object.ObjectStore, signer object.URLSigner, concurrency int) *Uploader {
	ctx, cancel := context.WithCancel(context.Background())
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Uploader{
		Repo:        repo,
		Spool:       spool,
		Remote:      remote,
		Signer:      signer,
		Concurrency: concurrency,
		ctx:         ctx,
		cancel:      cancel,
		inflight:    make(map[string]chan struct{}),
		events:      events.NewBroker[Event](64),
	}
}

func (u *Uploader) now() time.Time {
	if u.Now != nil {
		return u.Now().UTC()
	}
	return time.Now().UTC()
}

func (u *Uploader) newID() string {
	if u.NewID != nil {
		return u.NewID()
	}
	return uuid.NewString()
}

// Stage spools r on the device and records a pending upload. The returned
// reference goes into the answer map.
func (u *Uploader) Stage(ctx context.Context, templateID, subjectID, questionID, fileName string, r io.Reader) (answers.FileRef, error) {
	if strings.TrimSpace(templateID) == "" || strings.TrimSpace(subjectID) == "" {
		return answers.FileRef{}, errors.New("template id and subject id are required")
	}
	if u.isClosed() {
		return answers.FileRef{}, ErrClosed
	}
	name, err := util.SanitizeFileName(fileName)
	if err != nil {
		return answers.FileRef{}, fmt.Errorf("stage %q: %w", fileName, err)
	}
	spoolKey, size, mime, err := u.Spool.Save(ctx, templateID+"/"+subjectID, name, r)
	if err != nil {
		return answers.FileRef{}, fmt.Errorf("spool %q: %w", name, err)
	}

	up := Upload{
		LocalID:     u.newID(),
		TemplateID:  templateID,
		SubjectID:   subjectID,
		QuestionID:  questionID,
		FileName:    name,
		ContentType: mime,
		Size:        size,
		SpoolKey:    spoolKey,
		Status:      StatusPending,
		UpdatedAt:   u.now(),
	}
	if err := u.Repo.Insert(ctx, up); err != nil {
		_ = u.Spool.Delete(ctx, spoolKey)
		return answers.FileRef{}, err
	}
	telemetry.Info("media.staged", map[string]any{
		"local_id":    up.LocalID,
		"template_id": templateID,
		"subject_id":  subjectID,
		"question_id": questionID,
		"size_bytes":  size,
	})
	u.publish(up, "")
	return answers.FileRef{LocalID: up.LocalID, Name: name, ContentType: mime, Size: size}, nil
}

// StartBackgroundUpload uploads every file referenced by m that is not yet
// completed. It returns immediately; progress is published to subscribers.
func (u *Uploader) StartBackgroundUpload(templateID, subjectID string, m answers.Map) {
	if err := u.startBackground(templateID, subjectID, localIDs(answers.FileRefs(m))); err != nil {
		telemetry.Warn("media.upload.skipped_closed", map[string]any{
			"template_id": templateID,
			"subject_id":  subjectID,
		})
	}
}

// Retry restarts every pending or failed upload of the pair in the
// background and returns how many were scheduled.
func (u *Uploader) Retry(ctx context.Context, templateID, subjectID string) (int, error) {
	list, err := u.Repo.List(ctx, templateID, subjectID)
	if err != nil {
		return 0, err
	}
	var ids []string
	for _, up := range list {
		if up.Status != StatusCompleted {
			ids = append(ids, up.LocalID)
		}
	}
	if err := u.startBackground(templateID, subjectID, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (u *Uploader) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

func (u *Uploader) startBackground(templateID, subjectID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	u.wg.Add(1)
	u.mu.Unlock()

	go func() {
		defer u.wg.Done()
		report := u.uploadAll(u.ctx, ids)
		telemetry.Debug("media.background.finished", map[string]any{
			"template_id": templateID,
			"subject_id":  subjectID,
			"completed":   len(report.Completed),
			"failed":      len(report.Failed),
			"missing":     len(report.Missing),
		})
	}()
	return nil
}

// UploadPending uploads the referenced files on ctx and waits. Files already
// uploading in the background are joined, not uploaded twice. The error
// wraps ErrIncomplete when any file did not complete.
func (u *Uploader) UploadPending(ctx context.Context, refs []answers.FileRef) (Report, error) {
	var ids []string
	var report Report
	for _, ref := range refs {
		if ref.Uploaded() {
			report.Completed = append(report.Completed, ref.LocalID)
			continue
		}
		ids = append(ids, ref.LocalID)
	}
	r := u.uploadAll(ctx, ids)
	report.Completed = append(report.Completed, r.Completed...)
	report.Failed = append(report.Failed, r.Failed...)
	report.Missing = append(report.Missing, r.Missing...)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	if len(report.Missing) > 0 {
		return report, fmt.Errorf("%w: %s", ErrUnknownFile, strings.Join(refNames(refs, report.Missing), ", "))
	}
	if !report.Done() {
		return report, fmt.Errorf("%w: %d of %d files failed", ErrIncomplete, len(report.Failed), len(refs))
	}
	return report, nil
}

func (u *Uploader) uploadAll(ctx context.Context, ids []string) Report {
	var (
		mu     sync.Mutex
		report Report
		g      errgroup.Group
	)
	g.SetLimit(u.Concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := u.uploadOne(ctx, id)
			mu.Lock()
			switch {
			case errors.Is(err, ErrNotFound):
				report.Missing = append(report.Missing, id)
			case err != nil:
				report.Failed = append(report.Failed, id)
			default:
				report.Completed = append(report.Completed, id)
			}
			mu.Unlock()
			// One file never fails the batch.
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// claim registers an in-flight upload. When another goroutine already owns
// the file it returns that upload's done channel instead.
func (u *Uploader) claim(localID string) (done chan struct{}, owner bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if ch, ok := u.inflight[localID]; ok {
		return ch, false
	}
	ch := make(chan struct{})
	u.inflight[localID] = ch
	return ch, true
}

func (u *Uploader) release(localID string, done chan struct{}) {
	u.mu.Lock()
	delete(u.inflight, localID)
	u.mu.Unlock()
	close(done)
}

func (u *Uploader) uploadOne(ctx context.Context, localID string) error {
	done, owner := u.claim(localID)
	if !owner {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		up, err := u.Repo.Get(ctx, localID)
		if err != nil {
			return err
		}
		if up.Status != StatusCompleted {
			return fmt.Errorf("upload %s: %s", localID, up.LastError)
		}
		return nil
	}
	defer u.release(localID, done)

	up, err := u.Repo.Get(ctx, localID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			telemetry.Warn("media.upload.unknown_file", map[string]any{"local_id": localID})
		}
		return err
	}
	if up.Status == StatusCompleted {
		return nil
	}

	if up, err = u.Repo.Transition(ctx, localID, Transition{Status: StatusUploading, At: u.now()}); err != nil {
		return err
	}
	u.publish(up, "")

	remoteKey, err := u.push(ctx, up)
	if err != nil {
		return u.fail(up, err)
	}

	// Record completion even if ctx was cancelled after the bytes landed.
	completed, err := u.Repo.Transition(context.WithoutCancel(ctx), localID, Transition{
		Status:    StatusCompleted,
		RemoteKey: remoteKey,
		At:        u.now(),
	})
	if err != nil {
		return err
	}
	metrics.IncMediaCompleted()
	telemetry.Info("media.upload.completed", map[string]any{
		"local_id":    localID,
		"template_id": up.TemplateID,
		"subject_id":  up.SubjectID,
		"remote_key":  remoteKey,
		"size_bytes":  up.Size,
	})
	u.publish(completed, "")
	return nil
}

func (u *Uploader) push(ctx context.Context, up Upload) (string, error) {
	rc, err := u.Spool.Open(ctx, up.SpoolKey)
	if err != nil {
		return "", fmt.Errorf("open spool: %w", err)
	}
	defer rc.Close()

	key := RemoteKey(up)
	if _, err := u.Remote.SaveWithKey(ctx, key, up.ContentType, rc); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return key, nil
}

func (u *Uploader) fail(up Upload, cause error) error {
	failed, err := u.Repo.Transition(context.WithoutCancel(u.ctx), up.LocalID, Transition{
		Status: StatusFailed,
		Error:  cause.Error(),
		At:     u.now(),
	})
	if err != nil {
		telemetry.Error("media.upload.state_failed", map[string]any{
			"local_id": up.LocalID,
			"error":    err.Error(),
		})
		failed = up
		failed.Status = StatusFailed
	}
	metrics.IncMediaFailed()
	telemetry.Warn("media.upload.failed", map[string]any{
		"local_id":    up.LocalID,
		"template_id": up.TemplateID,
		"subject_id":  up.SubjectID,
		"retries":     failed.Retries,
		"error":       cause.Error(),
	})
	u.publish(failed, cause.Error())
	return cause
}

// RemoteKey is the object key a staged file is uploaded under.
func RemoteKey(up Upload) string {
	return path.Join(
		url.PathEscape(up.TemplateID),
		url.PathEscape(up.SubjectID),
		up.LocalID+"_"+up.FileName,
	)
}

// RemoteKeys maps local ids to remote keys for every completed reference.
func (u *Uploader) RemoteKeys(ctx context.Context, refs []answers.FileRef) (map[string]string, error) {
	out := make(map[string]string, len(refs))
	for _, ref := range refs {
		if ref.Uploaded() {
			out[ref.LocalID] = ref.RemoteKey
			continue
		}
		up, err := u.Repo.Get(ctx, ref.LocalID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if up.Status == StatusCompleted && up.RemoteKey != "" {
			out[ref.LocalID] = up.RemoteKey
		}
	}
	return out, nil
}

// List returns the upload state of every file staged for the pair.
func (u *Uploader) List(ctx context.Context, templateID, subjectID string) ([]Upload, error) {
	return u.Repo.List(ctx, templateID, subjectID)
}

// Forget drops the upload state and spooled bytes of the pair. Remote
// objects stay; they belong to the submitted inspection.
func (u *Uploader) Forget(ctx context.Context, templateID, subjectID string) error {
	removed, err := u.Repo.DeleteSubject(ctx, templateID, subjectID)
	if err != nil {
		return err
	}
	for _, up := range removed {
		if err := u.Spool.Delete(ctx, up.SpoolKey); err != nil {
			telemetry.Warn("media.spool.delete_failed", map[string]any{
				"local_id": up.LocalID,
				"error":    err.Error(),
			})
		}
	}
	return nil
}

// SignedURL issues a time-limited read URL for an uploaded object.
func (u *Uploader) SignedURL(ctx context.Context, storageKey string) (SignedURL, error) {
	if u.Signer == nil {
		return SignedURL{}, errors.New("signed urls not configured")
	}
	if strings.TrimSpace(storageKey) == "" {
		return SignedURL{}, errors.New("storage key is required")
	}
	ttl := u.SignedURLTTL
	if ttl <= 0 {
		ttl = defaultSignedURLTTL
	}
	link, exp, err := u.Signer.SignedURL(ctx, storageKey, ttl)
	if err != nil {
		return SignedURL{}, err
	}
	return SignedURL{URL: link, ExpiresAt: exp}, nil
}

// Subscribe streams upload transitions.
func (u *Uploader) Subscribe() (<-chan Event, func()) {
	return u.events.Subscribe()
}

func (u *Uploader) publish(up Upload, errMsg string) {
	if errMsg == "" {
		errMsg = up.LastError
	}
	u.events.Publish(Event{
		LocalID:    up.LocalID,
		TemplateID: up.TemplateID,
		SubjectID:  up.SubjectID,
		QuestionID: up.QuestionID,
		Status:     up.Status,
		RemoteKey:  up.RemoteKey,
		Error:      errMsg,
		At:         up.UpdatedAt,
	})
}

// Close stops accepting background work and waits for in-flight uploads.
// If ctx ends first the uploads are cancelled; interrupted files stay
// pending or failed and are picked up on the next start.
func (u *Uploader) Close(ctx context.Context) error {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		u.cancel()
		return nil
	case <-ctx.Done():
		u.cancel()
		<-finished
		return ctx.Err()
	}
}

// refNames returns the file names of the references with the given local ids.
func refNames(refs []answers.FileRef, ids []string) []string {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	names := make([]string, 0, len(ids))
	for _, ref := range refs {
		if !want[ref.LocalID] {
			continue
		}
		name := ref.Name
		if name == "" {
			name = ref.LocalID
		}
		names = append(names, name)
	}
	return names
}

func localIDs(refs []answers.FileRef) []string {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		if !ref.Uploaded() {
			ids = append(ids, ref.LocalID)
		}
	}
	return ids
}
