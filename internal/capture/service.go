package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"inspection-sync/internal/answers"
	"inspection-sync/internal/conflicts"
	"inspection-sync/internal/connectivity"
	"inspection-sync/internal/delivery"
	"inspection-sync/internal/drafts"
	"inspection-sync/internal/media"
	"inspection-sync/internal/queue"
	"inspection-sync/internal/shared/events"
	"inspection-sync/internal/shared/telemetry"
	"inspection-sync/internal/shared/util"
	"inspection-sync/internal/syncer"
	"inspection-sync/internal/templates"
)

// Service is the surface the capture UI talks to. It composes the local
// stores, the submission queue, the sync coordinator and the media uploader.
type Service struct {
	Drafts    *drafts.Service
	Registry  *drafts.Registry
	Templates *templates.Service
	Queue     *queue.Queue
	Sync      *syncer.Coordinator
	Media     *media.Uploader
	Online    *connectivity.Manual
	Now       func() time.Time

	once     sync.Once
	mu       sync.Mutex
	sessions map[string]*conflicts.Session
	fresh    map[string]bool
	phase    Phase
	events   *events.Broker[Event]
}

func (s *Service) setup() {
	s.once.Do(func() {
		s.sessions = make(map[string]*conflicts.Session)
		s.fresh = make(map[string]bool)
		s.events = events.NewBroker[Event](64)
		s.phase = PhaseSynced
	})
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) online() bool {
	return s.Online == nil || s.Online.IsOnline()
}

func pairKey(templateID, subjectID string) string {
	return templateID + "\x00" + subjectID
}

func validatePair(templateID, subjectID string) error {
	if strings.TrimSpace(templateID) == "" || strings.TrimSpace(subjectID) == "" {
		return fmt.Errorf("%w: template id and subject id are required", ErrInvalidInput)
	}
	return nil
}

// cachedVersion is the UpdatedAt of the cached template, zero when nothing
// is cached.
func (s *Service) cachedVersion(ctx context.Context, templateID string) time.Time {
	if tpl, err := s.Templates.Cached(ctx, templateID); err == nil {
		return tpl.UpdatedAt
	}
	return time.Time{}
}

// markFresh makes the next save of the pair start a new inspection.
func (s *Service) markFresh(templateID, subjectID string) {
	s.mu.Lock()
	s.fresh[pairKey(templateID, subjectID)] = true
	s.mu.Unlock()
}

func (s *Service) takeFresh(templateID, subjectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pairKey(templateID, subjectID)
	fresh := s.fresh[k]
	delete(s.fresh, k)
	return fresh
}

// SaveDraft persists the answers locally. It never waits on the network:
// when offline a draft snapshot is queued for later delivery, when online
// the referenced media starts uploading in the background and a snapshot
// still waiting in the queue is replaced with these answers.
func (s *Service) SaveDraft(ctx context.Context, in SaveInput) (SaveResult, error) {
	s.setup()
	if err := validatePair(in.TemplateID, in.SubjectID); err != nil {
		return SaveResult{}, err
	}
	s.setPhase(PhaseSaving)

	version := in.TemplateVersion
	if version.IsZero() {
		version = s.cachedVersion(ctx, in.TemplateID)
	}
	fresh := s.takeFresh(in.TemplateID, in.SubjectID)
	stored := answers.Serialize(in.Answers)
	d, err := s.Drafts.Save(ctx, in.TemplateID, in.SubjectID, stored.Payload, drafts.SaveOptions{
		Status:          in.Status,
		TemplateVersion: version,
		Fresh:           fresh,
	})
	if err != nil {
		if fresh {
			s.markFresh(in.TemplateID, in.SubjectID)
		}
		s.setPhase(PhaseFailedWillRetry)
		return SaveResult{}, &StorageError{Op: "save draft", Err: err}
	}

	res := SaveResult{DraftID: d.DraftID, SavedAt: d.UpdatedAt, Phase: PhaseSaved, Anomalies: stored.Anomalies}
	if s.online() {
		if err := s.refreshQueuedDraft(ctx, d, stored.Payload); err != nil {
			s.setPhase(PhaseFailedWillRetry)
			return SaveResult{}, err
		}
		if s.Media != nil {
			s.Media.StartBackgroundUpload(in.TemplateID, in.SubjectID, in.Answers)
		}
	} else {
		if _, err := s.Queue.Enqueue(ctx, queue.Input{
			TemplateID: in.TemplateID,
			SubjectID:  in.SubjectID,
			Mode:       delivery.ModeDraft,
			Payload:    stored.Payload,
			Metadata:   draftMetadata(d),
		}); err != nil {
			s.setPhase(PhaseFailedWillRetry)
			return SaveResult{}, &StorageError{Op: "enqueue draft", Err: err}
		}
		res.Queued = true
		res.Phase = PhaseQueuedOffline
	}
	s.setPhase(res.Phase)
	return res, nil
}

// refreshQueuedDraft replaces a draft snapshot queued while offline so the
// coordinator never delivers answers older than the local draft.
func (s *Service) refreshQueuedDraft(ctx context.Context, d drafts.Draft, payload []byte) error {
	_, err := s.Queue.Get(ctx, queue.Key(d.TemplateID, d.SubjectID, delivery.ModeDraft))
	if errors.Is(err, queue.ErrNotFound) {
		return nil
	}
	if err != nil {
		return &StorageError{Op: "read queued draft", Err: err}
	}
	if _, err := s.Queue.Enqueue(ctx, queue.Input{
		TemplateID: d.TemplateID,
		SubjectID:  d.SubjectID,
		Mode:       delivery.ModeDraft,
		Payload:    payload,
		Metadata:   draftMetadata(d),
	}); err != nil {
		return &StorageError{Op: "enqueue draft", Err: err}
	}
	if s.Sync != nil {
		s.Sync.Trigger(false)
	}
	return nil
}

// LoadDraft returns everything the UI needs to open an inspection: the
// current template (degraded to the cache when offline), the local draft,
// the conflict state and every resumable draft.
func (s *Service) LoadDraft(ctx context.Context, templateID, subjectID string, refresh bool) (LoadResult, error) {
	s.setup()
	if err := validatePair(templateID, subjectID); err != nil {
		return LoadResult{}, err
	}

	fetched, err := s.Templates.Fetch(ctx, templateID, templates.FetchOptions{ForceRefresh: refresh})
	if err != nil {
		return LoadResult{}, fmt.Errorf("%w: %v", ErrTemplateUnavailable, err)
	}
	res := LoadResult{
		Template:       fetched.Template,
		TemplateSource: fetched.Source,
		Answers:        answers.Map{},
		Conflict:       ConflictView{State: conflicts.StateNone},
	}
	if fetched.Err != nil {
		res.TemplateWarning = fetched.Err.Error()
	}

	d, err := s.Drafts.Load(ctx, templateID, subjectID)
	switch {
	case err == nil:
		sess, m, detectErr := s.detect(ctx, d, fetched.Template)
		if detectErr != nil {
			return LoadResult{}, detectErr
		}
		res.DraftID = d.DraftID
		res.Status = d.Status
		res.StartedAt = d.StartedAt
		res.Answers = m
		if saved, ok := s.Drafts.LastSaved(templateID, subjectID); ok {
			res.LastSaved = &saved
		}
		res.Conflict = s.remember(templateID, subjectID, sess)
	case errors.Is(err, drafts.ErrNotFound):
		s.forget(templateID, subjectID)
	default:
		return LoadResult{}, &StorageError{Op: "load draft", Err: err}
	}

	listing, err := s.Registry.Candidates(ctx, templateID, subjectID)
	if err != nil {
		return LoadResult{}, &StorageError{Op: "list drafts", Err: err}
	}
	res.Candidates = listing
	if listing.RemoteErr != nil {
		res.CandidatesWarning = listing.RemoteErr.Error()
	}

	if s.Media != nil {
		uploads, err := s.Media.List(ctx, templateID, subjectID)
		if err != nil {
			return LoadResult{}, &StorageError{Op: "list media", Err: err}
		}
		res.Media = uploads
	}
	return res, nil
}

// detect decodes d and compares the schema it was started on with current.
func (s *Service) detect(ctx context.Context, d drafts.Draft, current templates.Template) (*conflicts.Session, answers.Map, error) {
	m, err := d.Answers()
	if err != nil {
		return nil, nil, &StorageError{Op: "decode draft", Err: err}
	}
	var old templates.Template
	if !d.TemplateVersion.IsZero() {
		old, err = s.Templates.Version(ctx, d.TemplateID, d.TemplateVersion)
		if err != nil && !errors.Is(err, templates.ErrNotFound) {
			telemetry.Warn("capture.conflict.old_version_unreadable", map[string]any{
				"template_id": d.TemplateID,
				"version":     d.TemplateVersion,
				"error":       err.Error(),
			})
		}
	}
	return conflicts.Detect(conflicts.FromDraft(d), current, old, m), m, nil
}

func (s *Service) remember(templateID, subjectID string, sess *conflicts.Session) ConflictView {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := sess.Record()
	if !ok {
		delete(s.sessions, pairKey(templateID, subjectID))
		return ConflictView{State: conflicts.StateNone}
	}
	s.sessions[pairKey(templateID, subjectID)] = sess
	telemetry.Info("capture.conflict.detected", map[string]any{
		"template_id": templateID,
		"subject_id":  subjectID,
		"old_version": rec.Old.UpdatedAt,
		"new_version": rec.New.UpdatedAt,
	})
	return conflictView(rec)
}

func (s *Service) forget(templateID, subjectID string) {
	s.mu.Lock()
	delete(s.sessions, pairKey(templateID, subjectID))
	s.mu.Unlock()
}

func (s *Service) session(templateID, subjectID string) *conflicts.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[pairKey(templateID, subjectID)]
}

// pendingConflict re-checks the persisted draft against the cached template
// so a restart cannot bypass an unresolved conflict.
func (s *Service) pendingConflict(ctx context.Context, templateID, subjectID string) (*conflicts.Session, error) {
	if sess := s.session(templateID, subjectID); sess != nil && sess.State() == conflicts.StateDetected {
		return sess, nil
	}
	d, err := s.Drafts.Load(ctx, templateID, subjectID)
	if errors.Is(err, drafts.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "load draft", Err: err}
	}
	current, err := s.Templates.Cached(ctx, templateID)
	if errors.Is(err, templates.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "read template cache", Err: err}
	}
	if !conflicts.Conflicts(conflicts.FromDraft(d), current) {
		return nil, nil
	}
	sess, _, err := s.detect(ctx, d, current)
	if err != nil {
		return nil, err
	}
	s.remember(templateID, subjectID, sess)
	return sess, nil
}

// Discard drops the local draft, its queued snapshot and its staged media.
func (s *Service) Discard(ctx context.Context, templateID, subjectID string) error {
	s.setup()
	if err := validatePair(templateID, subjectID); err != nil {
		return err
	}
	if err := s.Drafts.Clear(ctx, templateID, subjectID); err != nil {
		return &StorageError{Op: "clear draft", Err: err}
	}
	err := s.Queue.Remove(ctx, queue.Key(templateID, subjectID, delivery.ModeDraft))
	if err != nil && !errors.Is(err, queue.ErrNotFound) {
		return &StorageError{Op: "remove queued draft", Err: err}
	}
	if s.Media != nil {
		if err := s.Media.Forget(ctx, templateID, subjectID); err != nil {
			return &StorageError{Op: "forget media", Err: err}
		}
	}
	s.forget(templateID, subjectID)
	s.takeFresh(templateID, subjectID)
	return nil
}

// Submit queues the final answers and, when online, delivers them right
// away. Nil answers submit the stored draft.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	s.setup()
	if err := validatePair(in.TemplateID, in.SubjectID); err != nil {
		return SubmitResult{}, err
	}
	if in.Answers != nil && s.takeFresh(in.TemplateID, in.SubjectID) {
		if _, err := s.Drafts.Save(ctx, in.TemplateID, in.SubjectID, answers.Serialize(in.Answers).Payload, drafts.SaveOptions{
			TemplateVersion: s.cachedVersion(ctx, in.TemplateID),
			Fresh:           true,
		}); err != nil {
			s.markFresh(in.TemplateID, in.SubjectID)
			return SubmitResult{}, &StorageError{Op: "save draft", Err: err}
		}
	}
	sess, err := s.pendingConflict(ctx, in.TemplateID, in.SubjectID)
	if err != nil {
		return SubmitResult{}, err
	}
	if sess != nil {
		return SubmitResult{}, ErrConflictUnresolved
	}

	m := in.Answers
	meta := map[string]string{}
	d, err := s.Drafts.Load(ctx, in.TemplateID, in.SubjectID)
	switch {
	case err == nil:
		meta = draftMetadata(d)
		if m == nil {
			if m, err = d.Answers(); err != nil {
				return SubmitResult{}, &StorageError{Op: "decode draft", Err: err}
			}
		}
	case errors.Is(err, drafts.ErrNotFound):
		if m == nil {
			return SubmitResult{}, fmt.Errorf("%w: no answers to submit", ErrInvalidInput)
		}
	default:
		return SubmitResult{}, &StorageError{Op: "load draft", Err: err}
	}

	stored := answers.Serialize(m)
	if in.Answers != nil {
		// Keep the draft current until the final lands; it is cleared on delivery.
		if _, err := s.Drafts.Save(ctx, in.TemplateID, in.SubjectID, stored.Payload, drafts.SaveOptions{}); err != nil {
			return SubmitResult{}, &StorageError{Op: "save draft", Err: err}
		}
	}
	entry, err := s.Queue.Enqueue(ctx, queue.Input{
		TemplateID: in.TemplateID,
		SubjectID:  in.SubjectID,
		Mode:       delivery.ModeFinal,
		Payload:    stored.Payload,
		Metadata:   meta,
	})
	if err != nil {
		return SubmitResult{}, &StorageError{Op: "enqueue final", Err: err}
	}

	res := SubmitResult{Status: SubmitQueued, EntryID: entry.ID}
	if !s.online() {
		s.setPhase(PhaseQueuedOffline)
		return res, nil
	}
	if s.Media != nil {
		s.Media.StartBackgroundUpload(in.TemplateID, in.SubjectID, m)
	}

	out, err := s.Sync.Deliver(ctx, entry.ID)
	switch {
	case errors.Is(err, syncer.ErrBusy):
		s.Sync.Trigger(false)
		return res, nil
	case err != nil:
		return SubmitResult{}, &StorageError{Op: "deliver final", Err: err}
	case out.Delivered:
		res.Status = SubmitSubmitted
		res.Receipt = &out.Receipt
		s.setPhase(PhaseSynced)
	case out.Rejected != nil:
		res.Status = SubmitRejected
		res.Message = out.Rejected.Message
		s.setPhase(PhaseRejected)
	default:
		s.setPhase(PhaseFailedWillRetry)
	}
	return res, nil
}

// ResolveConflict applies strategy to the pending conflict and commits the
// result together with the template version it now belongs to.
func (s *Service) ResolveConflict(ctx context.Context, templateID, subjectID string, strategy conflicts.Strategy) (conflicts.Resolution, error) {
	s.setup()
	if err := validatePair(templateID, subjectID); err != nil {
		return conflicts.Resolution{}, err
	}
	sess, err := s.pendingConflict(ctx, templateID, subjectID)
	if err != nil {
		return conflicts.Resolution{}, err
	}
	if sess == nil {
		return conflicts.Resolution{}, conflicts.ErrNoConflict
	}
	res, err := sess.Resolve(strategy)
	if err != nil {
		return conflicts.Resolution{}, err
	}
	s.forget(templateID, subjectID)

	stored := answers.Serialize(res.Answers)
	if err := s.Drafts.Pin(ctx, templateID, subjectID, stored.Payload, res.TemplateVersion, res.AckVersion); err != nil {
		return conflicts.Resolution{}, &StorageError{Op: "pin resolution", Err: err}
	}
	telemetry.Info("capture.conflict.resolved", map[string]any{
		"template_id": templateID,
		"subject_id":  subjectID,
		"strategy":    res.Strategy,
		"kept":        len(res.Kept),
		"dropped":     len(res.Dropped),
	})
	return res, nil
}

// Candidates lists every resumable draft for the pair.
func (s *Service) Candidates(ctx context.Context, templateID, subjectID string) (drafts.Listing, error) {
	if err := validatePair(templateID, subjectID); err != nil {
		return drafts.Listing{}, err
	}
	listing, err := s.Registry.Candidates(ctx, templateID, subjectID)
	if err != nil {
		return drafts.Listing{}, &StorageError{Op: "list drafts", Err: err}
	}
	return listing, nil
}

// Resume continues the chosen candidate.
func (s *Service) Resume(ctx context.Context, templateID, subjectID, candidateID string) (answers.Map, drafts.Candidate, error) {
	s.setup()
	if err := validatePair(templateID, subjectID); err != nil {
		return nil, drafts.Candidate{}, err
	}
	m, c, err := s.Registry.Resume(ctx, templateID, subjectID, candidateID)
	if err != nil && !errors.Is(err, drafts.ErrCandidateNotFound) {
		return nil, drafts.Candidate{}, &StorageError{Op: "resume draft", Err: err}
	}
	if err == nil {
		s.forget(templateID, subjectID)
		s.takeFresh(templateID, subjectID)
	}
	return m, c, err
}

// StartNew begins an empty answer set for the pair. The stored draft stays
// until the next save, which replaces it as a new inspection on the current
// template.
func (s *Service) StartNew(ctx context.Context, templateID, subjectID string) (answers.Map, error) {
	s.setup()
	if err := validatePair(templateID, subjectID); err != nil {
		return nil, err
	}
	m := s.Registry.StartNew(ctx, templateID, subjectID)
	s.forget(templateID, subjectID)
	s.markFresh(templateID, subjectID)
	return m, nil
}

// QueueStatus reports what is waiting to be delivered.
func (s *Service) QueueStatus(ctx context.Context) (QueueStatus, error) {
	s.setup()
	entries, err := s.Queue.List(ctx)
	if err != nil {
		return QueueStatus{}, &StorageError{Op: "list queue", Err: err}
	}
	st := QueueStatus{Online: s.online(), Phase: s.Phase(), Entries: entries}
	for _, e := range entries {
		if e.Status == queue.StatusPending {
			st.Pending++
		} else {
			st.Rejected++
		}
	}
	return st, nil
}

// SyncNow asks the coordinator for a forced drain and reports whether it
// can run now.
func (s *Service) SyncNow() bool {
	s.Sync.Trigger(true)
	return s.online()
}

// SetOnline records a connectivity signal from the UI and reports whether
// the state changed.
func (s *Service) SetOnline(online bool) bool {
	if s.Online == nil {
		return false
	}
	return s.Online.Set(online)
}

// StageMedia spools a captured file and returns the reference to put in
// the answers.
func (s *Service) StageMedia(ctx context.Context, templateID, subjectID, questionID, fileName string, r io.Reader) (answers.FileRef, error) {
	if err := validatePair(templateID, subjectID); err != nil {
		return answers.FileRef{}, err
	}
	if s.Media == nil {
		return answers.FileRef{}, ErrMediaDisabled
	}
	ref, err := s.Media.Stage(ctx, templateID, subjectID, questionID, fileName, r)
	if errors.Is(err, util.ErrInvalidFileName) {
		return answers.FileRef{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err != nil {
		return answers.FileRef{}, &StorageError{Op: "stage media", Err: err}
	}
	return ref, nil
}

// RetryMedia restarts every unfinished upload of the pair.
func (s *Service) RetryMedia(ctx context.Context, templateID, subjectID string) (int, error) {
	if err := validatePair(templateID, subjectID); err != nil {
		return 0, err
	}
	if s.Media == nil {
		return 0, ErrMediaDisabled
	}
	n, err := s.Media.Retry(ctx, templateID, subjectID)
	if err != nil {
		return 0, &StorageError{Op: "retry media", Err: err}
	}
	return n, nil
}

// SignedURL issues a short-lived read URL for an uploaded file.
func (s *Service) SignedURL(ctx context.Context, storageKey string) (media.SignedURL, error) {
	if s.Media == nil {
		return media.SignedURL{}, ErrMediaDisabled
	}
	if strings.TrimSpace(storageKey) == "" {
		return media.SignedURL{}, fmt.Errorf("%w: key is required", ErrInvalidInput)
	}
	return s.Media.SignedURL(ctx, storageKey)
}

func draftMetadata(d drafts.Draft) map[string]string {
	meta := map[string]string{"draftId": d.DraftID}
	if !d.StartedAt.IsZero() {
		meta["startedAt"] = d.StartedAt.Format(time.RFC3339Nano)
	}
	if !d.TemplateVersion.IsZero() {
		meta["templateVersion"] = d.TemplateVersion.Format(time.RFC3339Nano)
	}
	return meta
}

func conflictView(rec conflicts.Record) ConflictView {
	return ConflictView{
		State:      conflicts.StateDetected,
		OldVersion: rec.Old.UpdatedAt,
		NewVersion: rec.New.UpdatedAt,
		OldKnown:   rec.OldKnown,
		Added:      rec.Added(),
		Removed:    rec.Removed(),
		Changed:    rec.Changed(),
	}
}
