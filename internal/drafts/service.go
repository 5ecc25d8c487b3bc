package drafts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"inspection-sync/internal/shared/events"
	"inspection-sync/internal/shared/metrics"
	"inspection-sync/internal/shared/telemetry"
)

// Service is the local draft store. It never touches the network, so it is
// safe on the autosave hot path.
type Service struct {
	Repo  Repo
	Now   func() time.Time
	NewID func() string

	mu        sync.RWMutex
	lastSaved map[string]time.Time
	saved     *events.Broker[Saved]
}

// NewService constructs a Service over repo.
func NewService(repo Repo) *Service {
	return &Service{
		Repo:      repo,
		lastSaved: make(map[string]time.Time),
		saved:     events.NewBroker[Saved](16),
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

// Save upserts the draft for (templateID, subjectID). The newest save wins.
func (s *Service) Save(ctx context.Context, templateID, subjectID string, payload []byte, opts SaveOptions) (Draft, error) {
	if strings.TrimSpace(templateID) == "" || strings.TrimSpace(subjectID) == "" {
		return Draft{}, errors.New("template id and subject id are required")
	}
	start := time.Now()
	now := s.now()

	status := opts.Status
	if status == "" {
		status = StatusInProgress
	}
	startedAt := opts.StartedAt
	if startedAt.IsZero() {
		startedAt = now
	}
	draftID := opts.AdoptDraftID
	if draftID == "" {
		draftID = s.newID()
	}
	mode := UpsertKeep
	switch {
	case opts.Fresh:
		mode = UpsertFresh
	case opts.AdoptDraftID != "":
		mode = UpsertAdopt
	}

	stored, err := s.Repo.Upsert(ctx, Draft{
		TemplateID:      templateID,
		SubjectID:       subjectID,
		DraftID:         draftID,
		Payload:         payload,
		Status:          status,
		StartedAt:       startedAt,
		TemplateVersion: opts.TemplateVersion,
		UpdatedAt:       now,
	}, mode)
	if err != nil {
		telemetry.Error("drafts.save.failed", map[string]any{
			"fresh":       opts.Fresh,
			"template_id": templateID,
			"subject_id":  subjectID,
			"error":       err.Error(),
		})
		return Draft{}, err
	}

	s.mu.Lock()
	s.lastSaved[key(templateID, subjectID)] = now
	s.mu.Unlock()

	metrics.IncDraftsSaved()
	metrics.ObserveDraftSaveMs(metrics.SinceMillis(start))
	s.saved.Publish(Saved{TemplateID: templateID, SubjectID: subjectID, SavedAt: now})
	return stored, nil
}

// Load returns the stored draft or ErrNotFound.
func (s *Service) Load(ctx context.Context, templateID, subjectID string) (Draft, error) {
	d, err := s.Repo.Get(ctx, templateID, subjectID)
	if err != nil {
		return Draft{}, err
	}
	s.mu.Lock()
	if _, ok := s.lastSaved[key(templateID, subjectID)]; !ok {
		s.lastSaved[key(templateID, subjectID)] = d.UpdatedAt
	}
	s.mu.Unlock()
	return d, nil
}

// Clear removes the draft. Clearing a missing draft is not an error.
func (s *Service) Clear(ctx context.Context, templateID, subjectID string) error {
	if err := s.Repo.Delete(ctx, templateID, subjectID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.lastSaved, key(templateID, subjectID))
	s.mu.Unlock()
	telemetry.Info("drafts.cleared", map[string]any{
		"template_id": templateID,
		"subject_id":  subjectID,
	})
	return nil
}

// LastSaved reports when this process last saved or loaded the draft.
func (s *Service) LastSaved(templateID, subjectID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lastSaved[key(templateID, subjectID)]
	return t, ok
}

// Pin commits a conflict resolution: the resolved answers together with
// the template version they now belong to.
func (s *Service) Pin(ctx context.Context, templateID, subjectID string, payload []byte, templateVersion, ackVersion time.Time) error {
	now := s.now()
	if err := s.Repo.Pin(ctx, templateID, subjectID, payload, templateVersion, ackVersion, now); err != nil {
		return fmt.Errorf("pin resolution: %w", err)
	}
	s.mu.Lock()
	s.lastSaved[key(templateID, subjectID)] = now
	s.mu.Unlock()
	s.saved.Publish(Saved{TemplateID: templateID, SubjectID: subjectID, SavedAt: now})
	return nil
}

// Subscribe streams Saved notifications.
func (s *Service) Subscribe() (<-chan Saved, func()) {
	return s.saved.Subscribe()
}
