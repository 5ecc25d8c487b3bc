package drafts

import (
	"context"
	"errors"
	"sort"
	"time"

	"inspection-sync/internal/answers"
	"inspection-sync/internal/connectivity"
	"inspection-sync/internal/shared/telemetry"
)

// Source tells where a draft candidate is known from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceServer Source = "server"
	SourceBoth   Source = "local+server"
)

// RemoteDraft is a draft known to the fleet backend.
type RemoteDraft struct {
	DraftID   string      `json:"draftId"`
	UpdatedAt time.Time   `json:"updatedAt"`
	Answers   answers.Map `json:"answers"`
}

// RemoteLister lists server-side drafts for a template and subject.
type RemoteLister interface {
	ListDrafts(ctx context.Context, templateID, subjectID string) ([]RemoteDraft, error)
}

// Candidate is one resumable draft.
type Candidate struct {
	ID          string    `json:"id"`
	DraftID     string    `json:"draftId"`
	Source      Source    `json:"source"`
	UpdatedAt   time.Time `json:"updatedAt"`
	AnswerCount int       `json:"answerCount"`
	values      answers.Map
}

// Listing is every known draft for one (template, subject), newest first.
type Listing struct {
	TemplateID  string      `json:"templateId"`
	SubjectID   string      `json:"subjectId"`
	Candidates  []Candidate `json:"candidates"`
	NeedsChoice bool        `json:"needsChoice"`
	// RemoteErr is set when the server listing could not be loaded; the
	// listing then holds local drafts only.
	RemoteErr error `json:"-"`
}

// Registry discovers local and server drafts and lets the operator pick.
type Registry struct {
	Drafts *Service
	Remote RemoteLister
	Online connectivity.Provider
}

// Candidates lists every draft for the pair. It never picks one: when more
// than one exists NeedsChoice is set.
func (r *Registry) Candidates(ctx context.Context, templateID, subjectID string) (Listing, error) {
	listing := Listing{TemplateID: templateID, SubjectID: subjectID}

	var local *Candidate
	d, err := r.Drafts.Load(ctx, templateID, subjectID)
	switch {
	case err == nil:
		m, decodeErr := d.Answers()
		if decodeErr != nil {
			telemetry.Warn("drafts.registry.local_undecodable", map[string]any{
				"template_id": templateID,
				"subject_id":  subjectID,
				"error":       decodeErr.Error(),
			})
		}
		local = &Candidate{
			ID:          string(SourceLocal) + ":" + d.DraftID,
			DraftID:     d.DraftID,
			Source:      SourceLocal,
			UpdatedAt:   d.UpdatedAt,
			AnswerCount: len(m),
			values:      m,
		}
	case errors.Is(err, ErrNotFound):
	default:
		return Listing{}, err
	}

	remote, remoteErr := r.listRemote(ctx, templateID, subjectID)
	if remoteErr != nil {
		listing.RemoteErr = remoteErr
		telemetry.Warn("drafts.registry.remote_unavailable", map[string]any{
			"template_id": templateID,
			"subject_id":  subjectID,
			"error":       remoteErr.Error(),
		})
	}

	if local != nil {
		listing.Candidates = append(listing.Candidates, *local)
	}
	for _, rd := range remote {
		if local != nil && rd.DraftID == local.DraftID && rd.UpdatedAt.UnixMilli() == local.UpdatedAt.UnixMilli() {
			listing.Candidates[0].Source = SourceBoth
			continue
		}
		listing.Candidates = append(listing.Candidates, Candidate{
			ID:          string(SourceServer) + ":" + rd.DraftID,
			DraftID:     rd.DraftID,
			Source:      SourceServer,
			UpdatedAt:   rd.UpdatedAt.UTC(),
			AnswerCount: len(rd.Answers),
			values:      rd.Answers,
		})
	}

	sort.SliceStable(listing.Candidates, func(i, j int) bool {
		return listing.Candidates[i].UpdatedAt.After(listing.Candidates[j].UpdatedAt)
	})
	listing.NeedsChoice = len(listing.Candidates) > 1
	return listing, nil
}

func (r *Registry) listRemote(ctx context.Context, templateID, subjectID string) ([]RemoteDraft, error) {
	if r.Remote == nil {
		return nil, nil
	}
	if r.Online != nil && !r.Online.IsOnline() {
		return nil, connectivity.ErrOffline
	}
	return r.Remote.ListDrafts(ctx, templateID, subjectID)
}

// Resume loads the chosen candidate. A server candidate is adopted into the
// local store so autosave continues from it.
func (r *Registry) Resume(ctx context.Context, templateID, subjectID, candidateID string) (answers.Map, Candidate, error) {
	listing, err := r.Candidates(ctx, templateID, subjectID)
	if err != nil {
		return nil, Candidate{}, err
	}
	for _, c := range listing.Candidates {
		if c.ID != candidateID {
			continue
		}
		m := answers.Clone(c.values)
		if m == nil {
			m = answers.Map{}
		}
		if c.Source == SourceServer {
			stored := answers.Serialize(m)
			if _, err := r.Drafts.Save(ctx, templateID, subjectID, stored.Payload, SaveOptions{
				Status:       StatusInProgress,
				AdoptDraftID: c.DraftID,
			}); err != nil {
				return nil, Candidate{}, err
			}
		}
		telemetry.Info("drafts.resumed", map[string]any{
			"template_id": templateID,
			"subject_id":  subjectID,
			"draft_id":    c.DraftID,
			"source":      c.Source,
		})
		return m, c, nil
	}
	return nil, Candidate{}, ErrCandidateNotFound
}

// StartNew begins an empty answer set. Existing drafts stay untouched until
// the next save under the same key overwrites the local one.
func (r *Registry) StartNew(ctx context.Context, templateID, subjectID string) answers.Map {
	telemetry.Info("drafts.start_new", map[string]any{
		"template_id": templateID,
		"subject_id":  subjectID,
	})
	return answers.Map{}
}
