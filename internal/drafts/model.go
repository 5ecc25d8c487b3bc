package drafts

import (
	"errors"
	"time"

	"inspection-sync/internal/answers"
)

// Status is the lifecycle state of an inspection that is still editable.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusInProgress Status = "in_progress"
)

var (
	ErrNotFound          = errors.New("draft not found")
	ErrCandidateNotFound = errors.New("draft candidate not found")
)

// Draft is the locally persisted work in progress for one (template, subject).
type Draft struct {
	TemplateID string
	SubjectID  string
	// DraftID is assigned on the first save and survives overwrites.
	DraftID string
	// Payload holds the serialized answer map.
	Payload   []byte
	Status    Status
	StartedAt time.Time
	// TemplateVersion is the UpdatedAt of the schema the answers are shaped for.
	TemplateVersion time.Time
	// AckVersion is the template UpdatedAt last acknowledged by a conflict resolution.
	AckVersion time.Time
	UpdatedAt  time.Time
}

// Answers decodes the stored payload.
func (d Draft) Answers() (answers.Map, error) {
	return answers.Deserialize(d.Payload)
}

// SaveOptions carries the per-save metadata. Zero values keep what the
// stored record already has.
type SaveOptions struct {
	Status          Status
	StartedAt       time.Time
	TemplateVersion time.Time
	// AdoptDraftID replaces the stored draft identity; used when a server
	// draft is resumed on this device.
	AdoptDraftID string
	// Fresh starts a new inspection over any stored record: new DraftID,
	// StartedAt and TemplateVersion, no acknowledged template change.
	Fresh bool
}

// Saved is published after every successful save.
type Saved struct {
	TemplateID string    `json:"templateId"`
	SubjectID  string    `json:"subjectId"`
	SavedAt    time.Time `json:"savedAt"`
}

func key(templateID, subjectID string) string {
	return templateID + "\x00" + subjectID
}
