package capture

import (
	"errors"
	"fmt"
	"time"

	"inspection-sync/internal/answers"
	"inspection-sync/internal/conflicts"
	"inspection-sync/internal/delivery"
	"inspection-sync/internal/drafts"
	"inspection-sync/internal/media"
	"inspection-sync/internal/queue"
	"inspection-sync/internal/templates"
)

// Phase is the sync banner state shown to the operator.
type Phase string

const (
	PhaseSaved           Phase = "saved"
	PhaseSaving          Phase = "saving"
	PhaseQueuedOffline   Phase = "queued_offline"
	PhaseSyncing         Phase = "syncing"
	PhaseSynced          Phase = "synced"
	PhaseFailedWillRetry Phase = "failed_will_retry"
	PhaseRejected        Phase = "rejected"
)

// Submit outcomes.
const (
	SubmitSubmitted = "submitted"
	SubmitQueued    = "queued"
	SubmitRejected  = "rejected"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflictUnresolved refuses a submission whose template changed
	// under it until the operator picks a resolution.
	ErrConflictUnresolved  = errors.New("template conflict unresolved")
	ErrTemplateUnavailable = errors.New("template unavailable")
	ErrMediaDisabled       = errors.New("media uploads not configured")
)

// StorageError is a local persistence failure. It is the only failure the
// operator sees as a hard error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// SaveInput is one autosave or explicit save.
type SaveInput struct {
	TemplateID string
	SubjectID  string
	Answers    answers.Map
	Status     drafts.Status
	// TemplateVersion is the UpdatedAt of the template the form was
	// rendered from; zero falls back to the newest cached copy.
	TemplateVersion time.Time
}

// SaveResult acknowledges a save.
type SaveResult struct {
	DraftID   string    `json:"draftId"`
	SavedAt   time.Time `json:"savedAt"`
	Phase     Phase     `json:"phase"`
	Queued    bool      `json:"queued"`
	Anomalies []string  `json:"anomalies,omitempty"`
}

// ConflictView describes a detected template change.
type ConflictView struct {
	State      conflicts.State `json:"state"`
	OldVersion time.Time       `json:"oldVersion,omitempty"`
	NewVersion time.Time       `json:"newVersion,omitempty"`
	OldKnown   bool            `json:"oldKnown,omitempty"`
	Added      []string        `json:"added,omitempty"`
	Removed    []string        `json:"removed,omitempty"`
	Changed    []string        `json:"changed,omitempty"`
}

// LoadResult is what the UI needs to open an inspection.
type LoadResult struct {
	Template          templates.Template `json:"template"`
	TemplateSource    templates.Source   `json:"templateSource"`
	TemplateWarning   string             `json:"templateWarning,omitempty"`
	DraftID           string             `json:"draftId,omitempty"`
	Status            drafts.Status      `json:"status,omitempty"`
	StartedAt         time.Time          `json:"startedAt,omitempty"`
	LastSaved         *time.Time         `json:"lastSaved,omitempty"`
	Answers           answers.Map        `json:"answers"`
	Conflict          ConflictView       `json:"conflict"`
	Candidates        drafts.Listing     `json:"candidates"`
	CandidatesWarning string             `json:"candidatesWarning,omitempty"`
	Media             []media.Upload     `json:"media,omitempty"`
}

// SubmitInput is a final submission. Nil Answers submits the stored draft.
type SubmitInput struct {
	TemplateID string
	SubjectID  string
	Answers    answers.Map
}

// SubmitResult reports where a submission ended up.
type SubmitResult struct {
	Status  string            `json:"status"`
	EntryID string            `json:"entryId"`
	Message string            `json:"message,omitempty"`
	Receipt *delivery.Receipt `json:"receipt,omitempty"`
}

// QueueStatus summarises the submission queue.
type QueueStatus struct {
	Pending  int           `json:"pending"`
	Rejected int           `json:"rejected"`
	Online   bool          `json:"online"`
	Phase    Phase         `json:"phase"`
	Entries  []queue.Entry `json:"entries"`
}

// Event types on the UI stream.
const (
	EventPhase        = "phase"
	EventSync         = "sync"
	EventMedia        = "media"
	EventQueue        = "queue"
	EventSaved        = "saved"
	EventConnectivity = "connectivity"
)

// Event is one item of the UI event stream.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}
