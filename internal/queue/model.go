package queue

import (
	"errors"
	"net/url"
	"time"

	"inspection-sync/internal/delivery"
)

// Status of a stored queue entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRejected Status = "rejected"
)

var (
	// ErrEmpty is returned by DequeueNext when nothing is due.
	ErrEmpty    = errors.New("queue empty")
	ErrNotFound = errors.New("queue entry not found")
	// ErrSuperseded is returned when an entry was enqueued again after the
	// revision being acknowledged was dequeued.
	ErrSuperseded = errors.New("queue entry superseded")
)

// Entry is one pending delivery. At most one entry exists per ID; Revision
// grows on every enqueue of that ID.
type Entry struct {
	ID            string            `json:"id"`
	Revision      int64             `json:"revision"`
	TemplateID    string            `json:"templateId"`
	SubjectID     string            `json:"subjectId"`
	Mode          delivery.Mode     `json:"mode"`
	Payload       []byte            `json:"-"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Status        Status            `json:"status"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"lastError,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueuedAt"`
	NextAttemptAt time.Time         `json:"nextAttemptAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Input describes a submission to enqueue.
type Input struct {
	TemplateID string
	SubjectID  string
	Mode       delivery.Mode
	Payload    []byte
	Metadata   map[string]string
}

// Key builds the idempotency key for a template, subject and mode.
func Key(templateID, subjectID string, mode delivery.Mode) string {
	return url.QueryEscape(templateID) + ":" + url.QueryEscape(subjectID) + ":" + string(mode)
}

// Failure is what MarkFailed records against an entry.
type Failure struct {
	Message  string
	Rejected bool
	At       time.Time
}
