package media

import (
	"context"
	"errors"
	"time"
)

// Status is the upload state of one staged file.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	ErrNotFound = errors.New("media upload not found")
	// ErrIncomplete is returned by UploadPending when at least one file did
	// not reach completed.
	ErrIncomplete = errors.New("media uploads incomplete")
	// ErrUnknownFile is returned by UploadPending when a reference has no
	// staged file on this device. Retrying cannot fix it.
	ErrUnknownFile = errors.New("media file not on this device")
	// ErrClosed is returned by Stage and Retry after Close.
	ErrClosed = errors.New("uploader closed")
)

// Upload is the persisted state of one staged file.
type Upload struct {
	LocalID     string    `json:"localId"`
	TemplateID  string    `json:"templateId"`
	SubjectID   string    `json:"subjectId"`
	QuestionID  string    `json:"questionId,omitempty"`
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size"`
	SpoolKey    string    `json:"-"`
	Status      Status    `json:"status"`
	RemoteKey   string    `json:"remoteKey,omitempty"`
	Retries     int       `json:"retries"`
	LastError   string    `json:"lastError,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Transition moves an upload to Status. RemoteKey is kept when empty; a
// transition to failed increments Retries.
type Transition struct {
	Status    Status
	RemoteKey string
	Error     string
	At        time.Time
}

// Event is published on every state transition.
type Event struct {
	LocalID    string    `json:"localId"`
	TemplateID string    `json:"templateId"`
	SubjectID  string    `json:"subjectId"`
	QuestionID string    `json:"questionId,omitempty"`
	Status     Status    `json:"status"`
	RemoteKey  string    `json:"remoteKey,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Report summarises one upload pass.
type Report struct {
	Completed []string `json:"completed"`
	Failed    []string `json:"failed"`
	Missing   []string `json:"missing,omitempty"`
}

// Done reports whether every file completed.
func (r Report) Done() bool { return len(r.Failed) == 0 && len(r.Missing) == 0 }

// SignedURL is a time-limited read URL.
type SignedURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Repo persists upload state.
type Repo interface {
	Insert(ctx context.Context, u Upload) error
	Get(ctx context.Context, localID string) (Upload, error)
	List(ctx context.Context, templateID, subjectID string) ([]Upload, error)
	Transition(ctx context.Context, localID string, t Transition) (Upload, error)
	// DeleteSubject removes every upload of the pair and returns them.
	DeleteSubject(ctx context.Context, templateID, subjectID string) ([]Upload, error)
}
