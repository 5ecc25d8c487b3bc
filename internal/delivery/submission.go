package delivery

import (
	"context"
	"errors"
	"time"

	"inspection-sync/internal/answers"
)

// Mode distinguishes draft snapshots from final submissions.
type Mode string

const (
	ModeDraft Mode = "draft"
	ModeFinal Mode = "final"
)

// Submission is one queued payload on its way to the fleet backend.
type Submission struct {
	IdempotencyKey string
	TemplateID     string
	SubjectID      string
	Mode           Mode
	Answers        answers.Map
	Metadata       map[string]string
	EnqueuedAt     time.Time
}

// Receipt is the backend's acknowledgement.
type Receipt struct {
	Status       string    `json:"status"`
	SubmissionID string    `json:"submissionId,omitempty"`
	ReceivedAt   time.Time `json:"receivedAt"`
}

// Submitter delivers submissions. Implementations return a RejectedError
// when the backend refuses the payload itself.
type Submitter interface {
	Submit(ctx context.Context, s Submission) (Receipt, error)
}

// ErrNoTransport is returned when no submitter is configured for a mode.
var ErrNoTransport = errors.New("no delivery transport configured")

// Router sends draft snapshots and final submissions over different
// transports.
type Router struct {
	Drafts Submitter
	Finals Submitter
}

// Submit implements Submitter.
func (r Router) Submit(ctx context.Context, s Submission) (Receipt, error) {
	target := r.Drafts
	if s.Mode == ModeFinal && r.Finals != nil {
		target = r.Finals
	}
	if target == nil {
		return Receipt{}, ErrNoTransport
	}
	return target.Submit(ctx, s)
}

var _ Submitter = Router{}
