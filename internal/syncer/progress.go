package syncer

import (
	"time"

	"inspection-sync/internal/delivery"
)

// Phase of a progress event.
type Phase string

const (
	PhaseSyncing   Phase = "syncing"
	PhaseDelivered Phase = "delivered"
	PhaseRetrying  Phase = "retrying"
	PhaseRejected  Phase = "rejected"
	PhaseSynced    Phase = "synced"
	PhaseFailed    Phase = "failed"
)

// Progress is published while the queue drains. Entry fields are empty on
// pass-level events.
type Progress struct {
	Phase      Phase         `json:"phase"`
	EntryID    string        `json:"entryId,omitempty"`
	TemplateID string        `json:"templateId,omitempty"`
	SubjectID  string        `json:"subjectId,omitempty"`
	Mode       delivery.Mode `json:"mode,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	// RepeatedFailure is set once an entry failed WARN_AFTER_ATTEMPTS times.
	RepeatedFailure bool      `json:"repeatedFailure,omitempty"`
	Error           string    `json:"error,omitempty"`
	Pending         int       `json:"pending"`
	At              time.Time `json:"at"`
}

// Summary counts the outcomes of one drain.
type Summary struct {
	Delivered int `json:"delivered"`
	Retrying  int `json:"retrying"`
	Rejected  int `json:"rejected"`
	Pending   int `json:"pending"`
	// Offline is set when the pass was skipped for lack of connectivity.
	Offline bool `json:"offline,omitempty"`
	// Coalesced is set when another drain was running and will re-run.
	Coalesced bool `json:"coalesced,omitempty"`
}

func (s *Summary) add(o Summary) {
	s.Delivered += o.Delivered
	s.Retrying += o.Retrying
	s.Rejected += o.Rejected
	s.Pending = o.Pending
	s.Offline = o.Offline
}

// DrainOptions controls one drain.
type DrainOptions struct {
	// Force makes entries in backoff due immediately.
	Force bool
}

// Outcome is the result of delivering one entry.
type Outcome struct {
	EntryID   string
	Delivered bool
	Receipt   delivery.Receipt
	// Rejected carries the server's message when the payload was refused.
	Rejected *delivery.RejectedError
	// Err is the transient failure that left the entry queued.
	Err error
}
