package syncer

import "errors"

// ErrBusy is returned by Deliver while a drain owns the queue.
var ErrBusy = errors.New("sync in progress")

// ErrCorruptPayload means a queued payload can no longer be decoded.
type ErrCorruptPayload struct {
	EntryID string
	Err     error
}

func (e ErrCorruptPayload) Error() string {
	if e.Err == nil {
		return "corrupt payload"
	}
	return "corrupt payload: " + e.Err.Error()
}

func (e ErrCorruptPayload) Unwrap() error { return e.Err }

// ErrMediaPending means a final submission is waiting for file uploads.
type ErrMediaPending struct {
	EntryID string
	Err     error
}

func (e ErrMediaPending) Error() string {
	if e.Err == nil {
		return "waiting for media uploads"
	}
	return "waiting for media uploads: " + e.Err.Error()
}

func (e ErrMediaPending) Unwrap() error { return e.Err }

// ErrStorage wraps local persistence failures that abort a drain.
type ErrStorage struct {
	Op  string
	Err error
}

func (e ErrStorage) Error() string {
	if e.Err == nil {
		return "storage: " + e.Op
	}
	return "storage: " + e.Op + ": " + e.Err.Error()
}

func (e ErrStorage) Unwrap() error { return e.Err }
