package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"inspection-sync/internal/connectivity"
)

// RejectedError means the backend refused the payload. Retrying the same
// payload cannot succeed; the operator has to correct and resubmit.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	if e.Status == 0 {
		return "submission rejected: " + e.Message
	}
	return fmt.Sprintf("submission rejected (status %d): %s", e.Status, e.Message)
}

// StatusError is a non-success HTTP response that is not a rejection.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

// RejectsPayload reports whether an HTTP status means the payload itself is
// invalid.
func RejectsPayload(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// AsRejected unwraps a RejectedError.
func AsRejected(err error) (*RejectedError, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// IsTransient reports whether a failed delivery is worth retrying as is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := AsRejected(err); ok {
		return false
	}
	if errors.Is(err, connectivity.ErrOffline) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNoTransport) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status >= 500 || statusErr.Status == http.StatusTooManyRequests ||
			statusErr.Status == http.StatusRequestTimeout
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "eof") {
		return true
	}
	return false
}
