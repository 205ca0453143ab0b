package relay

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrQueueFull         = errors.New("queue full")
	ErrNotImplemented    = errors.New("not implemented")
	ErrClosed            = errors.New("relay closed")
	ErrNestedInterrupt   = errors.New("interrupt received while resuming")
	ErrTooManyInterrupts = errors.New("interrupt limit exceeded")
)

// APIError is a logical failure reported by a remote API, either through a non-2xx
// status or through a non-zero application code in a 2xx body.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("http %d code %d: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}
