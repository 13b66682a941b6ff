package core

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessage rejects empty or whitespace-only user input before any
	// state mutation.
	ErrInvalidMessage = errors.New("invalid message: empty user text")

	// ErrMissingCredential is returned when no API credential is available.
	// The conversation history is left untouched and no network call is made.
	ErrMissingCredential = errors.New("no credential available")

	// ErrPipelineBusy is returned by Submit while a request is already in
	// flight. The submission is dropped, not queued; callers re-submit after
	// the current turn completes.
	ErrPipelineBusy = errors.New("request already in flight")

	// ErrUnsupportedCapture is returned when no speech capture device is
	// available. Callers surface this as a user-visible notice.
	ErrUnsupportedCapture = errors.New("speech capture not supported")
)

// TransportError wraps a network-level failure reaching the remote inference
// service.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteRejectionError means the remote service responded but signaled
// failure: a non-success status or a payload the client cannot interpret.
type RemoteRejectionError struct {
	StatusCode int
	Reason     string
}

func (e *RemoteRejectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote rejection: status %d: %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("remote rejection: %s", e.Reason)
}

// CaptureError reports a voice input device failing mid-capture. It resets
// the voice session and is surfaced as a notice, never appended to history.
type CaptureError struct {
	Reason string
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture failed: %s", e.Reason)
}
