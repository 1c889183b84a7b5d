package tileacq

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a coordinator that cannot be constructed.
	ErrConfiguration = errors.New("configuration error")
	// ErrAborted is returned by operations attempted after abort.
	ErrAborted = errors.New("acquisition aborted")
	// ErrEventsFinished is returned when events arrive after the stream finished.
	ErrEventsFinished = errors.New("event stream already finished")
	// ErrDeadlineExceeded is the cause recorded when the supervisor deadline fires.
	ErrDeadlineExceeded = errors.New("acquisition deadline exceeded")
)

// TeardownError wraps a failure while releasing local resources during abort.
type TeardownError struct {
	Op  string
	Err error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown %s: %v", e.Op, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

// RemoteAbortError is the cause recorded when the remote process requests abort.
type RemoteAbortError struct {
	Reason string
}

func (e *RemoteAbortError) Error() string {
	if e.Reason == "" {
		return "aborted by remote"
	}
	return "aborted by remote: " + e.Reason
}

func configErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
