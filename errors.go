package kafkaconsumer

import (
	"errors"
	"fmt"
)

func Errorf(format string, v ...interface{}) error {
	return &Error{fmt.Errorf(format, v...)}
}

// Error wraps error and implements MarshalJSON so that errors that are parts of structs are
// properly serialized.
type Error struct {
	error
}

func (e *Error) Unwrap() error {
	return e.error
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return []byte(`"` + e.Error() + `"`), nil
}

// Error kinds. Errors returned by this module wrap one of these, match them with errors.Is.
var (
	// Invalid or missing configuration, detected when the Conf is built or validated.
	ErrConfig = Errorf("config error")
	// Invalid subscription, or operation on a partition that is not assigned.
	ErrSubscription = Errorf("subscription error")
	// Broker rejected a commit. Use errors.As with *CommitError for the classification.
	ErrCommit = Errorf("commit error")
	// Poll interrupted by Wakeup.
	ErrCancelled = Errorf("cancelled")
	// Operation on a closed consumer.
	ErrClosed = Errorf("closed")
	// Consumer used from more than one goroutine at a time.
	ErrConcurrentAccess = Errorf("concurrent access")
	// Consumer called from within a commit completion callback.
	ErrReentrantCall = Errorf("re-entrant call from completion callback")
	// auto-offset-reset is none and there is no committed offset for a partition.
	ErrNoOffset = Errorf("no offset")
)

// CommitError is returned when the broker (or the connection to it) fails a commit. The
// consumer never retries commits; Retriable tells the caller whether retrying makes sense.
// Errors like a stale group generation are not retriable.
type CommitError struct {
	Offsets   Offsets
	Retriable bool
	Err       error
}

func (e *CommitError) Error() string {
	kind := "fatal"
	if e.Retriable {
		kind = "retriable"
	}
	return fmt.Sprintf("%v (%s): %v", ErrCommit, kind, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

func (e *CommitError) Is(target error) bool {
	return target == ErrCommit
}

func (e *CommitError) MarshalJSON() ([]byte, error) {
	return []byte(`"` + e.Error() + `"`), nil
}

// IsRetriable reports whether err is a retriable commit error.
func IsRetriable(err error) bool {
	var e *CommitError
	if !errors.As(err, &e) {
		return false
	}
	return e.Retriable
}
