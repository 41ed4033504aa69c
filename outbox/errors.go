package outbox

import (
	"fmt"
)

// PublishError indicates a failed hand-off of an entry to the transport
type PublishError struct {
	EntryID     string
	Destination string
	Attempt     int
	Err         error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing entry %s to %q (attempt %d): %v", e.EntryID, e.Destination, e.Attempt, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// UpdateError indicates a failure recording the outcome of a delivery
type UpdateError struct {
	EntryID string
	Op      string
	Err     error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("%s entry %s: %v", e.Op, e.EntryID, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// ReadError indicates a failure reading pending entries
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading pending entries: %v", e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// PurgeError indicates a failure deleting sent entries
type PurgeError struct {
	Err error
}

func (e *PurgeError) Error() string {
	return fmt.Sprintf("purging sent entries: %v", e.Err)
}

func (e *PurgeError) Unwrap() error { return e.Err }
