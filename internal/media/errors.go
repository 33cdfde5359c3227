package media

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("media record not found")

// PublicReasoner is implemented by errors that carry a message safe to show
// to API clients.
type PublicReasoner interface {
	PublicReason() string
}

// PublicReason returns the client-facing reason for err. Errors without one
// collapse to a generic message so paths and credentials never leak.
func PublicReason(err error) string {
	var pr PublicReasoner
	if errors.As(err, &pr) {
		return pr.PublicReason()
	}
	return "internal error"
}

// PersistenceError wraps failures of the downstream record store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) PublicReason() string {
	return "media could not be saved"
}

// BuildError reports a remote asset that cannot be turned into a record.
type BuildError struct {
	Field  string
	Reason string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build media record: %s %s", e.Field, e.Reason)
}

func (e *BuildError) PublicReason() string {
	return "remote store returned incomplete asset metadata"
}
