package persist

import (
	"errors"
	"fmt"

	"github.com/user/turnlog/internal/types"
)

var (
	// ErrMissingSequence means the log accepted an append but reported no
	// sequence number. The durability guarantee for that event is broken.
	ErrMissingSequence = errors.New("persist: log append returned no sequence number")
	// ErrSequenceMismatch means the log stored a different sequence than the
	// one reserved for the event.
	ErrSequenceMismatch = errors.New("persist: log returned a different sequence number")
)

// InvariantError reports a structural violation. It is never retried.
type InvariantError struct {
	EventID   types.EventID
	SessionID types.SessionID
	Err       error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation for event %s in session %s: %v", e.EventID, e.SessionID, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// PersistError is a classified failure of one persistence stage.
type PersistError struct {
	EventID types.EventID
	Stage   string
	Class   Classification
	Err     error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist event %s: %s failed (%s): %v", e.EventID, e.Stage, e.Class.Category, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
