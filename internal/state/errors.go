package state

import "errors"

var (
	// ErrSequenceConflict is returned when a session already has an entry
	// with the requested sequence number.
	ErrSequenceConflict = errors.New("state: sequence conflict")
	// ErrDuplicateEvent is returned when an event id was already appended.
	ErrDuplicateEvent = errors.New("state: duplicate event")
	ErrNotFound       = errors.New("state: not found")
	errNoSequence     = errors.New("state: append request has no sequence number")
)
