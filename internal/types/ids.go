// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type SessionKey string
type SessionID string
type RunID string
type EventID string
type JobID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// NewEventID returns a time-ordered (v7) id so log entries sort by creation.
func NewEventID() EventID {
	return EventID(uuid.Must(uuid.NewV7()).String())
}

func NewJobID() JobID {
	return JobID(uuid.New().String())
}

func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func NewSessionKey(parts ...string) SessionKey {
	return SessionKey(strings.Join(parts, ":"))
}
