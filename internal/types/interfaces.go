// internal/types/interfaces.go
package types

import (
	"context"
)

type SessionStore interface {
	ResolveOrCreate(ctx context.Context, key SessionKey, agent string) (SessionID, error)
	Get(ctx context.Context, id SessionID) (*SessionIndex, error)
	Lookup(ctx context.Context, key SessionKey) (*SessionIndex, error)
	List(ctx context.Context) ([]*SessionIndex, error)
	Update(ctx context.Context, session *SessionIndex) error
	Archive(ctx context.Context, key SessionKey) (*SessionIndex, error)
	Delete(ctx context.Context, id SessionID) error
}

// EventLog is the durable append-only log. Append must reject a sequence
// number that already exists for the session.
type EventLog interface {
	Append(ctx context.Context, req *AppendRequest) (*AppendResult, error)
	Read(ctx context.Context, sessionID SessionID, afterSeq int64, limit int) ([]*LogEntry, error)
	// MaxSequence returns -1 when the session has no entries.
	MaxSequence(ctx context.Context, sessionID SessionID) (int64, error)
	MarkProcessed(ctx context.Context, id EventID) error
	Unprocessed(ctx context.Context, limit int) ([]*LogEntry, error)
	Count(ctx context.Context, sessionID SessionID) (int64, error)
	// Purge deletes every entry of a session. It is an operator action,
	// not part of normal operation.
	Purge(ctx context.Context, sessionID SessionID) error
}

// ProjectionStore holds the messages projection derived from the log.
type ProjectionStore interface {
	Upsert(ctx context.Context, msg *Message) error
	Get(ctx context.Context, sessionID SessionID, id string) (*Message, error)
	List(ctx context.Context, sessionID SessionID, limit int) ([]*Message, error)
	Clear(ctx context.Context, sessionID SessionID) error
}

type MaterializationQueue interface {
	Enqueue(ctx context.Context, job *MaterializationJob) (string, error)
}
