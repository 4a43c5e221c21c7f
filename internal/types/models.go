// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// LogEntry is one record of the append-only event log. It is created once
// and never mutated except for the Processed flag.
type LogEntry struct {
	ID             EventID         `json:"id"`
	SessionID      SessionID       `json:"session_id"`
	EventType      string          `json:"event_type"`
	SequenceNumber int64           `json:"sequence_number"`
	Timestamp      time.Time       `json:"timestamp"`
	Data           json.RawMessage `json:"data"`
	Processed      bool            `json:"processed"`
}

// AppendRequest is the input to EventLog.Append. Sequence carries the
// number reserved for this event by the allocator.
type AppendRequest struct {
	EventID   EventID
	SessionID SessionID
	EventType string
	Sequence  *int64
	Data      json.RawMessage
	Timestamp time.Time
}

// AppendResult is what the log reports back after a durable append.
// SequenceNumber is a pointer so a missing value can be told apart from 0.
type AppendResult struct {
	ID             EventID   `json:"id"`
	SequenceNumber *int64    `json:"sequence_number"`
	Timestamp      time.Time `json:"timestamp"`
}

// Message is a row of the queryable messages projection. SequenceNumber and
// EventID point back at the log entry that last wrote the row.
type Message struct {
	ID             string         `json:"id"`
	SessionID      SessionID      `json:"session_id"`
	Role           string         `json:"role"`
	MessageType    string         `json:"message_type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	SequenceNumber int64          `json:"sequence_number"`
	EventID        EventID        `json:"event_id"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// MaterializationJob asks the projection worker to create or update one
// messages row from a confirmed log entry.
type MaterializationJob struct {
	JobID          JobID          `json:"job_id"`
	SessionID      SessionID      `json:"session_id"`
	MessageID      string         `json:"message_id"`
	Role           string         `json:"role"`
	MessageType    string         `json:"message_type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	SequenceNumber int64          `json:"sequence_number"`
	EventID        EventID        `json:"event_id"`
	// Replay marks a job rebuilt from the log after its first delivery
	// was lost or rejected.
	Replay bool `json:"replay,omitempty"`
}

type SessionIndex struct {
	SessionID    SessionID  `json:"session_id"`
	SessionKey   SessionKey `json:"session_key"`
	Agent        string     `json:"agent"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastRunID    RunID      `json:"last_run_id,omitempty"`
	LastEventSeq int64      `json:"last_event_seq"`
}

type InboundEvent struct {
	Source     string          `json:"source"`
	SessionKey SessionKey      `json:"session_key"`
	UserID     string          `json:"user_id"`
	Text       string          `json:"text"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}
