package events

import (
	"encoding/json"
	"time"

	"github.com/user/turnlog/internal/stream"
	"github.com/user/turnlog/internal/types"
)

const (
	UIChunk = "chunk"
	UIEvent = "event"
)

// UIMessage is what live clients receive. Chunks carry no event id or
// sequence; events carry both once known.
type UIMessage struct {
	Type       string          `json:"type"`
	SessionID  types.SessionID `json:"session_id"`
	EventID    types.EventID   `json:"event_id,omitempty"`
	Kind       Kind            `json:"kind,omitempty"`
	Sequence   *int64          `json:"sequence,omitempty"`
	Lifecycle  Lifecycle       `json:"lifecycle"`
	BlockIndex *int            `json:"block_index,omitempty"`
	BlockKind  string          `json:"block_kind,omitempty"`
	Delta      string          `json:"delta,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ChunkMessage wraps a streamed delta for live delivery.
func ChunkMessage(sessionID types.SessionID, c stream.Chunk) UIMessage {
	idx := c.BlockIndex
	return UIMessage{
		Type:       UIChunk,
		SessionID:  sessionID,
		Lifecycle:  LifecycleTransient,
		BlockIndex: &idx,
		BlockKind:  string(c.Kind),
		Delta:      c.Text,
		Timestamp:  time.Now().UTC(),
	}
}

// Message renders ev with the given lifecycle.
func (e *Event) Message(lc Lifecycle) (UIMessage, error) {
	data, err := EncodePayload(e.Payload)
	if err != nil {
		return UIMessage{}, err
	}
	msg := UIMessage{
		Type:      UIEvent,
		SessionID: e.SessionID,
		EventID:   e.ID,
		Kind:      e.Kind(),
		Lifecycle: lc,
		Payload:   data,
		Timestamp: e.Timestamp,
	}
	if e.Strategy != Transient {
		msg.Sequence = e.Sequence
	}
	return msg, nil
}

// EntryMessage renders a durable log entry as a persisted event.
func EntryMessage(entry *types.LogEntry) UIMessage {
	seq := entry.SequenceNumber
	return UIMessage{
		Type:      UIEvent,
		SessionID: entry.SessionID,
		EventID:   entry.ID,
		Kind:      Kind(entry.EventType),
		Sequence:  &seq,
		Lifecycle: LifecyclePersisted,
		Payload:   entry.Data,
		Timestamp: entry.Timestamp,
	}
}
