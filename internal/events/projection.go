package events

import (
	"encoding/json"
	"fmt"

	"github.com/user/turnlog/internal/types"
)

const (
	MessageTypeText      = "text"
	MessageTypeReasoning = "reasoning"
	MessageTypeToolCall  = "tool_call"
)

// blockMessageID is the projection row id for a block-derived event.
func blockMessageID(messageID string, blockIndex int) string {
	return fmt.Sprintf("%s_%d", messageID, blockIndex)
}

// JobFromEntry derives the projection write for a confirmed log entry.
// It returns a nil job for kinds that have no projection row.
func JobFromEntry(entry *types.LogEntry) (*types.MaterializationJob, error) {
	p, err := DecodePayload(entry.EventType, entry.Data)
	if err != nil {
		return nil, err
	}

	job := &types.MaterializationJob{
		JobID:          types.NewJobID(),
		SessionID:      entry.SessionID,
		SequenceNumber: entry.SequenceNumber,
		EventID:        entry.ID,
	}

	switch v := p.(type) {
	case UserMessageSubmitted:
		job.MessageID = v.MessageID
		if job.MessageID == "" {
			job.MessageID = string(entry.ID)
		}
		job.Role = "user"
		job.MessageType = MessageTypeText
		job.Content = v.Content
		if v.Source != "" {
			job.Metadata = map[string]any{"source": v.Source}
		}

	case ReasoningEmitted:
		job.MessageID = blockMessageID(v.MessageID, v.BlockIndex)
		job.Role = "assistant"
		job.MessageType = MessageTypeReasoning
		job.Content = v.Text
		if v.Signature != "" {
			job.Metadata = map[string]any{"signature": v.Signature}
		}

	case AssistantMessageEmitted:
		job.MessageID = blockMessageID(v.MessageID, v.BlockIndex)
		job.Role = "assistant"
		job.MessageType = MessageTypeText
		job.Content = v.Text
		job.Metadata = map[string]any{"model": v.Model}
		if len(v.Citations) > 0 {
			job.Metadata["citations"] = v.Citations
		}

	// Request and response share one row keyed by the tool call id.
	case ToolRequested:
		job.MessageID = v.ToolCallID
		job.Role = "assistant"
		job.MessageType = MessageTypeToolCall
		input, _ := json.Marshal(v.Input)
		job.Metadata = map[string]any{
			"tool_name":  v.ToolName,
			"input":      string(input),
			"message_id": v.MessageID,
			"status":     "requested",
		}

	case ToolResponded:
		job.MessageID = v.ToolCallID
		job.Role = "assistant"
		job.MessageType = MessageTypeToolCall
		job.Content = v.Output
		status := "completed"
		if v.IsError {
			status = "failed"
		}
		job.Metadata = map[string]any{
			"tool_name":   v.ToolName,
			"is_error":    v.IsError,
			"duration_ms": v.DurationMS,
			"status":      status,
		}

	case TurnComplete:
		return nil, nil
	}

	return job, nil
}
