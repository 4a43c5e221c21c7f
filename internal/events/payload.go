package events

import (
	"encoding/json"
	"fmt"

	"github.com/user/turnlog/pkg/llm"
)

// Payload is the kind-specific body of an event. The set of
// implementations is closed; see the kind switch in DecodePayload.
type Payload interface {
	Kind() Kind
	isPayload()
}

type UserMessageSubmitted struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	Source    string `json:"source,omitempty"`
}

type ReasoningEmitted struct {
	MessageID  string `json:"message_id"`
	BlockIndex int    `json:"block_index"`
	Text       string `json:"text"`
	Signature  string `json:"signature,omitempty"`
}

type ToolRequested struct {
	MessageID  string         `json:"message_id"`
	BlockIndex int            `json:"block_index"`
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Input      map[string]any `json:"input"`
}

type ToolResponded struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Output     string `json:"output"`
	IsError    bool   `json:"is_error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type AssistantMessageEmitted struct {
	MessageID  string         `json:"message_id"`
	BlockIndex int            `json:"block_index"`
	Text       string         `json:"text"`
	Citations  []llm.Citation `json:"citations,omitempty"`
	Model      string         `json:"model,omitempty"`
}

type TurnComplete struct {
	MessageID  string    `json:"message_id"`
	Model      string    `json:"model"`
	StopReason string    `json:"stop_reason"`
	Usage      llm.Usage `json:"usage"`
}

func (UserMessageSubmitted) Kind() Kind    { return KindUserMessageSubmitted }
func (ReasoningEmitted) Kind() Kind        { return KindReasoningEmitted }
func (ToolRequested) Kind() Kind           { return KindToolRequested }
func (ToolResponded) Kind() Kind           { return KindToolResponded }
func (AssistantMessageEmitted) Kind() Kind { return KindAssistantMessageEmitted }
func (TurnComplete) Kind() Kind            { return KindTurnComplete }

func (UserMessageSubmitted) isPayload()    {}
func (ReasoningEmitted) isPayload()        {}
func (ToolRequested) isPayload()           {}
func (ToolResponded) isPayload()           {}
func (AssistantMessageEmitted) isPayload() {}
func (TurnComplete) isPayload()            {}

func EncodePayload(p Payload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", p.Kind(), err)
	}
	return data, nil
}

// DecodePayload rebuilds a typed payload from a log entry's event type and
// data.
func DecodePayload(kind string, data json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch Kind(kind) {
	case KindUserMessageSubmitted:
		var v UserMessageSubmitted
		err = json.Unmarshal(data, &v)
		p = v
	case KindReasoningEmitted:
		var v ReasoningEmitted
		err = json.Unmarshal(data, &v)
		p = v
	case KindToolRequested:
		var v ToolRequested
		err = json.Unmarshal(data, &v)
		p = v
	case KindToolResponded:
		var v ToolResponded
		err = json.Unmarshal(data, &v)
		p = v
	case KindAssistantMessageEmitted:
		var v AssistantMessageEmitted
		err = json.Unmarshal(data, &v)
		p = v
	case KindTurnComplete:
		var v TurnComplete
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown event type %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", kind, err)
	}
	return p, nil
}
