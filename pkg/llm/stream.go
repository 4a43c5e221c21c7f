package llm

// EventType identifies the kind of a normalized stream event.
type EventType string

const (
	EventTurnStart  EventType = "turn_start"
	EventBlockStart EventType = "block_start"
	EventBlockDelta EventType = "block_delta"
	EventBlockStop  EventType = "block_stop"
	EventTurnDelta  EventType = "turn_delta"
	EventTurnStop   EventType = "turn_stop"
	EventError      EventType = "error"
)

// BlockKind is the kind of content block a model produces.
type BlockKind string

const (
	BlockText      BlockKind = "text"
	BlockReasoning BlockKind = "reasoning"
	BlockToolUse   BlockKind = "tool_use"
)

// DeltaKind is the kind of incremental content appended to a block.
type DeltaKind string

const (
	DeltaText      DeltaKind = "text"
	DeltaReasoning DeltaKind = "reasoning"
	DeltaToolArgs  DeltaKind = "tool_args"
	DeltaCitation  DeltaKind = "citation"
	DeltaSignature DeltaKind = "signature"
)

// StreamEvent is one provider-neutral streaming event. Index is the
// content block index for block_* events.
type StreamEvent struct {
	Type       EventType
	Index      int
	MessageID  string
	Model      string
	Block      *BlockStart
	Delta      *Delta
	StopReason string
	Usage      *Usage
	Err        error
}

// BlockStart carries the initial metadata of a new content block.
type BlockStart struct {
	Kind       BlockKind
	ToolCallID string
	ToolName   string
	Text       string
}

// Delta represents an incremental update to one content block.
type Delta struct {
	Kind        DeltaKind
	Text        string
	PartialJSON string
	Signature   string
	Citation    *Citation
}

// Citation references a source the model used in a text block.
type Citation struct {
	Type      string `json:"type"`
	URL       string `json:"url,omitempty"`
	Title     string `json:"title,omitempty"`
	CitedText string `json:"cited_text,omitempty"`
	Raw       string `json:"raw,omitempty"`
}
