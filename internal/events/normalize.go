package events

import (
	"time"

	"github.com/user/turnlog/internal/stream"
	"github.com/user/turnlog/internal/types"
	"github.com/user/turnlog/pkg/llm"
)

// Normalizer turns finalized stream output into events. IDs and timestamps
// come from injectable sources so tests can pin them.
type Normalizer struct {
	NewID func() types.EventID
	Now   func() time.Time
}

func NewNormalizer() *Normalizer {
	return &Normalizer{
		NewID: types.NewEventID,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// Wrap builds an event for payload p at position index of its batch.
func (n *Normalizer) Wrap(sessionID types.SessionID, index int, p Payload) *Event {
	return &Event{
		ID:            n.NewID(),
		SessionID:     sessionID,
		Timestamp:     n.Now(),
		OriginalIndex: index,
		Strategy:      StrategyFor(p.Kind()),
		Payload:       p,
	}
}

// UserMessage builds the event recording a submitted user message.
func (n *Normalizer) UserMessage(sessionID types.SessionID, content, source string) *Event {
	ev := n.Wrap(sessionID, 0, UserMessageSubmitted{Content: content, Source: source})
	ev.Payload = UserMessageSubmitted{MessageID: string(ev.ID), Content: content, Source: source}
	return ev
}

// Turn converts one finalized turn into an ordered event batch: blocks in
// provider index order, each tool response directly after its request,
// then a transient turn-complete. Tool calls missing from responses get no
// response event.
func (n *Normalizer) Turn(sessionID types.SessionID, res *stream.TurnResult, responses map[string]ToolResponded) []*Event {
	var out []*Event
	add := func(p Payload) {
		out = append(out, n.Wrap(sessionID, len(out), p))
	}

	for _, b := range res.Blocks {
		switch b.Kind {
		case llm.BlockReasoning:
			if b.Text == "" && b.Signature == "" {
				continue
			}
			add(ReasoningEmitted{
				MessageID:  res.MessageID,
				BlockIndex: b.Index,
				Text:       b.Text,
				Signature:  b.Signature,
			})
		case llm.BlockText:
			if b.Text == "" {
				continue
			}
			add(AssistantMessageEmitted{
				MessageID:  res.MessageID,
				BlockIndex: b.Index,
				Text:       b.Text,
				Citations:  b.Citations,
				Model:      res.Model,
			})
		case llm.BlockToolUse:
			add(ToolRequested{
				MessageID:  res.MessageID,
				BlockIndex: b.Index,
				ToolCallID: b.ToolCallID,
				ToolName:   b.ToolName,
				Input:      b.Input,
			})
			if resp, ok := responses[b.ToolCallID]; ok {
				add(resp)
			}
		}
	}

	add(TurnComplete{
		MessageID:  res.MessageID,
		Model:      res.Model,
		StopReason: res.StopReason,
		Usage:      res.Usage,
	})
	return out
}

// ToolPair is a completed tool execution: the request event and the
// response event that answers it.
type ToolPair struct {
	Request  *Event
	Response *Event
}

// ToolPairs extracts request/response pairs from a batch, matched by tool
// call id. Requests without a response are skipped.
func ToolPairs(batch []*Event) []ToolPair {
	requests := make(map[string]*Event)
	var pairs []ToolPair
	for _, ev := range batch {
		switch p := ev.Payload.(type) {
		case ToolRequested:
			requests[p.ToolCallID] = ev
		case ToolResponded:
			if req, ok := requests[p.ToolCallID]; ok {
				pairs = append(pairs, ToolPair{Request: req, Response: ev})
				delete(requests, p.ToolCallID)
			}
		}
	}
	return pairs
}
