package anthropic

import (
	"github.com/anthropics/anthropic-sdk-go"

	"github.com/user/turnlog/pkg/llm"
)

// streamState carries message-level values across events so turn_stop can
// report the final stop reason and usage.
type streamState struct {
	messageID  string
	model      string
	stopReason string
	usage      llm.Usage
}

// translate converts one Anthropic stream event into zero or more
// normalized events. Block types we do not model (server tool results,
// redacted thinking) produce nothing.
func (s *streamState) translate(event anthropic.MessageStreamEventUnion) []llm.StreamEvent {
	switch e := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		s.messageID = e.Message.ID
		s.model = string(e.Message.Model)
		s.usage.InputTokens = int(e.Message.Usage.InputTokens)
		s.setCache(e.Message.Usage.CacheCreationInputTokens, e.Message.Usage.CacheReadInputTokens)
		return []llm.StreamEvent{{Type: llm.EventTurnStart, MessageID: s.messageID, Model: s.model}}

	case anthropic.ContentBlockStartEvent:
		start := &llm.BlockStart{}
		switch e.ContentBlock.Type {
		case "text":
			start.Kind = llm.BlockText
			start.Text = e.ContentBlock.Text
		case "thinking":
			start.Kind = llm.BlockReasoning
		case "tool_use":
			start.Kind = llm.BlockToolUse
			start.ToolCallID = e.ContentBlock.ID
			start.ToolName = e.ContentBlock.Name
		default:
			return nil
		}
		return []llm.StreamEvent{{Type: llm.EventBlockStart, Index: int(e.Index), Block: start}}

	case anthropic.ContentBlockDeltaEvent:
		d := &llm.Delta{}
		switch e.Delta.Type {
		case "text_delta":
			d.Kind = llm.DeltaText
			d.Text = e.Delta.Text
		case "thinking_delta":
			d.Kind = llm.DeltaReasoning
			d.Text = e.Delta.Thinking
		case "signature_delta":
			d.Kind = llm.DeltaSignature
			d.Signature = e.Delta.Signature
		case "input_json_delta":
			d.Kind = llm.DeltaToolArgs
			d.PartialJSON = e.Delta.PartialJSON
		case "citations_delta":
			d.Kind = llm.DeltaCitation
			c := e.Delta.Citation
			d.Citation = &llm.Citation{
				Type:      c.Type,
				URL:       c.URL,
				Title:     c.Title,
				CitedText: c.CitedText,
				Raw:       c.RawJSON(),
			}
		default:
			return nil
		}
		return []llm.StreamEvent{{Type: llm.EventBlockDelta, Index: int(e.Index), Delta: d}}

	case anthropic.ContentBlockStopEvent:
		return []llm.StreamEvent{{Type: llm.EventBlockStop, Index: int(e.Index)}}

	case anthropic.MessageDeltaEvent:
		if e.Delta.StopReason != "" {
			s.stopReason = string(e.Delta.StopReason)
		}
		s.usage.OutputTokens = int(e.Usage.OutputTokens)
		if e.Usage.InputTokens > 0 {
			s.usage.InputTokens = int(e.Usage.InputTokens)
		}
		s.setCache(e.Usage.CacheCreationInputTokens, e.Usage.CacheReadInputTokens)
		usage := s.snapshot()
		return []llm.StreamEvent{{Type: llm.EventTurnDelta, StopReason: s.stopReason, Usage: &usage}}

	case anthropic.MessageStopEvent:
		usage := s.snapshot()
		return []llm.StreamEvent{{
			Type:       llm.EventTurnStop,
			MessageID:  s.messageID,
			Model:      s.model,
			StopReason: s.stopReason,
			Usage:      &usage,
		}}
	}
	return nil
}

func (s *streamState) setCache(creation, read int64) {
	if creation > 0 {
		v := int(creation)
		s.usage.CacheCreationInputTokens = &v
	}
	if read > 0 {
		v := int(read)
		s.usage.CacheReadInputTokens = &v
	}
}

func (s *streamState) snapshot() llm.Usage {
	u := s.usage
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u
}
