// Package lorem is an offline llm.Provider that streams lorem ipsum text.
// It is used by tests and for running the service without an API key.
package lorem

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	loremgen "github.com/bozaro/golorem"
	"github.com/google/uuid"

	"github.com/user/turnlog/pkg/llm"
)

// Options tune the generated stream.
type Options struct {
	// Delay is the pause between streamed words.
	Delay time.Duration
	// Words is the length of the text block.
	Words int
	// Reasoning adds a reasoning block before the text.
	Reasoning bool
}

// Provider generates a deterministic block layout with random words:
// optional reasoning, then text, then one tool call when tools are offered
// and the conversation does not already end in a tool result.
type Provider struct {
	generator *loremgen.Lorem
	opts      Options
}

func New(opts Options) *Provider {
	if opts.Words <= 0 {
		opts.Words = 20
	}
	return &Provider{generator: loremgen.New(), opts: opts}
}

// SupportsModel reports whether model is routed to this provider.
func SupportsModel(model string) bool {
	return strings.HasPrefix(model, "lorem")
}

func (p *Provider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = "lorem-fast"
	}

	// Generate everything up front; the generator is not safe for
	// concurrent use and Stream may be called from several lanes.
	var reasoning []string
	if p.opts.Reasoning {
		reasoning = strings.Fields(p.generator.Sentence(8, 16))
	}
	words := make([]string, p.opts.Words)
	for i := range words {
		words[i] = p.generator.Word(3, 9)
	}
	var toolCall *llm.BlockStart
	var toolArgs string
	if len(req.Tools) > 0 && !endsInToolResult(req.Messages) {
		toolCall = &llm.BlockStart{
			Kind:       llm.BlockToolUse,
			ToolCallID: "toolu_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:20],
			ToolName:   req.Tools[0].Function.Name,
		}
		args, _ := json.Marshal(map[string]any{"query": p.generator.Word(4, 8)})
		toolArgs = string(args)
	}

	ch := make(chan llm.StreamEvent, 16)
	go func() {
		defer close(ch)
		s := &streamer{ctx: ctx, out: ch, delay: p.opts.Delay}

		if !s.send(llm.StreamEvent{Type: llm.EventTurnStart, MessageID: "msg_" + strings.ReplaceAll(uuid.New().String(), "-", ""), Model: model}) {
			return
		}

		index := 0
		output := 0
		if len(reasoning) > 0 {
			if !s.textBlock(index, llm.BlockReasoning, llm.DeltaReasoning, reasoning) {
				return
			}
			output += len(reasoning)
			index++
		}
		if !s.textBlock(index, llm.BlockText, llm.DeltaText, words) {
			return
		}
		output += len(words)
		index++

		stopReason := "end_turn"
		if toolCall != nil {
			stopReason = "tool_use"
			half := len(toolArgs) / 2
			ok := s.send(llm.StreamEvent{Type: llm.EventBlockStart, Index: index, Block: toolCall}) &&
				s.send(llm.StreamEvent{Type: llm.EventBlockDelta, Index: index, Delta: &llm.Delta{Kind: llm.DeltaToolArgs, PartialJSON: toolArgs[:half]}}) &&
				s.send(llm.StreamEvent{Type: llm.EventBlockDelta, Index: index, Delta: &llm.Delta{Kind: llm.DeltaToolArgs, PartialJSON: toolArgs[half:]}}) &&
				s.send(llm.StreamEvent{Type: llm.EventBlockStop, Index: index})
			if !ok {
				return
			}
			output += 10
		}

		usage := &llm.Usage{
			InputTokens:  estimateTokens(req),
			OutputTokens: output,
		}
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		if !s.send(llm.StreamEvent{Type: llm.EventTurnDelta, StopReason: stopReason, Usage: usage}) {
			return
		}
		s.send(llm.StreamEvent{Type: llm.EventTurnStop, StopReason: stopReason, Usage: usage})
	}()
	return ch, nil
}

type streamer struct {
	ctx   context.Context
	out   chan<- llm.StreamEvent
	delay time.Duration
}

func (s *streamer) send(ev llm.StreamEvent) bool {
	select {
	case s.out <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *streamer) textBlock(index int, kind llm.BlockKind, dk llm.DeltaKind, words []string) bool {
	if !s.send(llm.StreamEvent{Type: llm.EventBlockStart, Index: index, Block: &llm.BlockStart{Kind: kind}}) {
		return false
	}
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-s.ctx.Done():
				return false
			}
		}
		if !s.send(llm.StreamEvent{Type: llm.EventBlockDelta, Index: index, Delta: &llm.Delta{Kind: dk, Text: w}}) {
			return false
		}
	}
	if kind == llm.BlockReasoning {
		if !s.send(llm.StreamEvent{Type: llm.EventBlockDelta, Index: index, Delta: &llm.Delta{Kind: llm.DeltaSignature, Signature: "lorem"}}) {
			return false
		}
	}
	return s.send(llm.StreamEvent{Type: llm.EventBlockStop, Index: index})
}

func endsInToolResult(messages []llm.Message) bool {
	return len(messages) > 0 && messages[len(messages)-1].Role == "tool"
}

// estimateTokens approximates input size by word count.
func estimateTokens(req *llm.Request) int {
	n := len(strings.Fields(req.System))
	for _, m := range req.Messages {
		n += len(strings.Fields(m.Content))
	}
	return n
}
