package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/user/turnlog/pkg/llm"
)

// ErrStreamTruncated is returned when the provider stream ends before a
// turn_stop event.
var ErrStreamTruncated = errors.New("stream: ended before turn stop")

// Chunk is a transient, UI-facing piece of text or reasoning.
type Chunk struct {
	Kind       llm.BlockKind
	BlockIndex int
	Text       string
}

// TurnResult is the finalized outcome of one model turn.
type TurnResult struct {
	MessageID  string
	Model      string
	StopReason string
	Blocks     []Block
	Usage      llm.Usage
}

// Text returns the concatenated text blocks.
func (r *TurnResult) Text() string {
	var s string
	for _, b := range r.Blocks {
		if b.Kind == llm.BlockText {
			s += b.Text
		}
	}
	return s
}

// ToolInvocations returns the tool-use blocks in index order.
func (r *TurnResult) ToolInvocations() []Block {
	var out []Block
	for _, b := range r.Blocks {
		if b.Kind == llm.BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Processor drives one provider stream at a time. Turn state is reset on
// every turn_start, so an instance may be reused across turns of the same
// session but must not be shared between sessions.
type Processor struct {
	acc        *Accumulator
	messageID  string
	model      string
	stopReason string
	usage      llm.Usage
}

func NewProcessor() *Processor {
	return &Processor{acc: NewAccumulator()}
}

func (p *Processor) reset() {
	p.acc.Reset()
	p.messageID = ""
	p.model = ""
	p.stopReason = ""
	p.usage = llm.Usage{}
}

// Process consumes events until turn_stop and returns the turn result.
// emit receives every non-empty text or reasoning delta as it arrives and
// may be nil.
func (p *Processor) Process(ctx context.Context, events <-chan llm.StreamEvent, emit func(Chunk)) (*TurnResult, error) {
	p.reset()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil, ErrStreamTruncated
			}
			done, err := p.handle(ev, emit)
			if err != nil {
				return nil, err
			}
			if done {
				return p.result(), nil
			}
		}
	}
}

func (p *Processor) handle(ev llm.StreamEvent, emit func(Chunk)) (bool, error) {
	switch ev.Type {
	case llm.EventTurnStart:
		p.reset()
		p.messageID = ev.MessageID
		p.model = ev.Model

	case llm.EventBlockStart:
		if ev.Block == nil {
			slog.Warn("block start without metadata", "index", ev.Index)
			return false, nil
		}
		p.acc.StartBlock(ev.Index, ev.Block.Kind, ev.Block)
		if ev.Block.Text != "" && emit != nil && ev.Block.Kind != llm.BlockToolUse {
			emit(Chunk{Kind: ev.Block.Kind, BlockIndex: ev.Index, Text: ev.Block.Text})
		}

	case llm.EventBlockDelta:
		if ev.Delta == nil {
			return false, nil
		}
		p.acc.AppendDelta(ev.Index, *ev.Delta)
		if emit == nil || ev.Delta.Text == "" {
			return false, nil
		}
		switch ev.Delta.Kind {
		case llm.DeltaText:
			emit(Chunk{Kind: llm.BlockText, BlockIndex: ev.Index, Text: ev.Delta.Text})
		case llm.DeltaReasoning:
			emit(Chunk{Kind: llm.BlockReasoning, BlockIndex: ev.Index, Text: ev.Delta.Text})
		}

	case llm.EventBlockStop:
		if _, ok := p.acc.CompleteBlock(ev.Index); !ok {
			slog.Debug("block stop for unknown index", "index", ev.Index)
		}

	case llm.EventTurnDelta:
		p.applyTurnDelta(ev)

	case llm.EventTurnStop:
		p.applyTurnDelta(ev)
		if ev.MessageID != "" && p.messageID == "" {
			p.messageID = ev.MessageID
		}
		return true, nil

	case llm.EventError:
		if ev.Err == nil {
			return false, fmt.Errorf("stream: provider error")
		}
		return false, ev.Err
	}
	return false, nil
}

func (p *Processor) applyTurnDelta(ev llm.StreamEvent) {
	if ev.StopReason != "" {
		p.stopReason = ev.StopReason
	}
	if ev.Usage != nil {
		p.usage = *ev.Usage
	}
}

func (p *Processor) result() *TurnResult {
	return &TurnResult{
		MessageID:  p.messageID,
		Model:      p.model,
		StopReason: p.stopReason,
		Blocks:     p.acc.BlocksInOrder(),
		Usage:      p.usage,
	}
}
