// Package stream turns a provider's incremental event stream into ordered,
// finalized content blocks.
package stream

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/user/turnlog/pkg/llm"
)

// Block is one unit of model output under construction.
type Block struct {
	Index      int
	Kind       llm.BlockKind
	Text       string
	Citations  []llm.Citation
	Signature  string
	ToolCallID string
	ToolName   string
	// PartialJSON is the raw concatenation of tool argument fragments.
	PartialJSON string
	// Input holds the last successful parse of PartialJSON.
	Input     map[string]any
	Completed bool
}

// Accumulator holds partial block state for a single turn. It is not safe
// for concurrent use; each session processor owns its own instance.
type Accumulator struct {
	blocks map[int]*Block
	text   map[int]*strings.Builder
	args   map[int]*strings.Builder
}

func NewAccumulator() *Accumulator {
	a := &Accumulator{}
	a.Reset()
	return a
}

// StartBlock begins a block at index. A second start for the same index
// replaces the earlier block.
func (a *Accumulator) StartBlock(index int, kind llm.BlockKind, initial *llm.BlockStart) {
	b := &Block{
		Index:     index,
		Kind:      kind,
		Citations: []llm.Citation{},
	}
	sb := &strings.Builder{}
	if initial != nil {
		b.ToolCallID = initial.ToolCallID
		b.ToolName = initial.ToolName
		sb.WriteString(initial.Text)
	}
	a.blocks[index] = b
	a.text[index] = sb
	a.args[index] = &strings.Builder{}
}

// AppendDelta merges a delta into the block at index. Deltas for unknown or
// completed blocks, and deltas whose kind does not fit the block, are
// dropped without error.
func (a *Accumulator) AppendDelta(index int, d llm.Delta) {
	b, ok := a.blocks[index]
	if !ok || b.Completed {
		return
	}

	switch b.Kind {
	case llm.BlockText:
		switch d.Kind {
		case llm.DeltaText:
			a.text[index].WriteString(d.Text)
		case llm.DeltaCitation:
			if d.Citation != nil {
				b.Citations = append(b.Citations, *d.Citation)
			}
		}

	case llm.BlockReasoning:
		switch d.Kind {
		case llm.DeltaReasoning:
			a.text[index].WriteString(d.Text)
		case llm.DeltaSignature:
			b.Signature += d.Signature
		}

	case llm.BlockToolUse:
		if d.Kind != llm.DeltaToolArgs {
			return
		}
		buf := a.args[index]
		buf.WriteString(d.PartialJSON)
		var input map[string]any
		if err := json.Unmarshal([]byte(buf.String()), &input); err == nil {
			b.Input = input
		}
	}
}

// CompleteBlock finalizes the block at index and returns a copy of it.
// Calling it again returns the same content.
func (a *Accumulator) CompleteBlock(index int) (Block, bool) {
	b, ok := a.blocks[index]
	if !ok {
		return Block{}, false
	}
	if !b.Completed {
		b.Text = a.text[index].String()
		if b.Kind == llm.BlockToolUse {
			b.PartialJSON = a.args[index].String()
			if b.Input == nil {
				b.Input = map[string]any{}
			}
		}
		b.Completed = true
	}
	return cloneBlock(b), true
}

// BlocksInOrder returns completed blocks sorted by provider index.
func (a *Accumulator) BlocksInOrder() []Block {
	out := make([]Block, 0, len(a.blocks))
	for _, b := range a.blocks {
		if b.Completed {
			out = append(out, cloneBlock(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// ToolInvocations returns the completed tool-use blocks in index order.
func (a *Accumulator) ToolInvocations() []Block {
	var out []Block
	for _, b := range a.BlocksInOrder() {
		if b.Kind == llm.BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Reset drops all block state.
func (a *Accumulator) Reset() {
	a.blocks = make(map[int]*Block)
	a.text = make(map[int]*strings.Builder)
	a.args = make(map[int]*strings.Builder)
}

func cloneBlock(b *Block) Block {
	c := *b
	c.Citations = append([]llm.Citation{}, b.Citations...)
	if b.Input != nil {
		c.Input = make(map[string]any, len(b.Input))
		for k, v := range b.Input {
			c.Input[k] = v
		}
	}
	return c
}
