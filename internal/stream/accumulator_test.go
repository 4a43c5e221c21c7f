package stream

import (
	"reflect"
	"testing"

	"github.com/user/turnlog/pkg/llm"
)

func TestAccumulatorTextBlock(t *testing.T) {
	a := NewAccumulator()
	a.StartBlock(0, llm.BlockText, nil)
	a.AppendDelta(0, llm.Delta{Kind: llm.DeltaText, Text: "Hello "})
	a.AppendDelta(0, llm.Delta{Kind: llm.DeltaText, Text: "World"})

	b, ok := a.CompleteBlock(0)
	if !ok {
		t.Fatal("expected block 0 to exist")
	}
	if b.Text != "Hello World" {
		t.Errorf("expected 'Hello World', got %q", b.Text)
	}
	if b.Citations == nil || len(b.Citations) != 0 {
		t.Errorf("expected empty non-nil citations, got %#v", b.Citations)
	}
}

func TestAccumulatorCompleteIdempotent(t *testing.T) {
	a := NewAccumulator()
	a.StartBlock(0, llm.BlockText, nil)
	a.AppendDelta(0, llm.Delta{Kind: llm.DeltaText, Text: "abc"})

	first, _ := a.CompleteBlock(0)
	// deltas after completion are ignored
	a.AppendDelta(0, llm.Delta{Kind: llm.DeltaText, Text: "def"})
	second, _ := a.CompleteBlock(0)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("expected identical blocks, got %+v and %+v", first, second)
	}
}

func TestAccumulatorUnknownIndex(t *testing.T) {
	a := NewAccumulator()
	a.AppendDelta(7, llm.Delta{Kind: llm.DeltaText, Text: "lost"})
	if _, ok := a.CompleteBlock(7); ok {
		t.Error("expected unknown index to stay unknown")
	}
	if len(a.BlocksInOrder()) != 0 {
		t.Error("expected no blocks")
	}
}

func TestAccumulatorDeltaKindPolicy(t *testing.T) {
	a := NewAccumulator()
	a.StartBlock(0, llm.BlockReasoning, nil)
	a.StartBlock(1, llm.BlockText, nil)

	cite := &llm.Citation{Type: "web_search_result_location", URL: "https://example.com"}
	a.AppendDelta(0, llm.Delta{Kind: llm.DeltaReasoning, Text: "thinking"})
	a.AppendDelta(0, llm.Delta{Kind: llm.DeltaCitation, Citation: cite})
	a.AppendDelta(0, llm.Delta{Kind: llm.DeltaSignature, Signature: "sig"})
	a.AppendDelta(0, llm.Delta{Kind: llm.DeltaText, Text: "ignored"})
	a.AppendDelta(1, llm.Delta{Kind: llm.DeltaCitation, Citation: cite})
	a.AppendDelta(1, llm.Delta{Kind: llm.DeltaSignature, Signature: "ignored"})

	reasoning, _ := a.CompleteBlock(0)
	if reasoning.Text != "thinking" {
		t.Errorf("expected reasoning text 'thinking', got %q", reasoning.Text)
	}
	if len(reasoning.Citations) != 0 {
		t.Errorf("expected citation dropped on reasoning block, got %v", reasoning.Citations)
	}
	if reasoning.Signature != "sig" {
		t.Errorf("expected signature 'sig', got %q", reasoning.Signature)
	}

	text, _ := a.CompleteBlock(1)
	if len(text.Citations) != 1 || text.Citations[0].URL != "https://example.com" {
		t.Errorf("expected one citation on text block, got %v", text.Citations)
	}
	if text.Signature != "" {
		t.Errorf("expected no signature on text block, got %q", text.Signature)
	}
}

func TestAccumulatorToolArgsPartialParse(t *testing.T) {
	a := NewAccumulator()
	a.StartBlock(2, llm.BlockToolUse, &llm.BlockStart{Kind: llm.BlockToolUse, ToolCallID: "toolu_1", ToolName: "read_url"})

	a.AppendDelta(2, llm.Delta{Kind: llm.DeltaToolArgs, PartialJSON: `{"url": "https://`})
	if b := a.blocks[2]; b.Input != nil {
		t.Errorf("expected no input before valid json, got %v", b.Input)
	}

	a.AppendDelta(2, llm.Delta{Kind: llm.DeltaToolArgs, PartialJSON: `example.com"}`})
	if got := a.blocks[2].Input["url"]; got != "https://example.com" {
		t.Errorf("expected parsed url, got %v", got)
	}

	// malformed trailing fragment keeps the last good parse
	a.AppendDelta(2, llm.Delta{Kind: llm.DeltaToolArgs, PartialJSON: `,,`})
	b, _ := a.CompleteBlock(2)
	if b.Input["url"] != "https://example.com" {
		t.Errorf("expected last good input kept, got %v", b.Input)
	}
	if b.PartialJSON != `{"url": "https://example.com"},,` {
		t.Errorf("unexpected raw args %q", b.PartialJSON)
	}
	if b.ToolCallID != "toolu_1" || b.ToolName != "read_url" {
		t.Errorf("unexpected tool metadata %+v", b)
	}
}

func TestAccumulatorEmptyToolArgs(t *testing.T) {
	a := NewAccumulator()
	a.StartBlock(0, llm.BlockToolUse, &llm.BlockStart{Kind: llm.BlockToolUse, ToolCallID: "t", ToolName: "noop"})
	b, _ := a.CompleteBlock(0)
	if b.Input == nil || len(b.Input) != 0 {
		t.Errorf("expected empty input map, got %#v", b.Input)
	}
}

func TestAccumulatorBlocksInOrder(t *testing.T) {
	a := NewAccumulator()
	for _, idx := range []int{3, 0, 1} {
		a.StartBlock(idx, llm.BlockText, nil)
	}
	a.StartBlock(2, llm.BlockToolUse, &llm.BlockStart{ToolCallID: "t2", ToolName: "x"})
	a.CompleteBlock(3)
	a.CompleteBlock(0)
	a.CompleteBlock(2)
	// block 1 never completes

	blocks := a.BlocksInOrder()
	var got []int
	for _, b := range blocks {
		got = append(got, b.Index)
	}
	if !reflect.DeepEqual(got, []int{0, 2, 3}) {
		t.Errorf("expected [0 2 3], got %v", got)
	}

	tools := a.ToolInvocations()
	if len(tools) != 1 || tools[0].ToolCallID != "t2" {
		t.Errorf("expected one tool invocation, got %+v", tools)
	}
}

func TestAccumulatorReset(t *testing.T) {
	a := NewAccumulator()
	a.StartBlock(0, llm.BlockText, nil)
	a.CompleteBlock(0)
	a.Reset()
	if len(a.BlocksInOrder()) != 0 {
		t.Error("expected no blocks after reset")
	}
}

func TestAccumulatorInitialText(t *testing.T) {
	a := NewAccumulator()
	a.StartBlock(0, llm.BlockText, &llm.BlockStart{Kind: llm.BlockText, Text: "Hi"})
	a.AppendDelta(0, llm.Delta{Kind: llm.DeltaText, Text: " there"})
	b, _ := a.CompleteBlock(0)
	if b.Text != "Hi there" {
		t.Errorf("expected 'Hi there', got %q", b.Text)
	}
}
