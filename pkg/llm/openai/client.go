package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/user/turnlog/pkg/llm"
)

// Client implements the llm.Provider interface for OpenAI-compatible APIs.
type Client struct {
	config     *llm.Config
	httpClient *http.Client
}

// New creates a new OpenAI-compatible client with the given configuration.
func New(config *llm.Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			// Streams can run long; the request context bounds them instead.
			Timeout: 10 * time.Minute,
		},
	}
}

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model         string           `json:"model"`
	Messages      []requestMessage `json:"messages"`
	Tools         []llm.Tool       `json:"tools,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   *float32         `json:"temperature,omitempty"`
	Stream        bool             `json:"stream"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// requestMessage is the OpenAI message format for requests.
type requestMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// streamChunk is one "data:" payload of a streamed completion.
type streamChunk struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
	Usage   *responseUsage `json:"usage"`
}

type streamChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role             string          `json:"role"`
	Content          string          `json:"content"`
	ReasoningContent string          `json:"reasoning_content"`
	ToolCalls        []toolCallDelta `json:"tool_calls"`
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// responseUsage is the OpenAI token usage format.
type responseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (c *Client) buildRequest(req *llm.Request) chatRequest {
	var reqMessages []requestMessage
	if req.System != "" {
		reqMessages = append(reqMessages, requestMessage{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		rm := requestMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if msg.Role == "tool" {
			rm.ToolCallID = msg.ToolCallID
			if rm.ToolCallID == "" && len(msg.Tools) > 0 {
				rm.ToolCallID = msg.Tools[0].ID
			}
		} else if len(msg.Tools) > 0 {
			rm.ToolCalls = msg.Tools
		}
		reqMessages = append(reqMessages, rm)
	}

	model := req.Model
	if model == "" {
		model = c.config.Model
	}
	body := chatRequest{
		Model:         model,
		Messages:      reqMessages,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	if len(req.Tools) > 0 {
		body.Tools = req.Tools
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.config.MaxTokens
	}
	if maxTokens > 0 {
		body.MaxTokens = maxTokens
	}

	temp := req.Temperature
	if temp == 0 {
		temp = c.config.Temperature
	}
	if temp != 0 {
		body.Temperature = &temp
	}
	return body
}

// Stream sends a streaming chat completion request and translates the
// server-sent chunks into normalized stream events.
func (c *Client) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := c.config.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: sending request: %v", llm.ErrProviderUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	ch := make(chan llm.StreamEvent, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		t := newTranslator(ctx, ch)
		t.run(resp.Body)
	}()
	return ch, nil
}

// translator holds the block bookkeeping for one streamed completion.
// OpenAI has no explicit block boundaries, so blocks are opened on first
// content and all closed when a finish_reason arrives.
type translator struct {
	ctx         context.Context
	out         chan<- llm.StreamEvent
	started     bool
	nextIndex   int
	textIndex   int
	reasonIndex int
	toolIndex   map[int]int
	open        map[int]bool
	stopReason  string
	usage       *llm.Usage
}

func newTranslator(ctx context.Context, out chan<- llm.StreamEvent) *translator {
	return &translator{
		ctx:         ctx,
		out:         out,
		textIndex:   -1,
		reasonIndex: -1,
		toolIndex:   make(map[int]int),
		open:        make(map[int]bool),
	}
}

func (t *translator) emit(ev llm.StreamEvent) bool {
	select {
	case t.out <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (t *translator) run(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			t.finish()
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.emit(llm.StreamEvent{Type: llm.EventError, Err: fmt.Errorf("parsing chunk: %w", err)})
			return
		}
		if !t.handle(&chunk) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		t.emit(llm.StreamEvent{Type: llm.EventError, Err: fmt.Errorf("reading stream: %w", err)})
	}
	// No [DONE]: the channel closes without turn_stop and the consumer
	// treats the turn as truncated.
}

func (t *translator) handle(chunk *streamChunk) bool {
	if !t.started {
		t.started = true
		if !t.emit(llm.StreamEvent{Type: llm.EventTurnStart, MessageID: chunk.ID, Model: chunk.Model}) {
			return false
		}
	}

	if chunk.Usage != nil {
		t.usage = &llm.Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
			TotalTokens:  chunk.Usage.TotalTokens,
		}
	}

	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		d := choice.Delta
		if d.ReasoningContent != "" {
			if t.reasonIndex < 0 {
				t.reasonIndex = t.openBlock(&llm.BlockStart{Kind: llm.BlockReasoning})
			}
			if !t.emit(llm.StreamEvent{Type: llm.EventBlockDelta, Index: t.reasonIndex, Delta: &llm.Delta{Kind: llm.DeltaReasoning, Text: d.ReasoningContent}}) {
				return false
			}
		}
		if d.Content != "" {
			if t.textIndex < 0 {
				t.textIndex = t.openBlock(&llm.BlockStart{Kind: llm.BlockText})
			}
			if !t.emit(llm.StreamEvent{Type: llm.EventBlockDelta, Index: t.textIndex, Delta: &llm.Delta{Kind: llm.DeltaText, Text: d.Content}}) {
				return false
			}
		}
		for _, tc := range d.ToolCalls {
			idx, ok := t.toolIndex[tc.Index]
			if !ok {
				idx = t.openBlock(&llm.BlockStart{Kind: llm.BlockToolUse, ToolCallID: tc.ID, ToolName: tc.Function.Name})
				t.toolIndex[tc.Index] = idx
			}
			if tc.Function.Arguments != "" {
				if !t.emit(llm.StreamEvent{Type: llm.EventBlockDelta, Index: idx, Delta: &llm.Delta{Kind: llm.DeltaToolArgs, PartialJSON: tc.Function.Arguments}}) {
					return false
				}
			}
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			t.stopReason = mapFinishReason(*choice.FinishReason)
			t.closeBlocks()
		}
	}
	return t.ctx.Err() == nil
}

func (t *translator) openBlock(start *llm.BlockStart) int {
	idx := t.nextIndex
	t.nextIndex++
	t.open[idx] = true
	t.emit(llm.StreamEvent{Type: llm.EventBlockStart, Index: idx, Block: start})
	return idx
}

func (t *translator) closeBlocks() {
	indexes := make([]int, 0, len(t.open))
	for idx := range t.open {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		t.emit(llm.StreamEvent{Type: llm.EventBlockStop, Index: idx})
		delete(t.open, idx)
	}
}

func (t *translator) finish() {
	if !t.started {
		t.started = true
		t.emit(llm.StreamEvent{Type: llm.EventTurnStart})
	}
	t.closeBlocks()
	if t.stopReason == "" {
		t.stopReason = "end_turn"
	}
	t.emit(llm.StreamEvent{Type: llm.EventTurnDelta, StopReason: t.stopReason, Usage: t.usage})
	t.emit(llm.StreamEvent{Type: llm.EventTurnStop, StopReason: t.stopReason, Usage: t.usage})
}

func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "tool_calls", "function_call":
		return "tool_use"
	case "length":
		return "max_tokens"
	default:
		return reason
	}
}
