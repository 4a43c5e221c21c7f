// Package context assembles token-budgeted prompts from a session's
// messages projection.
package context

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/turnlog/internal/types"
	"github.com/user/turnlog/pkg/llm"
)

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	count     func(string) int
	maxTokens int
	reserve   int
	tmpl      *template.Template
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4"); when no
// tokenizer can be loaded, tokens are estimated at four bytes each.
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int) *Engine {
	e := &Engine{
		count:     estimateTokens,
		maxTokens: maxTokens,
		reserve:   reserve,
		tmpl:      template.Must(newTemplate().Parse(DefaultPrompt)),
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		slog.Warn("tokenizer unavailable, estimating token counts", "model", model, "error", err)
		return e
	}
	e.count = func(s string) int { return len(enc.Encode(s, nil, nil)) }
	return e
}

func newTemplate() *template.Template {
	return template.New("system").Funcs(template.FuncMap{"join": strings.Join})
}

func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// SetPrompt replaces the system prompt template.
func (e *Engine) SetPrompt(text string) error {
	tmpl, err := newTemplate().Parse(text)
	if err != nil {
		return fmt.Errorf("parse prompt template: %w", err)
	}
	e.tmpl = tmpl
	return nil
}

// PromptData is what the system prompt template renders.
type PromptData struct {
	Time       string
	SessionID  string
	SessionKey string
	Tools      []string
}

// SystemPrompt renders the system prompt for session.
func (e *Engine) SystemPrompt(session *types.SessionIndex, toolNames []string) (string, error) {
	var b strings.Builder
	err := e.tmpl.Execute(&b, PromptData{
		Time:       time.Now().Format(time.RFC3339),
		SessionID:  string(session.SessionID),
		SessionKey: string(session.SessionKey),
		Tools:      toolNames,
	})
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return b.String(), nil
}

// BuildPrompt renders the system prompt and converts projection rows into
// provider messages. The most recent history that fits the budget is kept,
// starting at a user message. Rows produced by skip are left out so the
// caller can append the in-flight user message itself.
func (e *Engine) BuildPrompt(
	_ context.Context,
	session *types.SessionIndex,
	rows []*types.Message,
	toolNames []string,
	skip types.EventID,
) (string, []llm.Message, error) {
	system, err := e.SystemPrompt(session, toolNames)
	if err != nil {
		return "", nil, err
	}

	remaining := e.maxTokens - e.reserve - e.count(system)
	// 10% safety margin for per-message overhead
	budget := int(float64(remaining) * 0.9)

	history := rowsToMessages(rows, skip)
	start := len(history)
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		n := e.messageTokens(history[i])
		if used+n > budget {
			break
		}
		used += n
		start = i
	}
	history = history[start:]

	// Never open on a tool result or an assistant reply.
	for len(history) > 0 && history[0].Role != "user" {
		history = history[1:]
	}
	return system, history, nil
}

func (e *Engine) messageTokens(m llm.Message) int {
	n := e.count(m.Content)
	for _, tc := range m.Tools {
		n += e.count(tc.Function.Name)
		n += e.count(string(tc.Function.Arguments))
	}
	return n
}

// rowsToMessages maps rows (in sequence order) to provider messages. Text
// rows of one assistant reply are joined, tool rows become a call on the
// open assistant message plus a tool result. Reasoning rows and tool calls
// that never got a response are dropped.
func rowsToMessages(rows []*types.Message, skip types.EventID) []llm.Message {
	var out []llm.Message
	open := -1 // index of the assistant message tool calls attach to

	for _, row := range rows {
		if skip != "" && row.EventID == skip {
			continue
		}
		switch {
		case row.Role == "user":
			out = append(out, llm.Message{Role: "user", Content: row.Content})
			open = -1

		case row.MessageType == "text":
			last := len(out) - 1
			if last >= 0 && last == open && len(out[last].Tools) == 0 {
				out[last].Content += "\n\n" + row.Content
				continue
			}
			out = append(out, llm.Message{Role: "assistant", Content: row.Content})
			open = len(out) - 1

		case row.MessageType == "tool_call":
			status, _ := row.Metadata["status"].(string)
			if status != "completed" && status != "failed" {
				continue
			}
			if !onlyToolsAfter(out, open) {
				out = append(out, llm.Message{Role: "assistant"})
				open = len(out) - 1
			}
			out[open].Tools = append(out[open].Tools, toolCallFromRow(row))
			out = append(out, llm.Message{
				Role:       "tool",
				Content:    row.Content,
				ToolCallID: row.ID,
				IsError:    status == "failed",
			})
		}
	}
	return out
}

// onlyToolsAfter reports whether open is a live assistant message followed
// only by tool results.
func onlyToolsAfter(out []llm.Message, open int) bool {
	if open < 0 {
		return false
	}
	for _, m := range out[open+1:] {
		if m.Role != "tool" {
			return false
		}
	}
	return true
}

func toolCallFromRow(row *types.Message) llm.ToolCall {
	name, _ := row.Metadata["tool_name"].(string)
	args := json.RawMessage(`{}`)
	if input, ok := row.Metadata["input"].(string); ok && json.Valid([]byte(input)) {
		args = json.RawMessage(input)
	}
	return llm.ToolCall{
		ID:   row.ID,
		Type: "function",
		Function: llm.FunctionCall{
			Name:      name,
			Arguments: args,
		},
	}
}
