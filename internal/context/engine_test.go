package context

import (
	"context"
	"strings"
	"testing"

	"github.com/user/turnlog/internal/types"
)

var testSession = &types.SessionIndex{SessionID: "test-session", SessionKey: "api:alice", Agent: "default", Status: "active"}

func textRow(id, role, content string, seq int64) *types.Message {
	return &types.Message{ID: id, SessionID: "test-session", Role: role, MessageType: "text", Content: content, SequenceNumber: seq, EventID: types.EventID("evt-" + id)}
}

func toolRow(id, status, output string, seq int64) *types.Message {
	return &types.Message{
		ID: id, SessionID: "test-session", Role: "assistant", MessageType: "tool_call",
		Content:        output,
		SequenceNumber: seq,
		Metadata: map[string]any{
			"tool_name": "read_url",
			"input":     `{"url":"https://example.com"}`,
			"status":    status,
		},
	}
}

func TestBuildPromptBasic(t *testing.T) {
	e := New("gpt-4", 128000, 4096)
	rows := []*types.Message{
		textRow("u1", "user", "hello", 0),
		textRow("m1_0", "assistant", "hi there", 1),
	}

	system, messages, err := e.BuildPrompt(context.Background(), testSession, rows, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(system, "test-session") {
		t.Errorf("system prompt missing session id: %q", system)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Role != "user" || messages[0].Content != "hello" {
		t.Errorf("first message = %+v", messages[0])
	}
	if messages[1].Role != "assistant" || messages[1].Content != "hi there" {
		t.Errorf("second message = %+v", messages[1])
	}
}

func TestBuildPromptToolRows(t *testing.T) {
	e := New("gpt-4", 128000, 4096)
	rows := []*types.Message{
		textRow("u1", "user", "read example.com", 0),
		{ID: "m1_0", Role: "assistant", MessageType: "reasoning", Content: "thinking", SequenceNumber: 1},
		textRow("m1_1", "assistant", "Let me look.", 2),
		toolRow("toolu_1", "completed", "# Example", 4),
		toolRow("toolu_2", "failed", "error: 404", 6),
		toolRow("toolu_3", "requested", "", 7),
		textRow("m2_0", "assistant", "It says Example.", 8),
	}

	_, messages, err := e.BuildPrompt(context.Background(), testSession, rows, []string{"read_url"}, "")
	if err != nil {
		t.Fatal(err)
	}

	roles := make([]string, len(messages))
	for i, m := range messages {
		roles[i] = m.Role
	}
	want := "user,assistant,tool,tool,assistant"
	if got := strings.Join(roles, ","); got != want {
		t.Fatalf("roles = %s, want %s", got, want)
	}

	call := messages[1]
	if call.Content != "Let me look." || len(call.Tools) != 2 {
		t.Fatalf("assistant call message = %+v", call)
	}
	if call.Tools[0].ID != "toolu_1" || call.Tools[0].Function.Name != "read_url" {
		t.Errorf("tool call = %+v", call.Tools[0])
	}
	if string(call.Tools[0].Function.Arguments) != `{"url":"https://example.com"}` {
		t.Errorf("arguments = %s", call.Tools[0].Function.Arguments)
	}
	if messages[2].ToolCallID != "toolu_1" || messages[2].Content != "# Example" {
		t.Errorf("first result = %+v", messages[2])
	}
	if !messages[3].IsError {
		t.Error("failed tool row should produce an error result")
	}
}

func TestBuildPromptSkipsInFlightMessage(t *testing.T) {
	e := New("gpt-4", 128000, 4096)
	rows := []*types.Message{
		textRow("u1", "user", "first", 0),
		textRow("m1_0", "assistant", "reply", 1),
		textRow("u2", "user", "second", 2),
	}

	_, messages, err := e.BuildPrompt(context.Background(), testSession, rows, nil, "evt-u2")
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
}

func TestBuildPromptBudgetKeepsNewest(t *testing.T) {
	e := New("gpt-4", 0, 0)
	e.count = func(s string) int { return len(s) }
	e.maxTokens = 2000
	e.reserve = 0

	system, _ := e.SystemPrompt(testSession, nil)
	e.maxTokens = len(system) + 40 // leaves a 36 token budget

	rows := []*types.Message{
		textRow("u1", "user", strings.Repeat("a", 30), 0),
		textRow("m1_0", "assistant", strings.Repeat("b", 30), 1),
		textRow("u2", "user", "newest question", 2),
		textRow("m2_0", "assistant", "short", 3),
	}

	_, messages, err := e.BuildPrompt(context.Background(), testSession, rows, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 || messages[0].Content != "newest question" {
		t.Errorf("messages = %+v", messages)
	}
}

func TestSetPrompt(t *testing.T) {
	e := New("gpt-4", 128000, 4096)
	if err := e.SetPrompt("Session {{.SessionKey}} tools {{join .Tools \"|\"}}"); err != nil {
		t.Fatal(err)
	}
	got, err := e.SystemPrompt(testSession, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "Session api:alice tools a|b" {
		t.Errorf("prompt = %q", got)
	}
	if err := e.SetPrompt("{{.Broken"); err == nil {
		t.Error("expected parse error")
	}
}
