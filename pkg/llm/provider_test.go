package llm

import (
	"context"
	"testing"
)

// MockProvider is a test double that satisfies the Provider interface.
type MockProvider struct {
	StreamFunc func(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}

func (m *MockProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req)
	}
	ch := make(chan StreamEvent, 5)
	ch <- StreamEvent{Type: EventTurnStart, MessageID: "msg_1", Model: req.Model}
	ch <- StreamEvent{Type: EventBlockStart, Index: 0, Block: &BlockStart{Kind: BlockText}}
	ch <- StreamEvent{Type: EventBlockDelta, Index: 0, Delta: &Delta{Kind: DeltaText, Text: "mock stream"}}
	ch <- StreamEvent{Type: EventBlockStop, Index: 0}
	ch <- StreamEvent{Type: EventTurnStop, StopReason: "end_turn"}
	close(ch)
	return ch, nil
}

func TestProviderInterface(t *testing.T) {
	var provider Provider = &MockProvider{}
	ctx := context.Background()
	req := &Request{Model: "test", Messages: []Message{{Role: "user", Content: "test"}}}

	stream, err := provider.Stream(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	var types []EventType
	var text string
	for ev := range stream {
		types = append(types, ev.Type)
		if ev.Delta != nil {
			text += ev.Delta.Text
		}
	}
	if len(types) != 5 {
		t.Fatalf("expected 5 events, got %d", len(types))
	}
	if types[0] != EventTurnStart || types[4] != EventTurnStop {
		t.Errorf("unexpected event order: %v", types)
	}
	if text != "mock stream" {
		t.Errorf("expected 'mock stream', got %q", text)
	}
}

func TestMockProviderError(t *testing.T) {
	mock := &MockProvider{
		StreamFunc: func(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
			return nil, ErrProviderUnavailable
		},
	}

	_, err := mock.Stream(context.Background(), &Request{})
	if err != ErrProviderUnavailable {
		t.Errorf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestConfig(t *testing.T) {
	cfg := Config{
		BaseURL:     "https://api.example.com",
		APIKey:      "sk-test",
		Model:       "gpt-4",
		MaxTokens:   1024,
		Temperature: 0.7,
	}
	if cfg.BaseURL != "https://api.example.com" {
		t.Errorf("unexpected BaseURL: %s", cfg.BaseURL)
	}
	if cfg.MaxTokens != 1024 {
		t.Errorf("unexpected MaxTokens: %d", cfg.MaxTokens)
	}
}
