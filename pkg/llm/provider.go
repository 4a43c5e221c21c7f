package llm

import (
	"context"
	"errors"
)

// ErrProviderUnavailable is returned when a provider cannot be reached or
// rejects the request before any stream event is produced.
var ErrProviderUnavailable = errors.New("llm: provider unavailable")

// Provider defines the interface for interacting with LLM backends.
// Implementations translate their wire protocol into the normalized
// StreamEvent sequence so callers never see provider-specific chunk shapes.
type Provider interface {
	// Stream sends a request and returns a channel of stream events. The
	// channel is closed after a turn_stop event, an error event, or when ctx
	// is cancelled.
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}

// Request is a single model invocation.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []Tool
	MaxTokens   int
	Temperature float32
}
