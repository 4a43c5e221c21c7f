package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/user/turnlog/pkg/llm"
)

const defaultMaxTokens = 4096

// Provider implements llm.Provider on top of the Anthropic Messages API.
type Provider struct {
	client *anthropic.Client
	config *llm.Config
}

// New creates a provider from the shared LLM config. BaseURL is optional.
func New(config *llm.Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("%w: anthropic api key not set", llm.ErrProviderUnavailable)
	}

	opts := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &Provider{client: &client, config: config}, nil
}

// Stream opens a streaming Messages request and forwards normalized events.
func (p *Provider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamEvent, error) {
	params, err := buildMessageParams(p.config, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamEvent, 32)
	go func() {
		defer close(ch)

		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		var st streamState
		for stream.Next() {
			for _, ev := range st.translate(stream.Current()) {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- llm.StreamEvent{Type: llm.EventError, Err: fmt.Errorf("anthropic streaming error: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}
