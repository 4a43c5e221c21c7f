package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/user/turnlog/pkg/llm"
)

// buildMessageParams converts a provider-neutral request into Anthropic
// parameters. Request values win over config defaults.
func buildMessageParams(config *llm.Config, req *llm.Request) (anthropic.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("failed to convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = config.MaxTokens
	}
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	temp := req.Temperature
	if temp == 0 {
		temp = config.Temperature
	}
	if temp != 0 {
		params.Temperature = anthropic.Float(float64(temp))
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}

	return params, nil
}

// convertMessages maps chat history onto Anthropic's alternating
// user/assistant turns. Consecutive tool results collapse into one user
// message because the API requires all results for a turn together.
func convertMessages(messages []llm.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			result = append(result, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for i, msg := range messages {
		switch msg.Role {
		case "tool":
			id := msg.ToolCallID
			if id == "" && len(msg.Tools) > 0 {
				id = msg.Tools[0].ID
			}
			if id == "" {
				return nil, fmt.Errorf("message %d: tool result without tool call id", i)
			}
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(id, msg.Content, msg.IsError))

		case "assistant":
			flushResults()
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.Tools {
				var input any = map[string]any{}
				if len(tc.Function.Arguments) > 0 {
					input = json.RawMessage(tc.Function.Arguments)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))

		case "user":
			flushResults()
			if msg.Content == "" {
				continue
			}
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case "system":
			// carried in MessageNewParams.System
			continue

		default:
			return nil, fmt.Errorf("message %d: unsupported role %q", i, msg.Role)
		}
	}
	flushResults()

	return result, nil
}

func convertTools(tools []llm.Tool) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for i, tool := range tools {
		var schemaDoc map[string]any
		if len(tool.Function.Parameters) > 0 {
			if err := json.Unmarshal(tool.Function.Parameters, &schemaDoc); err != nil {
				return nil, fmt.Errorf("tool %d (%s): invalid parameters: %w", i, tool.Function.Name, err)
			}
		}

		schema := anthropic.ToolInputSchemaParam{
			Properties:  schemaDoc["properties"],
			ExtraFields: make(map[string]any),
		}
		if required, ok := schemaDoc["required"].([]any); ok {
			for _, v := range required {
				if s, ok := v.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		for key, value := range schemaDoc {
			if key != "type" && key != "properties" && key != "required" {
				schema.ExtraFields[key] = value
			}
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Function.Name)
		if tool.Function.Description != "" && param.OfTool != nil {
			param.OfTool.Description = anthropic.String(tool.Function.Description)
		}
		result = append(result, param)
	}
	return result, nil
}
