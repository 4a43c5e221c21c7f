package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/user/turnlog/internal/events"
	"github.com/user/turnlog/internal/stream"
	"github.com/user/turnlog/pkg/llm"
)

// Tool defines the interface for an executable tool.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry holds registered tools and provides lookup.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	var names []string
	for _, t := range r.All() {
		names = append(names, t.Name())
	}
	return names
}

// AsLLMTools converts registered tools to the LLM provider format.
func (r *Registry) AsLLMTools() []llm.Tool {
	all := r.All()
	out := make([]llm.Tool, 0, len(all))
	for _, t := range all {
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.Function{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}

// Invoke runs the tool a finalized tool-use block asks for. Failures become
// error responses so the model sees them on the next round.
func (r *Registry) Invoke(ctx context.Context, call stream.Block) (resp events.ToolResponded) {
	resp = events.ToolResponded{ToolCallID: call.ToolCallID, ToolName: call.ToolName}
	start := time.Now()
	defer func() { resp.DurationMS = time.Since(start).Milliseconds() }()

	tool, ok := r.Get(call.ToolName)
	if !ok {
		resp.Output = fmt.Sprintf("error: unknown tool %q", call.ToolName)
		resp.IsError = true
		return resp
	}

	args, err := json.Marshal(call.Input)
	if err != nil {
		resp.Output = fmt.Sprintf("error: encode arguments: %v", err)
		resp.IsError = true
		return resp
	}

	out, err := tool.Execute(ctx, args)
	if err != nil {
		resp.Output = fmt.Sprintf("error: %v", err)
		resp.IsError = true
		return resp
	}
	resp.Output = out
	return resp
}
