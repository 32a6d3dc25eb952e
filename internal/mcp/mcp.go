// Package mcp bridges tool providers into the model calling contract:
// tool definitions go out with the request, tool calls come back as
// dispatchable invocations. Server process management is out of scope.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelbridge/bridge/internal/provider"
)

// Tool is one callable tool definition. InputSchema is a JSON Schema
// object describing the arguments.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Toolset lists tool definitions and dispatches calls against them.
type Toolset interface {
	Tools(ctx context.Context) ([]Tool, error)
	// Call dispatches one tool invocation. arguments is the raw JSON
	// argument object as produced by the model.
	Call(ctx context.Context, name string, arguments string) (string, error)
}

// ToolsOption renders the toolset's definitions into the wire shape the
// providers' tools option expects.
func ToolsOption(ctx context.Context, toolset Toolset) ([]map[string]any, error) {
	tools, err := toolset.Tools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	if len(tools) == 0 {
		return nil, nil
	}

	out := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  schema,
			},
		})
	}
	return out, nil
}

// WithTools returns a copy of opts carrying the toolset's definitions.
// The original options map is not mutated.
func WithTools(ctx context.Context, toolset Toolset, opts provider.Options) (provider.Options, error) {
	tools, err := ToolsOption(ctx, toolset)
	if err != nil {
		return nil, err
	}
	merged := make(provider.Options, len(opts)+1)
	for key, value := range opts {
		merged[key] = value
	}
	if len(tools) > 0 {
		merged[provider.OptTools] = tools
	}
	return merged, nil
}

// Result is one dispatched tool call, ready to feed back into the
// conversation as a tool message.
type Result struct {
	CallID  string
	Name    string
	Content string
	Err     error
}

// Message renders the result as the tool-role turn the next request
// needs. Errors surface as content so the model can recover.
func (r Result) Message() provider.Message {
	content := r.Content
	if r.Err != nil {
		content = fmt.Sprintf("tool %s failed: %v", r.Name, r.Err)
	}
	return provider.Message{
		Role:       provider.RoleTool,
		Content:    content,
		Name:       r.Name,
		ToolCallID: r.CallID,
	}
}

// Dispatch runs every accumulated tool call against the toolset. Each
// call gets its own Result; one failing call does not stop the rest.
func Dispatch(ctx context.Context, toolset Toolset, calls []provider.ToolCall) []Result {
	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		result := Result{CallID: call.ID, Name: call.Name}
		if !json.Valid([]byte(call.Arguments)) && call.Arguments != "" {
			result.Err = fmt.Errorf("arguments are not valid JSON")
			results = append(results, result)
			continue
		}
		result.Content, result.Err = toolset.Call(ctx, call.Name, call.Arguments)
		results = append(results, result)
	}
	return results
}

// StaticToolset serves a fixed tool list with per-tool handler funcs.
// It covers in-process tools and tests; remote toolsets implement
// Toolset directly.
type StaticToolset struct {
	tools    []Tool
	handlers map[string]func(ctx context.Context, arguments string) (string, error)
}

func NewStaticToolset() *StaticToolset {
	return &StaticToolset{
		handlers: map[string]func(ctx context.Context, arguments string) (string, error){},
	}
}

func (s *StaticToolset) Add(tool Tool, handler func(ctx context.Context, arguments string) (string, error)) {
	s.tools = append(s.tools, tool)
	s.handlers[tool.Name] = handler
}

func (s *StaticToolset) Tools(ctx context.Context) ([]Tool, error) {
	out := make([]Tool, len(s.tools))
	copy(out, s.tools)
	return out, nil
}

func (s *StaticToolset) Call(ctx context.Context, name string, arguments string) (string, error) {
	handler, ok := s.handlers[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	return handler(ctx, arguments)
}
