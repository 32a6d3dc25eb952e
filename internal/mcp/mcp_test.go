package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/modelbridge/bridge/internal/provider"
)

func weatherToolset(t *testing.T) *StaticToolset {
	t.Helper()
	toolset := NewStaticToolset()
	toolset.Add(Tool{
		Name:        "get_weather",
		Description: "Current weather for a city",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
	}, func(ctx context.Context, arguments string) (string, error) {
		var args struct {
			City string `json:"city"`
		}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", err
		}
		return args.City + ": 18C, overcast", nil
	})
	return toolset
}

func TestToolsOption(t *testing.T) {
	t.Parallel()

	tools, err := ToolsOption(context.Background(), weatherToolset(t))
	if err != nil {
		t.Fatalf("ToolsOption: %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("len(tools) = %d, want 1", len(tools))
	}
	if tools[0]["type"] != "function" {
		t.Errorf("type = %v, want function", tools[0]["type"])
	}
	function, _ := tools[0]["function"].(map[string]any)
	if function["name"] != "get_weather" {
		t.Errorf("name = %v", function["name"])
	}
	if function["parameters"] == nil {
		t.Error("parameters missing")
	}
}

func TestToolsOptionDefaultsEmptySchema(t *testing.T) {
	t.Parallel()

	toolset := NewStaticToolset()
	toolset.Add(Tool{Name: "noop"}, func(ctx context.Context, arguments string) (string, error) {
		return "ok", nil
	})

	tools, err := ToolsOption(context.Background(), toolset)
	if err != nil {
		t.Fatalf("ToolsOption: %v", err)
	}
	function, _ := tools[0]["function"].(map[string]any)
	schema, _ := function["parameters"].(json.RawMessage)
	if !strings.Contains(string(schema), `"object"`) {
		t.Errorf("parameters = %s, want object schema default", schema)
	}
}

func TestWithToolsDoesNotMutateOriginal(t *testing.T) {
	t.Parallel()

	opts := provider.Options{provider.OptModel: "gpt-4o"}
	merged, err := WithTools(context.Background(), weatherToolset(t), opts)
	if err != nil {
		t.Fatalf("WithTools: %v", err)
	}
	if _, ok := merged[provider.OptTools]; !ok {
		t.Error("merged options missing tools")
	}
	if merged.Model("") != "gpt-4o" {
		t.Error("existing options lost")
	}
	if _, ok := opts[provider.OptTools]; ok {
		t.Error("original options mutated")
	}
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	results := Dispatch(context.Background(), weatherToolset(t), []provider.ToolCall{
		{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Oslo"}`},
		{ID: "call_2", Name: "unknown_tool", Arguments: `{}`},
		{ID: "call_3", Name: "get_weather", Arguments: `{bad json`},
	})
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}

	if results[0].Err != nil || !strings.HasPrefix(results[0].Content, "Oslo:") {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].Err == nil {
		t.Error("unknown tool dispatched without error")
	}
	if results[2].Err == nil {
		t.Error("invalid JSON arguments dispatched without error")
	}
}

func TestResultMessage(t *testing.T) {
	t.Parallel()

	ok := Result{CallID: "call_1", Name: "get_weather", Content: "Oslo: 18C"}
	message := ok.Message()
	if message.Role != provider.RoleTool || message.ToolCallID != "call_1" {
		t.Errorf("message = %+v", message)
	}
	if message.Content != "Oslo: 18C" {
		t.Errorf("Content = %q", message.Content)
	}

	failed := Result{CallID: "call_2", Name: "get_weather", Err: errors.New("upstream down")}
	if !strings.Contains(failed.Message().Content, "failed") {
		t.Errorf("failure content = %q, want failure text", failed.Message().Content)
	}
}
