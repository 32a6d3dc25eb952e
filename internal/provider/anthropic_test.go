package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestAnthropic(t *testing.T, handler http.HandlerFunc) Driver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAnthropic(Config{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Logger:  discardLogger(),
	})
}

func TestAnthropicSend(t *testing.T) {
	t.Parallel()

	var captured map[string]any
	driver := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q, want /v1/messages", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("anthropic-version = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)

		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"model": "claude-3-5-sonnet-20241022",
			"content": [{"type": "text", "text": "hei"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 1000, "output_tokens": 500}
		}`))
	})

	messages := []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
	}
	resp, err := driver.Send(context.Background(), messages, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if captured["system"] != "be brief" {
		t.Errorf("system = %v, want be brief", captured["system"])
	}
	wireMessages, _ := captured["messages"].([]any)
	if len(wireMessages) != 1 {
		t.Errorf("len(messages) = %d, want 1 after system extraction", len(wireMessages))
	}
	if _, ok := captured["max_tokens"]; !ok {
		t.Error("max_tokens missing; the messages API requires it")
	}

	if resp.Content != "hei" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.FinishReason != FinishStop {
		t.Errorf("FinishReason = %q, want stop (from end_turn)", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 1500 {
		t.Errorf("TotalTokens = %d, want 1500", resp.Usage.TotalTokens)
	}
	// claude-3-5-sonnet token rates over 1000 input and 500 output tokens.
	if resp.Cost.TotalCost == 0 || !resp.Cost.PricingAvailable {
		t.Errorf("Cost = %+v, want priced breakdown", resp.Cost)
	}
}

func TestAnthropicSendToolUse(t *testing.T) {
	t.Parallel()

	driver := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"model": "claude-3-5-sonnet",
			"content": [
				{"type": "text", "text": "checking"},
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Oslo"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 20, "output_tokens": 15}
		}`))
	})

	resp, err := driver.Send(context.Background(), []Message{{Role: RoleUser, Content: "weather?"}}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.FinishReason != FinishToolCalls {
		t.Errorf("FinishReason = %q, want tool_calls (from tool_use)", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.Name != "get_weather" || call.ID != "toolu_1" {
		t.Errorf("call = %+v", call)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		t.Fatalf("unmarshal arguments %q: %v", call.Arguments, err)
	}
	if args["city"] != "Oslo" {
		t.Errorf("city = %q, want Oslo", args["city"])
	}
}

func TestAnthropicStream(t *testing.T) {
	t.Parallel()

	driver := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		write := func(event, data string) {
			_, _ = io.WriteString(w, "event: "+event+"\n")
			_, _ = io.WriteString(w, "data: "+data+"\n\n")
		}
		write("message_start", `{"type":"message_start","message":{"model":"claude-3-5-sonnet","usage":{"input_tokens":25,"output_tokens":0}}}`)
		write("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`)
		write("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`)
		write("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`)
		write("message_stop", `{"type":"message_stop"}`)
	})

	stream, err := driver.SendStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("SendStream: %v", err)
	}
	defer func() { _ = stream.Close() }()

	for {
		if _, err := stream.Recv(); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			t.Fatalf("Recv: %v", err)
		}
	}

	acc := stream.Accumulated()
	if acc.Content() != "Hello" {
		t.Errorf("Content = %q, want Hello", acc.Content())
	}
	if acc.FinishReason() != FinishStop {
		t.Errorf("FinishReason = %q, want stop", acc.FinishReason())
	}
	usage := acc.Usage()
	if usage.InputTokens != 25 || usage.OutputTokens != 2 {
		t.Errorf("Usage = %+v, want 25 in / 2 out", usage)
	}
}

func TestAnthropicStreamToolUse(t *testing.T) {
	t.Parallel()

	driver := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		write := func(data string) {
			_, _ = io.WriteString(w, "data: "+data+"\n\n")
		}
		write(`{"type":"message_start","message":{"model":"claude-3-5-sonnet","usage":{"input_tokens":30,"output_tokens":0}}}`)
		write(`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_2","name":"get_weather"}}`)
		write(`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`)
		write(`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"Oslo\"}"}}`)
		write(`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":12}}`)
		write(`{"type":"message_stop"}`)
	})

	stream, err := driver.SendStream(context.Background(), []Message{{Role: RoleUser, Content: "weather?"}}, nil)
	if err != nil {
		t.Fatalf("SendStream: %v", err)
	}
	defer func() { _ = stream.Close() }()

	for {
		if _, err := stream.Recv(); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			t.Fatalf("Recv: %v", err)
		}
	}

	calls := stream.Accumulated().ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("len(calls) = %d, want 1", len(calls))
	}
	if calls[0].Name != "get_weather" || calls[0].ID != "toolu_2" {
		t.Errorf("call = %+v", calls[0])
	}
	if calls[0].Arguments != `{"city":"Oslo"}` {
		t.Errorf("Arguments = %q", calls[0].Arguments)
	}
	if got := stream.Accumulated().FinishReason(); got != FinishToolCalls {
		t.Errorf("FinishReason = %q, want tool_calls", got)
	}
}

func TestAnthropicBuildPayloadTrimsOversizedHistory(t *testing.T) {
	t.Parallel()

	driver := NewAnthropic(Config{APIKey: "k", Logger: discardLogger()}).(*anthropic)
	// An unknown model rides the default window, shrunk so a short
	// history overflows it.
	driver.defaultModel = "claude-test"
	driver.defaultWindow = 60

	filler := strings.Repeat("a", 100)
	messages := []Message{
		{Role: RoleSystem, Content: "keep answers short"},
		{Role: RoleUser, Content: filler},
		{Role: RoleUser, Content: filler},
		{Role: RoleUser, Content: "latest question"},
	}

	payload := driver.buildPayload(messages, nil, false)
	wire, ok := payload["messages"].([]map[string]any)
	if !ok {
		t.Fatalf("messages = %T, want wire slice", payload["messages"])
	}
	if len(wire) >= 3 {
		t.Fatalf("wire messages = %d, want oldest turns dropped", len(wire))
	}
	if got := wire[len(wire)-1]["content"]; got != "latest question" {
		t.Errorf("last wire content = %v, want the newest user turn", got)
	}
	if payload["system"] != "keep answers short" {
		t.Errorf("system = %v, want retained", payload["system"])
	}
}

func TestAnthropicContextWindow(t *testing.T) {
	t.Parallel()

	driver := NewAnthropic(Config{APIKey: "k", Logger: discardLogger()})
	cases := []struct {
		model string
		want  int
	}{
		{"claude-3-5-sonnet", 200000},
		{"claude-3-5-sonnet-20241022", 200000},
		{"claude-unheard-of", 200000},
	}
	for _, tc := range cases {
		if got := driver.ContextWindow(tc.model); got != tc.want {
			t.Errorf("ContextWindow(%q) = %d, want %d", tc.model, got, tc.want)
		}
	}
}
