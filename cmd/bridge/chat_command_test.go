package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

func chatTestConfig(t *testing.T, baseURL, extra string) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "bridge.db")
	return writeConfigFile(t, fmt.Sprintf(
		"providers:\n  openai:\n    api_key: test-key\n    base_url: %s\nstorage:\n  driver: sqlite\n  path: %s\n%s",
		baseURL, dbPath, extra,
	))
}

func TestChatSendsPromptAndPrintsReply(t *testing.T) {
	var capturedAuth string
	var capturedPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		capturedAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&capturedPayload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprint(w, `{
			"id": "resp-1",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hi there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}))
	t.Cleanup(server.Close)

	configPath := chatTestConfig(t, server.URL, "")

	var out, errOut bytes.Buffer
	code := runChat([]string{"--config", configPath, "--system", "be brief", "say hi"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("chat = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if !strings.Contains(out.String(), "Hi there") {
		t.Fatalf("output = %q, want reply content", out.String())
	}
	if capturedAuth != "Bearer test-key" {
		t.Fatalf("auth header = %q, want Bearer test-key", capturedAuth)
	}

	messages, ok := capturedPayload["messages"].([]any)
	if !ok || len(messages) != 2 {
		t.Fatalf("messages = %v, want system + user turns", capturedPayload["messages"])
	}
	if !strings.Contains(errOut.String(), "10 in / 5 out") {
		t.Fatalf("stderr = %q, want token summary", errOut.String())
	}
}

func TestChatStreamPrintsDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":2,\"total_tokens\":6}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(server.Close)

	configPath := chatTestConfig(t, server.URL, "")

	var out, errOut bytes.Buffer
	code := runChat([]string{"--config", configPath, "--stream", "say hello"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("chat --stream = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if !strings.Contains(out.String(), "Hello") && !strings.Contains(out.String(), "Hel") {
		t.Fatalf("output = %q, want streamed content", out.String())
	}
}

func TestChatProviderErrorSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"message": "invalid api key", "type": "invalid_request_error", "code": "invalid_api_key"}}`)
	}))
	t.Cleanup(server.Close)

	configPath := chatTestConfig(t, server.URL, "")

	var out, errOut bytes.Buffer
	code := runChat([]string{"--config", configPath, "say hi"}, &out, &errOut)
	if code != 1 {
		t.Fatalf("chat = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "openai call failed") {
		t.Fatalf("stderr = %q, want provider error", errOut.String())
	}
}

func TestChatToolCallRoundTrip(t *testing.T) {
	var payloads []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		payloads = append(payloads, payload)
		if len(payloads) == 1 {
			fmt.Fprint(w, `{
				"id": "resp-1",
				"model": "gpt-4o-mini",
				"choices": [{"index": 0, "message": {"role": "assistant", "content": "", "tool_calls": [{"id": "call-1", "type": "function", "function": {"name": "local_time", "arguments": "{}"}}]}, "finish_reason": "tool_calls"}],
				"usage": {"prompt_tokens": 12, "completion_tokens": 6, "total_tokens": 18}
			}`)
			return
		}
		fmt.Fprint(w, `{
			"id": "resp-2",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "It is just past noon."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 5, "total_tokens": 25}
		}`)
	}))
	t.Cleanup(server.Close)

	configPath := chatTestConfig(t, server.URL, "")

	var out, errOut bytes.Buffer
	code := runChat([]string{"--config", configPath, "--tools", "what time is it"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("chat --tools = %d, want 0 (stderr: %s)", code, errOut.String())
	}
	if len(payloads) != 2 {
		t.Fatalf("upstream calls = %d, want 2", len(payloads))
	}
	if _, ok := payloads[0]["tools"]; !ok {
		t.Error("first request carried no tool definitions")
	}

	messages, ok := payloads[1]["messages"].([]any)
	if !ok {
		t.Fatalf("second request messages = %T", payloads[1]["messages"])
	}
	var sawAssistantCalls, sawToolResult bool
	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch msg["role"] {
		case "assistant":
			if _, ok := msg["tool_calls"]; ok {
				sawAssistantCalls = true
			}
		case "tool":
			if msg["tool_call_id"] == "call-1" {
				sawToolResult = true
			}
		}
	}
	if !sawAssistantCalls {
		t.Error("second request missing the assistant turn with its tool calls")
	}
	if !sawToolResult {
		t.Error("second request missing the tool result turn")
	}

	if !strings.Contains(out.String(), "It is just past noon.") {
		t.Fatalf("output = %q, want final answer", out.String())
	}
	if !strings.Contains(errOut.String(), "32 in / 11 out") {
		t.Fatalf("stderr = %q, want summed token summary", errOut.String())
	}
}

func TestChatUnconfiguredProvider(t *testing.T) {
	configPath := sqliteConfig(t, "")

	var out, errOut bytes.Buffer
	code := runChat([]string{"--config", configPath, "--provider", "anthropic", "say hi"}, &out, &errOut)
	if code != 1 {
		t.Fatalf("chat = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "not configured") {
		t.Fatalf("stderr = %q, want unconfigured provider error", errOut.String())
	}
}

func TestChatDailyBudgetBlocksAfterRecordedSpend(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{
			"id": "resp-1",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "ok"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}))
	t.Cleanup(server.Close)

	configPath := chatTestConfig(t, server.URL, "budgets:\n  global:\n    max_tokens_per_day: 12\n")

	var out, errOut bytes.Buffer
	// The first call fits under the ceiling and its 15 tokens land in the
	// ledger on shutdown; the second call must be blocked before sending.
	if code := runChat([]string{"--config", configPath, "say hi"}, &out, &errOut); code != 0 {
		t.Fatalf("first chat = %d, want 0 (stderr: %s)", code, errOut.String())
	}

	errOut.Reset()
	code := runChat([]string{"--config", configPath, "say hi"}, &out, &errOut)
	if code != 1 {
		t.Fatalf("second chat = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "DAILY_TOKENS_EXCEEDED") {
		t.Fatalf("stderr = %q, want DAILY_TOKENS_EXCEEDED", errOut.String())
	}
	if calls != 1 {
		t.Fatalf("upstream calls = %d, want 1", calls)
	}
}

func TestChatRequiresPrompt(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runChat(nil, &out, &errOut); code != 2 {
		t.Fatalf("chat = %d, want 2", code)
	}
}
