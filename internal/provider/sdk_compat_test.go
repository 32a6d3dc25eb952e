package provider_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/modelbridge/bridge/internal/provider"
)

// The OpenAI driver speaks the same wire format the official SDKs do.
// These tests decode the driver's requests with go-openai's types and feed
// it responses marshaled from them, so any drift from the SDK contract
// fails here.

func newSDKTestDriver(baseURL string) provider.Driver {
	return provider.NewOpenAI(provider.Config{
		APIKey:  "sk-test-key",
		BaseURL: baseURL,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestOpenAIDriverRequestDecodesAsSDKRequest(t *testing.T) {
	t.Parallel()

	sdkReqCh := make(chan openai.ChatCompletionRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sdkReq openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&sdkReq); err != nil {
			t.Errorf("driver request is not SDK-decodable: %v", err)
		}
		sdkReqCh <- sdkReq

		sdkResp := openai.ChatCompletionResponse{
			ID:    "chatcmpl-test",
			Model: "gpt-4o-mini",
			Choices: []openai.ChatCompletionChoice{
				{
					Index: 0,
					Message: openai.ChatCompletionMessage{
						Role:    openai.ChatMessageRoleAssistant,
						Content: "hello from the sdk shape",
					},
					FinishReason: openai.FinishReasonStop,
				},
			},
			Usage: openai.Usage{PromptTokens: 5, CompletionTokens: 4, TotalTokens: 9},
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sdkResp); err != nil {
			t.Errorf("encode sdk response: %v", err)
		}
	}))
	t.Cleanup(server.Close)

	driver := newSDKTestDriver(server.URL)
	resp, err := driver.Send(context.Background(), []provider.Message{
		{Role: provider.RoleSystem, Content: "be brief"},
		{Role: provider.RoleUser, Content: "say hello"},
	}, provider.Options{
		provider.OptModel:       "gpt-4o-mini",
		provider.OptTemperature: 0.2,
		provider.OptMaxTokens:   64,
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if resp.Content != "hello from the sdk shape" {
		t.Fatalf("content = %q, want sdk response content", resp.Content)
	}
	if resp.FinishReason != provider.FinishStop {
		t.Fatalf("finish reason = %q, want stop", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 9 {
		t.Fatalf("total tokens = %d, want 9", resp.Usage.TotalTokens)
	}

	sdkReq := <-sdkReqCh
	if sdkReq.Model != "gpt-4o-mini" {
		t.Fatalf("sdk model = %q, want gpt-4o-mini", sdkReq.Model)
	}
	if len(sdkReq.Messages) != 2 {
		t.Fatalf("sdk messages = %d, want 2", len(sdkReq.Messages))
	}
	if sdkReq.Messages[0].Role != openai.ChatMessageRoleSystem || sdkReq.Messages[1].Role != openai.ChatMessageRoleUser {
		t.Fatalf("sdk roles = %q, %q; want system, user", sdkReq.Messages[0].Role, sdkReq.Messages[1].Role)
	}
	if sdkReq.MaxTokens != 64 {
		t.Fatalf("sdk max_tokens = %d, want 64", sdkReq.MaxTokens)
	}
	if sdkReq.Temperature != 0.2 {
		t.Fatalf("sdk temperature = %v, want 0.2", sdkReq.Temperature)
	}
}

func TestOpenAIDriverStreamReassemblesSDKChunks(t *testing.T) {
	t.Parallel()

	chunks := []openai.ChatCompletionStreamResponse{
		{
			Model: "gpt-4o-mini",
			Choices: []openai.ChatCompletionStreamChoice{
				{Index: 0, Delta: openai.ChatCompletionStreamChoiceDelta{Content: "Hel"}},
			},
		},
		{
			Model: "gpt-4o-mini",
			Choices: []openai.ChatCompletionStreamChoice{
				{Index: 0, Delta: openai.ChatCompletionStreamChoiceDelta{Content: "lo"}},
			},
		},
		{
			Model: "gpt-4o-mini",
			Choices: []openai.ChatCompletionStreamChoice{
				{Index: 0, FinishReason: openai.FinishReasonStop},
			},
			Usage: &openai.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
		},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			payload, err := json.Marshal(chunk)
			if err != nil {
				t.Errorf("marshal sdk chunk: %v", err)
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(server.Close)

	driver := newSDKTestDriver(server.URL)
	stream, err := driver.SendStream(context.Background(), []provider.Message{
		{Role: provider.RoleUser, Content: "say hello"},
	}, provider.Options{provider.OptModel: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("SendStream() error = %v", err)
	}
	defer func() { _ = stream.Close() }()

	for {
		if _, err := stream.Recv(); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
	}

	acc := stream.Accumulated()
	if acc.Content() != "Hello" {
		t.Fatalf("accumulated content = %q, want Hello", acc.Content())
	}
	if acc.FinishReason() != provider.FinishStop {
		t.Fatalf("finish reason = %q, want stop", acc.FinishReason())
	}
	if acc.Usage().TotalTokens != 6 {
		t.Fatalf("total tokens = %d, want 6", acc.Usage().TotalTokens)
	}
}
