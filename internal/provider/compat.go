package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/modelbridge/bridge/internal/apierror"
	"github.com/modelbridge/bridge/internal/cost"
)

// openaiCompat implements Driver for any provider speaking the OpenAI
// chat-completions wire format. OpenAI and xAI both ride on it with their
// own base URL, pricing, and estimation constants.
type openaiCompat struct {
	name           string
	baseURL        string
	apiKey         string
	defaultModel   string
	splitRatio     float64
	contextWindows map[string]int
	defaultWindow  int

	httpClient *http.Client
	mapper     *apierror.Mapper
	calculator *cost.Calculator
	logger     *slog.Logger
}

func (d *openaiCompat) Name() string               { return d.name }
func (d *openaiCompat) EstimateSplitRatio() float64 { return d.splitRatio }

func (d *openaiCompat) ContextWindow(model string) int {
	if window, ok := d.contextWindows[strings.ToLower(strings.TrimSpace(model))]; ok {
		return window
	}
	return d.defaultWindow
}

// Wire types for the chat-completions endpoint.

type compatToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type compatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *compatUsage) toTokenUsage() TokenUsage {
	if u == nil {
		return TokenUsage{}
	}
	return TokenUsage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}.Normalize()
}

type compatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role      string           `json:"role"`
			Content   string           `json:"content"`
			ToolCalls []compatToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *compatUsage `json:"usage"`
}

type compatChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []compatToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *compatUsage `json:"usage"`
}

type compatModelList struct {
	Data []struct {
		ID      string `json:"id"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	} `json:"data"`
}

// compatWireMessages renders messages in the chat-completions shape.
// Assistant tool calls fold back into the nested function object the
// wire expects.
func compatWireMessages(messages []Message) []map[string]any {
	wire := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		entry := map[string]any{"role": string(msg.Role), "content": msg.Content}
		if msg.Name != "" {
			entry["name"] = msg.Name
		}
		if msg.ToolCallID != "" {
			entry["tool_call_id"] = msg.ToolCallID
		}
		if len(msg.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				callType := call.Type
				if callType == "" {
					callType = "function"
				}
				calls = append(calls, map[string]any{
					"id":   call.ID,
					"type": callType,
					"function": map[string]any{
						"name":      call.Name,
						"arguments": call.Arguments,
					},
				})
			}
			entry["tool_calls"] = calls
		}
		wire = append(wire, entry)
	}
	return wire
}

func (d *openaiCompat) buildPayload(messages []Message, opts Options, stream bool) map[string]any {
	model := opts.Model(d.defaultModel)
	messages = TrimToContextWindow(messages, d.ContextWindow(model))
	payload := map[string]any{
		"model":    model,
		"messages": compatWireMessages(messages),
	}
	opts.apply(payload)
	if stream {
		payload["stream"] = true
	}
	return payload
}

func (d *openaiCompat) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", d.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", d.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, d.mapper.Map(err)
	}
	return resp, nil
}

func (d *openaiCompat) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	return d.mapper.Map(&apierror.HTTPFailure{
		Provider:   d.name,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
	})
}

func (d *openaiCompat) Send(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	start := time.Now()

	resp, err := d.post(ctx, "/chat/completions", d.buildPayload(messages, opts, false))
	if err != nil {
		return nil, err
	}
	if err := d.checkStatus(resp); err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var parsed compatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, d.mapper.Map(fmt.Errorf("decode %s response: %w", d.name, err))
	}
	if len(parsed.Choices) == 0 {
		return nil, d.mapper.Map(fmt.Errorf("%s response contained no choices", d.name))
	}

	choice := parsed.Choices[0]
	usage := parsed.Usage.toTokenUsage()

	return &Response{
		Content:      choice.Message.Content,
		Model:        parsed.Model,
		FinishReason: FinishReason(choice.FinishReason),
		ToolCalls:    convertToolCalls(choice.Message.ToolCalls),
		Usage:        usage,
		Cost: d.calculator.Calculate(parsed.Model, cost.Usage{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		}),
		Latency:  time.Since(start),
		Metadata: map[string]any{"response_id": parsed.ID},
	}, nil
}

func (d *openaiCompat) SendStream(ctx context.Context, messages []Message, opts Options) (*Stream, error) {
	resp, err := d.post(ctx, "/chat/completions", d.buildPayload(messages, opts, true))
	if err != nil {
		return nil, err
	}
	if err := d.checkStatus(resp); err != nil {
		return nil, err
	}

	return newStream(resp.Body, d.parseChunk), nil
}

// parseChunk folds one SSE payload into the accumulator and snapshots it.
func (d *openaiCompat) parseChunk(data []byte, acc *Accumulator) (*Response, bool, error) {
	var chunk compatChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		// Malformed interleaved events are skipped rather than killing the
		// stream.
		return nil, false, nil
	}

	acc.SetModel(chunk.Model)
	if chunk.Usage != nil {
		acc.SetUsage(chunk.Usage.toTokenUsage())
	}

	deltaContent := ""
	terminal := false
	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		deltaContent = choice.Delta.Content
		acc.AddContent(deltaContent)
		for _, call := range choice.Delta.ToolCalls {
			index := 0
			if call.Index != nil {
				index = *call.Index
			}
			acc.MergeToolCall(index, call.ID, call.Type, call.Function.Name, call.Function.Arguments)
		}
		if reason := FinishReason(choice.FinishReason); reason != "" {
			acc.SetFinishReason(reason)
			terminal = reason.Terminal()
		}
	}

	usage := acc.Usage()
	return &Response{
		Content:      deltaContent,
		Model:        acc.Model(),
		FinishReason: acc.FinishReason(),
		ToolCalls:    acc.ToolCalls(),
		Usage:        usage,
		Cost: d.calculator.Calculate(acc.Model(), cost.Usage{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		}),
	}, terminal, nil
}

func (d *openaiCompat) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create %s models request: %w", d.name, err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, d.mapper.Map(err)
	}
	if err := d.checkStatus(resp); err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var parsed compatModelList
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, d.mapper.Map(fmt.Errorf("decode %s models response: %w", d.name, err))
	}

	models := make([]Model, 0, len(parsed.Data))
	for _, item := range parsed.Data {
		models = append(models, Model{
			ID:            item.ID,
			DisplayName:   item.ID,
			OwnedBy:       item.OwnedBy,
			ContextLength: d.ContextWindow(item.ID),
			Created:       time.Unix(item.Created, 0).UTC(),
		})
	}
	return models, nil
}

func convertToolCalls(calls []compatToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, call := range calls {
		out = append(out, ToolCall{
			ID:        call.ID,
			Type:      call.Type,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return out
}
