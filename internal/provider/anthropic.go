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
	"github.com/modelbridge/bridge/internal/pricing"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicDefaultModel   = "claude-3-5-sonnet"
	anthropicVersion        = "2023-06-01"
	anthropicSplitRatio     = 0.70
	anthropicMaxTokens      = 4096
)

var anthropicContextWindows = map[string]int{
	"claude-3-5-sonnet": 200000,
	"claude-3-5-haiku":  200000,
	"claude-3-opus":     200000,
	"claude-3-sonnet":   200000,
	"claude-3-haiku":    200000,
}

type anthropic struct {
	baseURL       string
	apiKey        string
	defaultModel  string
	defaultWindow int

	httpClient *http.Client
	mapper     *apierror.Mapper
	calculator *cost.Calculator
	logger     *slog.Logger
}

// NewAnthropic returns a Driver for the Anthropic messages API.
func NewAnthropic(cfg Config) Driver {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	logger := cfg.logger()
	return &anthropic{
		baseURL:       baseURL,
		apiKey:        cfg.APIKey,
		defaultModel:  anthropicDefaultModel,
		defaultWindow: 200000,
		httpClient:    cfg.httpClient(),
		mapper:        apierror.NewMapper("anthropic", logger),
		calculator:    cost.NewCalculator(cfg.pricingOr(pricing.AnthropicSource()), logger),
		logger:        logger,
	}
}

func (d *anthropic) Name() string                { return "anthropic" }
func (d *anthropic) EstimateSplitRatio() float64 { return anthropicSplitRatio }

func (d *anthropic) ContextWindow(model string) int {
	key := pricing.NormalizeModel(model)
	if window, ok := anthropicContextWindows[key]; ok {
		return window
	}
	for prefix, window := range anthropicContextWindows {
		if strings.HasPrefix(key, prefix) {
			return window
		}
	}
	return d.defaultWindow
}

// Wire types for the messages endpoint.

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

func anthropicFinishReason(stopReason string) FinishReason {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	case "":
		return ""
	default:
		return FinishReason(stopReason)
	}
}

// buildPayload splits system messages into the top-level system field the
// messages API requires and maps the shared option keys onto its names.
func (d *anthropic) buildPayload(messages []Message, opts Options, stream bool) map[string]any {
	model := opts.Model(d.defaultModel)
	messages = TrimToContextWindow(messages, d.ContextWindow(model))

	var system []string
	wire := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		switch {
		case msg.Role == RoleSystem:
			system = append(system, msg.Content)
		case msg.Role == RoleTool:
			// Tool results ride as tool_result blocks in a user turn.
			wire = append(wire, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Content,
				}},
			})
		case msg.Role == RoleAssistant && len(msg.ToolCalls) > 0:
			blocks := make([]map[string]any, 0, len(msg.ToolCalls)+1)
			if msg.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": msg.Content})
			}
			for _, call := range msg.ToolCalls {
				input := json.RawMessage(call.Arguments)
				if len(input) == 0 || !json.Valid(input) {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    call.ID,
					"name":  call.Name,
					"input": input,
				})
			}
			wire = append(wire, map[string]any{"role": "assistant", "content": blocks})
		default:
			wire = append(wire, map[string]any{"role": string(msg.Role), "content": msg.Content})
		}
	}

	payload := map[string]any{
		"model":      model,
		"messages":   wire,
		"max_tokens": anthropicMaxTokens,
	}
	if len(system) > 0 {
		payload["system"] = strings.Join(system, "\n\n")
	}
	if maxTokens, ok := opts.MaxTokens(); ok && maxTokens > 0 {
		payload["max_tokens"] = maxTokens
	}
	for _, key := range []string{OptTemperature, OptTopP, OptToolChoice} {
		if value, ok := opts[key]; ok {
			payload[key] = value
		}
	}
	if value, ok := opts[OptTools]; ok {
		payload["tools"] = anthropicTools(value)
	}
	if stop, ok := opts[OptStop]; ok {
		payload["stop_sequences"] = stop
	}
	if stream {
		payload["stream"] = true
	}
	return payload
}

// anthropicTools rewrites chat-completions function definitions into the
// messages-API tool shape. Values already in that shape, or of an
// unrecognized type, pass through untouched.
func anthropicTools(value any) any {
	defs, ok := value.([]map[string]any)
	if !ok {
		return value
	}
	out := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		fn, ok := def["function"].(map[string]any)
		if !ok {
			out = append(out, def)
			continue
		}
		tool := map[string]any{"name": fn["name"]}
		if desc, ok := fn["description"]; ok {
			tool["description"] = desc
		}
		if params, ok := fn["parameters"]; ok {
			tool["input_schema"] = params
		}
		out = append(out, tool)
	}
	return out
}

func (d *anthropic) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", d.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, d.mapper.Map(err)
	}
	return resp, nil
}

func (d *anthropic) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	return d.mapper.Map(&apierror.HTTPFailure{
		Provider:   "anthropic",
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
	})
}

func (d *anthropic) Send(ctx context.Context, messages []Message, opts Options) (*Response, error) {
	start := time.Now()

	resp, err := d.post(ctx, "/v1/messages", d.buildPayload(messages, opts, false))
	if err != nil {
		return nil, err
	}
	if err := d.checkStatus(resp); err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, d.mapper.Map(fmt.Errorf("decode anthropic response: %w", err))
	}

	var content strings.Builder
	var toolCalls []ToolCall
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			toolCalls = append(toolCalls, ToolCall{
				ID:        block.ID,
				Type:      "function",
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}

	usage := TokenUsage{
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}.Normalize()

	return &Response{
		Content:      content.String(),
		Model:        parsed.Model,
		FinishReason: anthropicFinishReason(parsed.StopReason),
		ToolCalls:    toolCalls,
		Usage:        usage,
		Cost: d.calculator.Calculate(parsed.Model, cost.Usage{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		}),
		Latency:  time.Since(start),
		Metadata: map[string]any{"response_id": parsed.ID},
	}, nil
}

// Streaming event payloads. The event name rides inside the data payload as
// a type field, so the SSE event: lines can be ignored.

type anthropicEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	ContentBlock *anthropicContentBlock `json:"content_block"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage"`
}

func (d *anthropic) SendStream(ctx context.Context, messages []Message, opts Options) (*Stream, error) {
	resp, err := d.post(ctx, "/v1/messages", d.buildPayload(messages, opts, true))
	if err != nil {
		return nil, err
	}
	if err := d.checkStatus(resp); err != nil {
		return nil, err
	}

	// Block index to tool identity, populated by content_block_start so the
	// json deltas that follow can be routed to the right fragment.
	toolBlocks := map[int]anthropicContentBlock{}
	var inputTokens int

	parse := func(data []byte, acc *Accumulator) (*Response, bool, error) {
		var event anthropicEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, false, nil
		}

		deltaContent := ""
		terminal := false
		switch event.Type {
		case "message_start":
			if event.Message != nil {
				acc.SetModel(event.Message.Model)
				inputTokens = event.Message.Usage.InputTokens
			}
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				toolBlocks[event.Index] = *event.ContentBlock
				acc.MergeToolCall(event.Index, event.ContentBlock.ID, "function", event.ContentBlock.Name, "")
			}
		case "content_block_delta":
			if event.Delta == nil {
				break
			}
			switch event.Delta.Type {
			case "text_delta":
				deltaContent = event.Delta.Text
				acc.AddContent(deltaContent)
			case "input_json_delta":
				if block, ok := toolBlocks[event.Index]; ok {
					acc.MergeToolCall(event.Index, block.ID, "", "", event.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				acc.SetFinishReason(anthropicFinishReason(event.Delta.StopReason))
			}
			if event.Usage != nil {
				acc.SetUsage(TokenUsage{
					InputTokens:  inputTokens,
					OutputTokens: event.Usage.OutputTokens,
				}.Normalize())
			}
		case "message_stop":
			terminal = true
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

	return newStream(resp.Body, parse), nil
}

type anthropicModelList struct {
	Data []struct {
		ID          string    `json:"id"`
		DisplayName string    `json:"display_name"`
		CreatedAt   time.Time `json:"created_at"`
	} `json:"data"`
}

func (d *anthropic) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create anthropic models request: %w", err)
	}
	req.Header.Set("x-api-key", d.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, d.mapper.Map(err)
	}
	if err := d.checkStatus(resp); err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var parsed anthropicModelList
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, d.mapper.Map(fmt.Errorf("decode anthropic models response: %w", err))
	}

	models := make([]Model, 0, len(parsed.Data))
	for _, item := range parsed.Data {
		models = append(models, Model{
			ID:            item.ID,
			DisplayName:   item.DisplayName,
			OwnedBy:       "anthropic",
			ContextLength: d.ContextWindow(item.ID),
			Created:       item.CreatedAt,
		})
	}
	return models, nil
}
