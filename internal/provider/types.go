package provider

import (
	"time"

	"github.com/modelbridge/bridge/internal/cost"
)

// Role tags one turn in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one role-tagged conversation turn. ToolCalls carries the
// calls an assistant turn requested so the turn can be replayed when the
// tool results are fed back.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// FinishReason is the terminal state of a model response.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishFunctionCall  FinishReason = "function_call"
	FinishContentFilter FinishReason = "content_filter"
)

// Terminal reports whether the reason ends a streamed response.
func (r FinishReason) Terminal() bool {
	switch r {
	case FinishStop, FinishLength, FinishToolCalls, FinishFunctionCall, FinishContentFilter:
		return true
	default:
		return false
	}
}

// ToolCall is one tool invocation requested by the model. Arguments is the
// raw JSON-encoded argument string as delivered by the provider.
type ToolCall struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// TokenUsage is the token accounting for one call. Total is input+output
// unless the provider reported its own figure.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Normalize fills Total from the parts when the provider omitted it.
func (u TokenUsage) Normalize() TokenUsage {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}

// Response is the unified result of one provider call. It is built by the
// driver after a successful parse and not mutated afterwards; streamed
// calls surface one Response snapshot per chunk.
type Response struct {
	Content      string
	Model        string
	FinishReason FinishReason
	ToolCalls    []ToolCall
	Usage        TokenUsage
	Cost         cost.Breakdown
	Latency      time.Duration
	Metadata     map[string]any
}

// Model is one row of a provider's model listing.
type Model struct {
	ID            string
	DisplayName   string
	OwnedBy       string
	ContextLength int
	Capabilities  []string
	Created       time.Time
}
