package providers

import (
	"context"
	"fmt"
)

// Message is one entry of a model conversation.
type Message struct {
	Role       string     `json:"role"` // system|user|assistant|tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Response struct {
	Content      string
	ToolCalls    []ToolCall
	Usage        *Usage
	FinishReason string
}

// ChatOptions carries per-call parameters.
type ChatOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
	// OnChunk, when non-nil, receives incremental assistant text as it
	// streams. Implementations that cannot stream may skip it; the caller
	// falls back to the full Response content.
	OnChunk func(text string)
}

// LLMProvider is the single boundary to an external model service.
type LLMProvider interface {
	Name() string
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, opts ChatOptions) (*Response, error)
}

// RateLimitError marks a provider rejection that failover may act on.
type RateLimitError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited (status %d): %v", e.Provider, e.StatusCode, e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}
