package llm

import (
	"context"
	"encoding/json"
)

// StreamEventType is the normalized stream event kind produced by provider adapters.
type StreamEventType string

const (
	StreamEventTextDelta      StreamEventType = "text_delta"
	StreamEventReasoningDelta StreamEventType = "reasoning_delta"
	StreamEventToolCallStart  StreamEventType = "tool_call_start"
	StreamEventToolCallDelta  StreamEventType = "tool_call_delta"
	StreamEventToolCallEnd    StreamEventType = "tool_call_end"
	StreamEventUsage          StreamEventType = "usage"
	StreamEventFinishReason   StreamEventType = "finish_reason"
)

type PartialToolCall struct {
	ID            string         `json:"id,omitempty"`
	Name          string         `json:"name,omitempty"`
	ArgumentsJSON string         `json:"arguments_json,omitempty"`
	Arguments     map[string]any `json:"arguments,omitempty"`
}

type StreamEvent struct {
	Type       StreamEventType  `json:"type"`
	Text       string           `json:"text,omitempty"`
	ToolCall   *PartialToolCall `json:"tool_call,omitempty"`
	Usage      *Usage           `json:"usage,omitempty"`
	FinishHint string           `json:"finish_hint,omitempty"`
}

// ContentPart is one typed segment of a message.
//
// Types: "text", "reasoning", "tool_call" (assistant side), "tool_result" (user side).
type ContentPart struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ArgsJSON   json.RawMessage `json:"args_json,omitempty"`
	ResultJSON json.RawMessage `json:"result_json,omitempty"`
}

// CacheTTL values for prompt-cache breakpoints. Only the Anthropic adapter
// honors these; other providers ignore them.
const (
	CacheTTLNone  = ""
	CacheTTLShort = "5m"
	CacheTTLLong  = "1h"
)

type Message struct {
	Role    string        `json:"role"` // "system" | "user" | "assistant"
	Content []ContentPart `json:"content"`

	// CacheTTL marks this message as a prompt-cache breakpoint.
	CacheTTL string `json:"cache_ttl,omitempty"`
}

// Text returns the concatenated text parts of the message.
func (m Message) Text() string {
	out := ""
	for _, p := range m.Content {
		if p.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Usage is the normalized token accounting for one provider call.
type Usage struct {
	InputTokens         int64 `json:"input_tokens,omitempty"`
	CachedInputTokens   int64 `json:"cached_input_tokens,omitempty"`
	CacheCreationTokens int64 `json:"cache_creation_tokens,omitempty"`
	OutputTokens        int64 `json:"output_tokens,omitempty"`
	ReasoningTokens     int64 `json:"reasoning_tokens,omitempty"`
}

func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.CachedInputTokens + u.CacheCreationTokens + u.OutputTokens
}

func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:         u.InputTokens + other.InputTokens,
		CachedInputTokens:   u.CachedInputTokens + other.CachedInputTokens,
		CacheCreationTokens: u.CacheCreationTokens + other.CacheCreationTokens,
		OutputTokens:        u.OutputTokens + other.OutputTokens,
		ReasoningTokens:     u.ReasoningTokens + other.ReasoningTokens,
	}
}

type TurnRequest struct {
	Model                string    `json:"model"`
	Messages             []Message `json:"messages"`
	Tools                []ToolDef `json:"tools,omitempty"`
	MaxOutputTokens      int       `json:"max_output_tokens,omitempty"`
	ThinkingBudgetTokens int       `json:"thinking_budget_tokens,omitempty"`
}

type TurnResult struct {
	FinishReason string     `json:"finish_reason"`
	Text         string     `json:"text,omitempty"`
	Reasoning    string     `json:"reasoning,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        Usage      `json:"usage"`
}

// ObjectRequest asks a model for a single JSON object (no tools, no streaming).
type ObjectRequest struct {
	Model           string    `json:"model"`
	System          string    `json:"system,omitempty"`
	Messages        []Message `json:"messages"`
	MaxOutputTokens int       `json:"max_output_tokens,omitempty"`
}

// Provider is the normalized runtime adapter contract.
type Provider interface {
	// StreamTurn executes one model turn, emitting events as they arrive.
	StreamTurn(ctx context.Context, req TurnRequest, onEvent func(StreamEvent)) (TurnResult, error)

	// GenerateObject executes a non-streaming call that must return one JSON
	// object. The raw object is returned unvalidated; callers own schema checks.
	GenerateObject(ctx context.Context, req ObjectRequest) (json.RawMessage, Usage, error)
}

// Finish reasons normalized across providers.
const (
	FinishReasonStop      = "stop"
	FinishReasonToolCalls = "tool-calls"
	FinishReasonLength    = "length"
	FinishReasonError     = "error"
	FinishReasonAborted   = "aborted"
)
