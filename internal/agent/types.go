package agent

import (
	"encoding/json"

	"github.com/naolabs/nao-agent/internal/llm"
)

// ChunkType is the kind of one streamed turn chunk.
type ChunkType string

const (
	// ChunkEvent carries an out-of-band payload injected before model output.
	ChunkEvent ChunkType = "event"

	ChunkMessageStart   ChunkType = "message-start"
	ChunkTextDelta      ChunkType = "text-delta"
	ChunkReasoningDelta ChunkType = "reasoning-delta"
	ChunkToolCall       ChunkType = "tool-call"
	ChunkToolResult     ChunkType = "tool-result"
	ChunkError          ChunkType = "error"
	ChunkFinish         ChunkType = "finish"
)

// Chunk is one element of a turn's live output stream.
type Chunk struct {
	Type ChunkType `json:"type"`

	// MessageID identifies the assistant message being streamed.
	MessageID string `json:"message_id,omitempty"`

	Text string `json:"text,omitempty"`

	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ArgsJSON   json.RawMessage `json:"args_json,omitempty"`
	ResultJSON json.RawMessage `json:"result_json,omitempty"`

	// EventName and EventData are set for ChunkEvent.
	EventName string          `json:"event_name,omitempty"`
	EventData json.RawMessage `json:"event_data,omitempty"`

	// StopReason and Usage are set for ChunkFinish.
	StopReason string     `json:"stop_reason,omitempty"`
	Usage      *llm.Usage `json:"usage,omitempty"`

	Error string `json:"error,omitempty"`
}

// Mention is a trigger-prefixed reference attached to a user message.
// A "/" trigger expands a skill into the message text.
type Mention struct {
	Trigger string `json:"trigger"`
	ID      string `json:"id"`
	Label   string `json:"label,omitempty"`
}

// Event is one out-of-band payload emitted before model output begins.
type Event struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StreamOptions carries per-turn extras from the transport layer.
type StreamOptions struct {
	Events   []Event   `json:"events,omitempty"`
	Mentions []Mention `json:"mentions,omitempty"`
}

// StopReasonInterrupted marks a turn that was cancelled by Stop.
const StopReasonInterrupted = "interrupted"

// Step is one model-call iteration of the tool loop.
type Step struct {
	ToolCalls   []llm.ToolCall    `json:"tool_calls,omitempty"`
	ToolResults []json.RawMessage `json:"tool_results,omitempty"`
}

// RunResult is the outcome of a non-streaming Generate call.
type RunResult struct {
	Text         string    `json:"text"`
	Usage        llm.Usage `json:"usage"`
	Cost         llm.Cost  `json:"cost"`
	FinishReason string    `json:"finish_reason"`
	DurationMs   int64     `json:"duration_ms"`
	Steps        []Step    `json:"steps,omitempty"`
}
