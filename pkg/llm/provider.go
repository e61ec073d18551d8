// Package llm contains the streaming LLM adapter at the heart of the
// pipeline: it turns a provider's raw delta stream into an ordered stream of
// [sts.LLMResponse] records with sentence-level segmentation, voice-text
// derivation, tool-call aggregation, and iterative continuation after tool
// execution.
//
// The package defines the Provider abstraction over any chat-completion
// backend. Implementations live in subpackages (e.g. pkg/llm/openai) and in
// pkg/llm/mock for tests.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/voxpipe/voxpipe/pkg/sts"
)

// Message is a single provider-shaped record in a conversation history.
// Messages are persisted opaquely by the history store; the adapter only
// inspects Role.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content,omitempty"`

	// Name is an optional participant name.
	Name string `json:"name,omitempty"`

	// Files are opaque attachments carried on user messages.
	Files []sts.File `json:"files,omitempty"`

	// ToolCalls contains tool invocations requested by the assistant.
	ToolCalls []sts.ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set when Role is "tool", identifying which tool call
	// this message responds to.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input.
	Parameters map[string]any
}

// Request carries everything a provider needs to produce a completion.
type Request struct {
	// SystemPrompt is injected ahead of the conversation history.
	SystemPrompt string

	// Messages is the ordered conversation history; the last entry drives
	// the response.
	Messages []Message

	// Tools is the set of tool definitions offered to the model.
	Tools []ToolDefinition

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64
}

// ToolCallDelta is one streamed tool-call fragment. A fragment either opens
// a new call (ID and/or Name set) or extends the arguments of the most
// recently opened one.
type ToolCallDelta struct {
	ID        string
	Name      string
	Arguments string
}

// Chunk is a single fragment emitted by a streaming completion. A chunk may
// carry text, a tool-call fragment, a finish signal, or an error.
type Chunk struct {
	// Text is the incremental content of this chunk.
	Text string

	// ToolCall is a tool-call fragment, nil for pure content chunks.
	ToolCall *ToolCallDelta

	// FinishReason is set on the final chunk ("stop", "tool_calls", …).
	FinishReason string

	// Err reports a mid-stream provider failure. The stream ends after an
	// error chunk; the consumer aborts the turn.
	Err error
}

// Provider is the abstraction over any chat-completion backend.
//
// StreamCompletion sends req to the model and returns a read-only channel
// that emits [Chunk] values as they arrive. The channel is closed by the
// implementation when generation finishes or ctx is cancelled; callers must
// drain it. The error return is non-nil only for failures that prevent the
// stream from starting.
type Provider interface {
	StreamCompletion(ctx context.Context, req Request) (<-chan Chunk, error)

	// Name identifies the provider for metrics attribution.
	Name() string
}
