// Package gateway provides LLM gateway client implementations.
//
// Every gateway yields the same incremental event sequence regardless
// of wire protocol: content deltas, fragment-level tool-call deltas
// keyed by index, and a terminal done event. Accumulating fragments
// into complete tool calls is the caller's job — providers may split a
// single call's name and argument JSON across many chunks.
package gateway

import (
	"context"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message on the gateway wire.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool results
	Timestamp  time.Time  `json:"timestamp,omitempty"`
}

// ToolCall is a complete model-issued tool invocation request.
// Arguments is the raw JSON argument string; it is parsed only at
// invocation time so malformed JSON can become a tool error result.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Request is a single gateway round trip.
type Request struct {
	Model            string
	Messages         []Message
	Tools            []map[string]any // OpenAI function-call schema shape
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	MaxTokens        int
	Stream           bool
}

// EventKind identifies the type of stream event.
type EventKind int

const (
	// KindContentDelta is an incremental text fragment.
	KindContentDelta EventKind = iota

	// KindToolCallDelta is a fragment of a tool call. Fragments for
	// one call share an index; id, name, and argument fragments are
	// concatenated in arrival order.
	KindToolCallDelta

	// KindDone signals the response is complete.
	KindDone
)

// Event is one incremental unit of a gateway response.
type Event struct {
	Kind EventKind

	// Content is set for KindContentDelta.
	Content string

	// ToolCall is set for KindToolCallDelta.
	ToolCall ToolCallDelta

	// FinishReason is set for KindDone: "stop", "tool_calls",
	// "max_tokens", or a provider-specific value.
	FinishReason string
}

// ToolCallDelta is one fragment of a streamed tool call.
type ToolCallDelta struct {
	Index int
	ID    string
	Name  string
	Args  string
}

// Handler receives events in stream order. Handlers must not block;
// the gateway read loop is paused while a handler runs.
type Handler func(Event)

// Response summarizes a completed round trip. The message itself is
// reconstructed by the caller from the event stream.
type Response struct {
	Model        string
	FinishReason string
	InputTokens  int
	OutputTokens int
}

// Client is a single LLM gateway endpoint.
//
// Stream performs one request and emits events to handler as they
// arrive. In non-streaming mode (req.Stream false) the same events are
// synthesized from the buffered response. Transport and provider
// errors are returned, never retried here: retry policy belongs to the
// caller, which knows whether tools have already run.
type Client interface {
	Stream(ctx context.Context, req Request, handler Handler) (*Response, error)
}

// Finish reasons normalized across providers.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishMaxTokens = "max_tokens"
)
