// Package provider implements the Streaming Client: an HTTP+SSE client
// against the engine's LLM API contract, plus the event model the
// Conversation Loop and Incremental Parser consume.
package provider

import (
	"context"
	"encoding/json"
	"time"
)

// Role identifies a message's place in the conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a structured request by the model to invoke a named tool.
// Arguments is a JSON-encoded object; the engine never inspects it as
// anything but a string until TE dispatch.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is the wire/history representation of one turn element.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Reasoning string     `json:"reasoning,omitempty"`
	// ReasoningDetails is the opaque structured-reasoning blob echoed back
	// to the server verbatim on the next request, per §3.
	ReasoningDetails json.RawMessage `json:"reasoning_details,omitempty"`
	ToolCalls        []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	Name             string          `json:"name,omitempty"`
	CreatedAt        time.Time       `json:"-"`
	InputTokens      int             `json:"-"`
	OutputTokens     int             `json:"-"`
}

// Tool is the schema the model sees for one callable tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// StreamEventType tags the kind of a StreamEvent.
type StreamEventType int

const (
	EventReasoningDelta StreamEventType = iota
	EventContentDelta
	EventToolCallDelta
	EventUsage
	EventDone
	EventError
)

// ToolCallSnapshot is the current accumulated state of one tool-call slot,
// keyed by the stream-assigned integer index.
type ToolCallSnapshot struct {
	Index     int
	ID        string
	Name      string
	Arguments string // concatenation-so-far of function.arguments fragments
}

// Usage carries cumulative token counts as reported by the server.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// StreamEvent is one element of the ordered event sequence SC emits.
// The sequence ends with a Done or an Error event; an empty response or an
// in-stream error chunk emits an Error that is followed by a final Done.
type StreamEvent struct {
	Type         StreamEventType
	Text         string            // ReasoningDelta / ContentDelta
	ToolCall     *ToolCallSnapshot // ToolCallDelta
	Usage        *Usage            // Usage / Done
	FinishReason string            // Done
	ErrKind      string            // Error
	ErrMessage   string            // Error
	// ReasoningDetails carries the opaque reasoning_details blobs
	// accumulated across the stream, present on Done, for verbatim
	// echo into the next request's Assistant message per §3/§4.1.
	ReasoningDetails json.RawMessage
}

// Provider streams chat completions for one model.
type Provider interface {
	// ChatStream starts a streaming request and returns a channel of
	// events. The channel is closed after a terminal Done or Error event.
	// Canceling ctx aborts the underlying request; SC still emits a
	// terminal Done with finish reason "cancelled" before closing.
	ChatStream(ctx context.Context, model string, history []Message, tools []Tool) (<-chan StreamEvent, error)
}
