// Package llmprovider defines the LLM provider contract the orchestrator
// depends on (spec §6): a normalized streaming event union that every
// concrete provider adapter (Anthropic-native, OpenAI-SSE) translates
// into. Grounded on the teacher's internal/agents streaming loop for the
// general shape of an SSE-consuming call, generalized into an explicit
// StreamEvent tagged union rather than the teacher's ad hoc per-provider
// channel payloads.
package llmprovider

import (
	"context"
	"encoding/json"

	"github.com/orbitx-agent/taskengine/internal/blockmodel"
)

// StopReason is the normalized reason a message stream ended.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
)

// EventKind tags the StreamEvent union.
type EventKind string

const (
	EventMessageStart      EventKind = "message_start"
	EventContentBlockStart EventKind = "content_block_start"
	EventContentBlockDelta EventKind = "content_block_delta"
	EventContentBlockStop  EventKind = "content_block_stop"
	EventMessageDelta      EventKind = "message_delta"
	EventMessageStop       EventKind = "message_stop"
	EventPing              EventKind = "ping"
	EventError             EventKind = "error"
)

// ContentBlockKind tags the variant of a ContentBlockStart payload.
type ContentBlockKind string

const (
	ContentText    ContentBlockKind = "text"
	ContentToolUse ContentBlockKind = "tool_use"
	ContentThinking ContentBlockKind = "thinking"
)

// DeltaKind tags the variant of a ContentBlockDelta payload.
type DeltaKind string

const (
	DeltaText      DeltaKind = "text"
	DeltaInputJSON DeltaKind = "input_json"
	DeltaThinking  DeltaKind = "thinking"
)

// StreamEvent is the normalized tagged union every provider adapter emits
// (spec §6). Only the fields relevant to Kind are populated.
type StreamEvent struct {
	Kind EventKind

	// MessageStart
	MessageID string
	Role      blockmodel.LLMRole
	Model     string

	// ContentBlockStart / ContentBlockDelta / ContentBlockStop
	Index            int
	BlockKind        ContentBlockKind
	DeltaKind        DeltaKind
	ToolUseID        string
	ToolUseName      string
	Text             string // Text content_block / Text delta / Thinking content
	PartialJSON      string // InputJson delta

	// MessageDelta
	StopReason   StopReason
	StopSequence string

	// MessageStart / MessageDelta
	Usage *blockmodel.TokenUsage

	// Error
	ErrorMessage string
}

// RequestToolSpec is one tool's schema as sent to the provider (spec §6
// Request shape).
type RequestToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is the provider-agnostic LLM call shape (spec §6).
type Request struct {
	Model       string
	System      string
	Messages    []blockmodel.LLMMessage
	Tools       []RequestToolSpec
	Temperature float64
	MaxTokens   int64
}

// Provider is the capability the orchestrator depends on: `{ call_stream }
// → StreamEvent sequence` (spec §6 "Provider-shape polymorphism"). CallStream
// delivers events to onEvent in order and returns when the stream ends
// (MessageStop) or an unrecoverable error occurs; ctx cancellation ends
// the stream early without forcibly terminating any already-completed
// in-flight tool calls driven by those events (that responsibility is the
// orchestrator's, not the provider's).
type Provider interface {
	CallStream(ctx context.Context, req Request, onEvent func(StreamEvent) error) error
}
