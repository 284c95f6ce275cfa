// Package blockmodel defines the data model shared by every subsystem of the
// task execution engine: tasks, messages, the tagged block union that makes
// up a message's content, and the provider-facing projections derived from
// them.
package blockmodel

import (
	"encoding/json"
	"time"
)

// TaskStatus is the runtime status of a Task (spec §3).
type TaskStatus string

const (
	TaskCreated   TaskStatus = "created"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskError     TaskStatus = "error"
	TaskCancelled TaskStatus = "cancelled"
)

// SessionStatus is the mapping of TaskStatus onto the session table's status
// column (spec §4.1).
func (s TaskStatus) SessionStatus() string {
	switch s {
	case TaskCreated, TaskPaused:
		return "idle"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskError:
		return "error"
	case TaskCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskError || s == TaskCancelled
}

// Task identifies one run of the engine (spec §3).
type Task struct {
	TaskID        string
	SessionID     int64
	WorkspaceRoot string
	UserPrompt    string
	Config        ExecutionConfig
	Status        TaskStatus
}

// ExecutionConfig carries per-task overrides of the engine's defaults.
type ExecutionConfig struct {
	Model                string
	MaxIterations        uint32
	MaxConsecutiveErrors uint32
	Temperature          float64
	MaxTokens            int64
	ChatMode             bool // true: FileWrite/Execution tools are silently skipped
}

// Role is a Message's role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus is a Message's lifecycle status.
type MessageStatus string

const (
	MessageStreaming MessageStatus = "streaming"
	MessageCompleted MessageStatus = "completed"
	MessageCancelled MessageStatus = "cancelled"
	MessageError     MessageStatus = "error"
)

// TokenUsage mirrors the usage payload a provider reports on MessageDelta/Stop.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Message is one ordered element of a session (spec §3).
type Message struct {
	ID         int64
	SessionID  int64
	Role       Role
	Blocks     []Block
	Status     MessageStatus
	CreatedAt  time.Time
	FinishedAt *time.Time
	DurationMS *int64
	TokenUsage *TokenUsage
	// ContextUsage is the fraction (0-1) of the model's context window in
	// use when this message finished, surfaced on MessageFinished events.
	ContextUsage *float64
	// IsSummaryBreakpoint marks a system-role Summary message created by
	// the Compaction Service (spec §4.4); request-building loads messages
	// "from the most recent Summary forward".
	IsSummaryBreakpoint bool
}

// BlockKind tags the variant of a Block.
type BlockKind string

const (
	BlockUserText  BlockKind = "user_text"
	BlockUserImage BlockKind = "user_image"
	BlockThinking  BlockKind = "thinking"
	BlockText      BlockKind = "text"
	BlockTool      BlockKind = "tool"
	BlockError     BlockKind = "error"
)

// ToolBlockStatus is a Tool block's execution status.
type ToolBlockStatus string

const (
	ToolPending   ToolBlockStatus = "pending"
	ToolRunning   ToolBlockStatus = "running"
	ToolSuccess   ToolBlockStatus = "success"
	ToolError     ToolBlockStatus = "error"
	ToolCancelled ToolBlockStatus = "cancelled"
)

// Block is the tagged, ordered content element of a Message (spec §3). Only
// the fields relevant to Kind are populated; the struct is kept flat (rather
// than an interface union) so it round-trips through JSON persistence and
// progress events without a custom marshaler per variant.
type Block struct {
	Kind BlockKind `json:"kind"`

	// Identity. Text/Thinking/Tool blocks carry a provider- or
	// engine-assigned id, unique within the owning Message.
	ID string `json:"id,omitempty"`

	// UserText / Thinking / Text / Error
	Content string `json:"content,omitempty"`

	// Thinking / Text: true while more deltas are still arriving.
	IsStreaming bool `json:"is_streaming,omitempty"`

	// UserImage
	DataURL  string `json:"data_url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`

	// Tool
	CallID     string          `json:"call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Status     ToolBlockStatus `json:"status,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	DurationMS *int64          `json:"duration_ms,omitempty"`
}

// ToolResultStatus mirrors ToolBlockStatus for the result-carrier shape.
type ToolResultStatus string

const (
	ResultSuccess   ToolResultStatus = "success"
	ResultError     ToolResultStatus = "error"
	ResultCancelled ToolResultStatus = "cancelled"
)

// ToolCallResult pairs one tool invocation with its outcome (spec §3). It is
// the unit the Orchestrator feeds back into the conversation via
// Context.AddToolResults, and the unit the Tool Registry returns from
// Execute.
type ToolCallResult struct {
	CallID          string           `json:"call_id"`
	ToolName        string           `json:"tool_name"`
	Result          json.RawMessage  `json:"result"`
	Status          ToolResultStatus `json:"status"`
	CancelReason    string           `json:"cancel_reason,omitempty"`
	ExecutionTimeMS int64            `json:"execution_time_ms"`
}

// LLMRole is the provider-facing role used in LLMMessage (spec §3,
// "ExecutionState").
type LLMRole string

const (
	LLMRoleSystem    LLMRole = "system"
	LLMRoleUser      LLMRole = "user"
	LLMRoleAssistant LLMRole = "assistant"
)

// LLMContentPart is one part of an LLMMessage's content, in the provider's
// shape (text, tool_use, tool_result, or image).
type LLMContentPart struct {
	Type       string          `json:"type"` // "text" | "tool_use" | "tool_result" | "image" | "thinking"
	Text       string          `json:"text,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	DataURL    string          `json:"data_url,omitempty"`
	MimeType   string          `json:"mime_type,omitempty"`
}

// LLMMessage is the provider-facing projection of a Message, derived from
// the persisted Block list (spec §3).
type LLMMessage struct {
	Role    LLMRole
	Content []LLMContentPart
}

// ExecutionState is the per-task in-memory state the Orchestrator drives
// (spec §3).
type ExecutionState struct {
	CurrentIteration  uint32
	ErrorCount        uint32
	ConsecutiveErrors uint32
	MessageSequence   uint32
	RuntimeStatus     TaskStatus
	Messages          []LLMMessage
	SystemPrompt      *string
	ToolResults       []ToolCallResult
}
