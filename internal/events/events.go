// Package events defines the progress event sink contract the Orchestrator
// and Task Context push through (spec §6). The UI side of this channel is
// out of scope for the engine; only the typed event union and the sink
// interface live here.
package events

import (
	"time"

	"github.com/orbitx-agent/taskengine/internal/blockmodel"
)

// Kind tags the event union.
type Kind string

const (
	TaskCreated              Kind = "task_created"
	TaskStarted              Kind = "task_started"
	TaskPaused               Kind = "task_paused"
	TaskResumed              Kind = "task_resumed"
	TaskCancelled            Kind = "task_cancelled"
	TaskCompleted            Kind = "task_completed"
	TaskError                Kind = "task_error"
	MessageCreated           Kind = "message_created"
	BlockAppended            Kind = "block_appended"
	BlockUpdated             Kind = "block_updated"
	MessageFinished          Kind = "message_finished"
	ToolConfirmationRequested Kind = "tool_confirmation_requested"
)

// Event is the tagged union pushed to the UI sink. Fields are populated
// according to Kind; unused fields are left zero.
type Event struct {
	Kind Kind

	TaskID    string
	SessionID int64

	UserPrompt string
	Iteration  uint32
	Reason     string
	Timestamp  time.Time

	Message *blockmodel.Message

	MessageID int64
	Block     *blockmodel.Block
	BlockID   string

	Status       blockmodel.MessageStatus
	FinishedAt   time.Time
	DurationMS   int64
	TokenUsage   *blockmodel.TokenUsage
	ContextUsage float64

	RequestID     string
	WorkspacePath string
	ToolName      string
	Summary       string
}

// Sink receives progress events. Implementations are expected to be
// best-effort: a failed Emit is logged by the caller and never aborts the
// task (spec §4.1 emit_event, §7 ChannelError).
type Sink interface {
	Emit(Event) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Emit(e Event) error { return f(e) }

// Discard is a Sink that drops every event; used when a task has no
// attached progress channel (e.g. while restoring before a UI reattaches).
var Discard Sink = SinkFunc(func(Event) error { return nil })
