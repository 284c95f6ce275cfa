// Package taskcontext implements the Task Context & State Store (spec
// §4.1): the single source of truth for one task's mutable state, plus the
// workspace-change journal (SPEC_FULL §C.1). Grounded on original_source's
// agent/core/context.rs/mod.rs for the exact operation surface; Go's single
// mutex-guarded struct replaces the original's many per-field Arc<RwLock<_>>
// handles, the accepted simplification recorded in DESIGN.md's Open
// Question decisions (spec §9).
package taskcontext

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/orbitx-agent/taskengine/internal/blockmodel"
	"github.com/orbitx-agent/taskengine/internal/checkpoint"
	"github.com/orbitx-agent/taskengine/internal/engineerr"
	"github.com/orbitx-agent/taskengine/internal/events"
	"github.com/orbitx-agent/taskengine/internal/persistence"
)

// pauseStatus mirrors the original's 0/1/2 byte: running, paused, paused
// with current-step abort.
type pauseStatus int32

const (
	pauseRunning pauseStatus = 0
	pausePaused  pauseStatus = 1
	pauseAbortStep pauseStatus = 2
)

// Context is one task's runtime state (spec §4.1). All mutation is
// serialized through mu; operations that must also persist do so while
// still holding the lock, mirroring the original's "mutation + sync write"
// pairing in context.rs.
type Context struct {
	TaskID        string
	SessionID     int64
	WorkspaceRoot string
	UserPrompt    string

	store       *persistence.Store
	checkpoints *checkpoint.Service
	sink        events.Sink
	journal     *Journal

	rootCtx    context.Context
	cancelRoot context.CancelFunc

	mu sync.Mutex

	status            blockmodel.TaskStatus
	config            blockmodel.ExecutionConfig
	currentIteration  uint32
	errorCount        uint32
	consecutiveErrors uint32
	messageSequence   uint32

	systemPrompt        *string
	systemPromptOverlay *string
	messages            []blockmodel.LLMMessage
	toolResults         []blockmodel.ToolCallResult

	pause pauseStatus

	stepCancels []context.CancelFunc

	activeCheckpointID *int64

	activeMessage *blockmodel.Message
	nextBlockSeq  int
}

// New constructs a fresh Context for a newly-created task (spec §4.1,
// "create_task_context").
func New(ctx context.Context, task blockmodel.Task, store *persistence.Store, checkpoints *checkpoint.Service, sink events.Sink) (*Context, error) {
	if sink == nil {
		sink = events.Discard
	}
	rec := persistence.AgentTaskRecord{
		TaskID:        task.TaskID,
		SessionID:     task.SessionID,
		WorkspaceRoot: task.WorkspaceRoot,
		UserPrompt:    task.UserPrompt,
		Status:        blockmodel.TaskCreated,
	}
	if err := store.AgentTasks.Create(ctx, rec); err != nil {
		return nil, engineerr.Wrap(engineerr.StatePersistenceFailed, "creating task record", err)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	return &Context{
		TaskID:        task.TaskID,
		SessionID:     task.SessionID,
		WorkspaceRoot: task.WorkspaceRoot,
		UserPrompt:    task.UserPrompt,
		store:         store,
		checkpoints:   checkpoints,
		sink:          sink,
		journal:       NewJournal(),
		rootCtx:       rootCtx,
		cancelRoot:    cancel,
		status:        blockmodel.TaskCreated,
		config:        task.Config,
	}, nil
}

// Restore rehydrates a Context from its persisted task record and latest
// context snapshot (spec §4.1 "restore"), used when the executor resumes a
// task after a process restart.
func Restore(ctx context.Context, taskID string, store *persistence.Store, checkpoints *checkpoint.Service, sink events.Sink) (*Context, error) {
	if sink == nil {
		sink = events.Discard
	}
	rec, err := store.AgentTasks.FindByTaskID(ctx, taskID)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.ContextRecoveryFailed, "loading task record", err)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	tc := &Context{
		TaskID:           rec.TaskID,
		SessionID:        rec.SessionID,
		WorkspaceRoot:    rec.WorkspaceRoot,
		UserPrompt:       rec.UserPrompt,
		store:            store,
		checkpoints:      checkpoints,
		sink:             sink,
		journal:          NewJournal(),
		rootCtx:          rootCtx,
		cancelRoot:       cancel,
		status:           rec.Status,
		currentIteration: rec.CurrentIteration,
		errorCount:       rec.ErrorCount,
	}

	_, payload, err := store.ContextSnapshots.GetLatestSnapshot(ctx, taskID)
	if err == nil && len(payload) > 0 {
		var messages []blockmodel.LLMMessage
		if jsonErr := json.Unmarshal(payload, &messages); jsonErr == nil {
			tc.messages = messages
		}
	} else if err != nil && err != persistence.ErrNotFound {
		return nil, engineerr.Wrap(engineerr.ContextRecoveryFailed, "loading context snapshot", err)
	}
	return tc, nil
}

// Config returns the task's execution configuration, set at creation time
// and immutable thereafter (the Executor builds per-iteration provider
// parameters from it).
func (c *Context) Config() blockmodel.ExecutionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// Status returns the task's current runtime status.
func (c *Context) Status() blockmodel.TaskStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus transitions the task's runtime status and persists both the
// task record and the mapped session-level status (spec §4.1 set_status).
func (c *Context) SetStatus(ctx context.Context, status blockmodel.TaskStatus) error {
	c.mu.Lock()
	c.status = status
	iteration, errCount := c.currentIteration, c.errorCount
	c.mu.Unlock()

	if err := c.store.AgentTasks.UpdateProgress(ctx, c.TaskID, status, iteration, errCount); err != nil {
		return engineerr.Wrap(engineerr.StatePersistenceFailed, "updating task status", err)
	}
	if err := c.store.Sessions.SetStatus(ctx, c.SessionID, status.SessionStatus()); err != nil {
		return engineerr.Wrap(engineerr.StatePersistenceFailed, "updating session status", err)
	}
	return nil
}

// IncrementIteration increments the iteration counter, resets the
// per-iteration message sequence, and persists (spec §4.1
// increment_iteration).
func (c *Context) IncrementIteration(ctx context.Context) (uint32, error) {
	c.mu.Lock()
	c.currentIteration++
	c.messageSequence = 0
	current := c.currentIteration
	status, errCount := c.status, c.errorCount
	c.mu.Unlock()

	if err := c.store.AgentTasks.UpdateProgress(ctx, c.TaskID, status, current, errCount); err != nil {
		return 0, engineerr.Wrap(engineerr.StatePersistenceFailed, "persisting iteration", err)
	}
	return current, nil
}

// IncrementErrorCount tracks a failed iteration toward the halt policy
// (spec §4.1).
func (c *Context) IncrementErrorCount(ctx context.Context) (uint32, error) {
	c.mu.Lock()
	c.errorCount++
	c.consecutiveErrors++
	count := c.errorCount
	status, iteration := c.status, c.currentIteration
	c.mu.Unlock()

	if err := c.store.AgentTasks.UpdateProgress(ctx, c.TaskID, status, iteration, count); err != nil {
		return 0, engineerr.Wrap(engineerr.StatePersistenceFailed, "persisting error count", err)
	}
	return count, nil
}

// ResetErrorCount clears the consecutive-error streak after a successful
// iteration (spec §4.1).
func (c *Context) ResetErrorCount(ctx context.Context) error {
	c.mu.Lock()
	c.consecutiveErrors = 0
	status, iteration, errCount := c.status, c.currentIteration, c.errorCount
	c.mu.Unlock()
	if err := c.store.AgentTasks.UpdateProgress(ctx, c.TaskID, status, iteration, errCount); err != nil {
		return engineerr.Wrap(engineerr.StatePersistenceFailed, "persisting reset error count", err)
	}
	return nil
}

// ShouldStop reports whether the ReAct loop should terminate (spec §4.1
// should_stop).
func (c *Context) ShouldStop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == blockmodel.TaskCancelled || c.status == blockmodel.TaskCompleted || c.status == blockmodel.TaskError {
		return true
	}
	if c.consecutiveErrors >= c.config.MaxConsecutiveErrors && c.config.MaxConsecutiveErrors > 0 {
		return true
	}
	if c.config.MaxIterations > 0 && c.currentIteration >= c.config.MaxIterations {
		return true
	}
	return false
}

// CheckAborted returns TaskInterrupted if the task has been aborted; if
// checkPause is true it additionally blocks until any pause clears (spec
// §4.1 check_aborted).
func (c *Context) CheckAborted(ctx context.Context, checkPause bool) error {
	if c.isAborted() {
		return engineerr.New(engineerr.TaskInterrupted, "task aborted")
	}
	if !checkPause {
		return nil
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.isAborted() {
			return engineerr.New(engineerr.TaskInterrupted, "task aborted")
		}
		c.mu.Lock()
		status := c.pause
		c.mu.Unlock()
		if status == pauseRunning {
			return nil
		}
		if status == pauseAbortStep {
			c.abortCurrentSteps()
			c.mu.Lock()
			c.pause = pausePaused
			c.mu.Unlock()
		}
		select {
		case <-ctx.Done():
			return engineerr.New(engineerr.TaskInterrupted, "task aborted")
		case <-c.rootCtx.Done():
			return engineerr.New(engineerr.TaskInterrupted, "task aborted")
		case <-ticker.C:
		}
	}
}

func (c *Context) isAborted() bool {
	select {
	case <-c.rootCtx.Done():
		return true
	default:
		return false
	}
}

// Abort cancels the task's root context, aborting any in-flight step tokens
// (spec §4.1 abort).
func (c *Context) Abort() {
	c.cancelRoot()
	c.abortCurrentSteps()
}

// SetPause flips the pause state (spec §4.1 set_pause).
func (c *Context) SetPause(paused bool, abortCurrentStep bool) {
	c.mu.Lock()
	switch {
	case !paused:
		c.pause = pauseRunning
	case abortCurrentStep:
		c.pause = pauseAbortStep
	default:
		c.pause = pausePaused
	}
	c.mu.Unlock()
	if paused && abortCurrentStep {
		c.abortCurrentSteps()
	}
}

// CreateStreamCancelToken produces a child of the task's root context,
// cancelled either individually or when the whole task aborts (spec §4.1
// create_stream_cancel_token).
func (c *Context) CreateStreamCancelToken() (context.Context, context.CancelFunc) {
	child, cancel := context.WithCancel(c.rootCtx)
	c.mu.Lock()
	c.stepCancels = append(c.stepCancels, cancel)
	c.mu.Unlock()
	return child, cancel
}

func (c *Context) abortCurrentSteps() {
	c.mu.Lock()
	cancels := c.stepCancels
	c.stepCancels = nil
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// SetInitialPrompts clears message history, stores system as a separate
// field, and appends the user prompt as the first message (spec §4.1
// set_initial_prompts).
func (c *Context) SetInitialPrompts(system, user string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemPrompt = &system
	c.messages = []blockmodel.LLMMessage{{
		Role:    blockmodel.LLMRoleUser,
		Content: []blockmodel.LLMContentPart{{Type: "text", Text: user}},
	}}
}

// SetSystemPromptOverlay installs (or clears, with nil) a one-shot
// per-iteration system-prompt override (spec §4.1, §4.2 "system
// reminders").
func (c *Context) SetSystemPromptOverlay(overlay *string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemPromptOverlay = overlay
}

// EffectiveSystemPrompt returns the base system prompt with any active
// overlay appended, consuming the overlay if it was a one-shot reminder.
func (c *Context) EffectiveSystemPrompt(consumeOverlay bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := ""
	if c.systemPrompt != nil {
		base = *c.systemPrompt
	}
	if c.systemPromptOverlay == nil {
		return base
	}
	effective := base + "\n\n" + *c.systemPromptOverlay
	if consumeOverlay {
		c.systemPromptOverlay = nil
	}
	return effective
}

// AddUserMessage appends a plain-text user message (spec §4.1
// add_user_message).
func (c *Context) AddUserMessage(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, blockmodel.LLMMessage{
		Role:    blockmodel.LLMRoleUser,
		Content: []blockmodel.LLMContentPart{{Type: "text", Text: text}},
	})
}

// ImagePart is one image attachment for AddUserMessageWithImages.
type ImagePart struct {
	DataURL  string
	MimeType string
}

// AddUserMessageWithImages appends a user message carrying text plus image
// parts (spec §4.1 add_user_message_with_images).
func (c *Context) AddUserMessageWithImages(text string, images []ImagePart) {
	parts := make([]blockmodel.LLMContentPart, 0, len(images)+1)
	if text != "" {
		parts = append(parts, blockmodel.LLMContentPart{Type: "text", Text: text})
	}
	for _, img := range images {
		parts = append(parts, blockmodel.LLMContentPart{Type: "image", DataURL: img.DataURL, MimeType: img.MimeType})
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, blockmodel.LLMMessage{Role: blockmodel.LLMRoleUser, Content: parts})
}

// ToolUseCall is one tool-use content part for AddAssistantMessage.
type ToolUseCall struct {
	ToolUseID string
	ToolName  string
	Input     json.RawMessage
}

// AddAssistantMessage appends an assistant message: text-only, tool-uses
// only, text-then-tool-uses, or an empty placeholder (spec §4.1
// add_assistant_message variants a-d).
func (c *Context) AddAssistantMessage(text string, toolUses []ToolUseCall) {
	parts := make([]blockmodel.LLMContentPart, 0, len(toolUses)+1)
	if text != "" {
		parts = append(parts, blockmodel.LLMContentPart{Type: "text", Text: text})
	}
	for _, tu := range toolUses {
		parts = append(parts, blockmodel.LLMContentPart{Type: "tool_use", ToolUseID: tu.ToolUseID, ToolName: tu.ToolName, Input: tu.Input})
	}
	if len(parts) == 0 {
		parts = append(parts, blockmodel.LLMContentPart{Type: "text", Text: ""})
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, blockmodel.LLMMessage{Role: blockmodel.LLMRoleAssistant, Content: parts})
}

// AddToolResults appends one user-role message per result, each carrying a
// single tool_result part (results are not grouped into one message), and
// records the results into execution state (spec §4.1 add_tool_results).
func (c *Context) AddToolResults(results []blockmodel.ToolCallResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range results {
		c.toolResults = append(c.toolResults, r)
		c.messages = append(c.messages, blockmodel.LLMMessage{
			Role: blockmodel.LLMRoleUser,
			Content: []blockmodel.LLMContentPart{{
				Type:      "tool_result",
				ToolUseID: r.CallID,
				ToolName:  r.ToolName,
				Text:      string(r.Result),
				IsError:   r.Status != blockmodel.ResultSuccess,
			}},
		})
	}
}

// Messages returns a snapshot of the provider-facing message list (spec
// §4.1, used by the orchestrator to build LLM requests).
func (c *Context) Messages() []blockmodel.LLMMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]blockmodel.LLMMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// ExecutionState snapshots the task's in-memory execution state (spec §3).
func (c *Context) ExecutionState() blockmodel.ExecutionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return blockmodel.ExecutionState{
		CurrentIteration:  c.currentIteration,
		ErrorCount:        c.errorCount,
		ConsecutiveErrors: c.consecutiveErrors,
		MessageSequence:   c.messageSequence,
		RuntimeStatus:     c.status,
		Messages:          append([]blockmodel.LLMMessage(nil), c.messages...),
		SystemPrompt:      c.systemPrompt,
		ToolResults:       append([]blockmodel.ToolCallResult(nil), c.toolResults...),
	}
}

// InitializeMessageTrack persists the user message, opens a new streaming
// assistant message, and emits the corresponding events (spec §4.1
// initialize_message_track).
func (c *Context) InitializeMessageTrack(ctx context.Context, userPrompt string, images []ImagePart) error {
	userBlocks := []blockmodel.Block{{Kind: blockmodel.BlockUserText, Content: userPrompt}}
	for _, img := range images {
		userBlocks = append(userBlocks, blockmodel.Block{Kind: blockmodel.BlockUserImage, DataURL: img.DataURL, MimeType: img.MimeType})
	}
	userMsg := &blockmodel.Message{
		SessionID: c.SessionID,
		Role:      blockmodel.RoleUser,
		Blocks:    userBlocks,
		Status:    blockmodel.MessageCompleted,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.Messages.Append(ctx, userMsg); err != nil {
		return engineerr.Wrap(engineerr.StatePersistenceFailed, "appending user message", err)
	}
	_ = c.sink.Emit(events.Event{Kind: events.MessageCreated, TaskID: c.TaskID, SessionID: c.SessionID, Message: userMsg, Timestamp: time.Now()})

	assistantMsg := &blockmodel.Message{
		SessionID: c.SessionID,
		Role:      blockmodel.RoleAssistant,
		Status:    blockmodel.MessageStreaming,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.Messages.Append(ctx, assistantMsg); err != nil {
		return engineerr.Wrap(engineerr.StatePersistenceFailed, "appending assistant message", err)
	}
	_ = c.sink.Emit(events.Event{Kind: events.MessageCreated, TaskID: c.TaskID, SessionID: c.SessionID, Message: assistantMsg, Timestamp: time.Now()})

	c.mu.Lock()
	c.activeMessage = assistantMsg
	c.nextBlockSeq = 0
	c.mu.Unlock()

	if _, err := c.InitCheckpoint(ctx, assistantMsg.ID, "task start"); err != nil {
		return engineerr.Wrap(engineerr.StatePersistenceFailed, "initializing checkpoint", err)
	}
	return nil
}

func (c *Context) nextBlockID() string {
	c.nextBlockSeq++
	return fmt.Sprintf("%s-%d", c.TaskID, c.nextBlockSeq)
}

// AssistantAppendBlock appends a new block to the active assistant message
// (spec §4.1 assistant_append_block). Returns the block's assigned id.
func (c *Context) AssistantAppendBlock(ctx context.Context, block blockmodel.Block) (string, error) {
	c.mu.Lock()
	if c.activeMessage == nil {
		c.mu.Unlock()
		return "", engineerr.New(engineerr.InvalidStateTransition, "no active assistant message")
	}
	if block.ID == "" {
		block.ID = c.nextBlockID()
	}
	c.activeMessage.Blocks = append(c.activeMessage.Blocks, block)
	msg := c.activeMessage
	c.mu.Unlock()

	if err := c.store.Messages.Update(ctx, msg); err != nil {
		return "", engineerr.Wrap(engineerr.StatePersistenceFailed, "persisting appended block", err)
	}
	_ = c.sink.Emit(events.Event{Kind: events.BlockAppended, TaskID: c.TaskID, SessionID: c.SessionID, MessageID: msg.ID, Block: &block, BlockID: block.ID, Timestamp: time.Now()})
	return block.ID, nil
}

// AssistantUpdateBlock mutates an existing block in place by id (spec §4.1
// assistant_update_block).
func (c *Context) AssistantUpdateBlock(ctx context.Context, id string, mutate func(*blockmodel.Block)) error {
	c.mu.Lock()
	if c.activeMessage == nil {
		c.mu.Unlock()
		return engineerr.New(engineerr.InvalidStateTransition, "no active assistant message")
	}
	var updated *blockmodel.Block
	for i := range c.activeMessage.Blocks {
		if c.activeMessage.Blocks[i].ID == id {
			mutate(&c.activeMessage.Blocks[i])
			updated = &c.activeMessage.Blocks[i]
			break
		}
	}
	msg := c.activeMessage
	c.mu.Unlock()
	if updated == nil {
		return engineerr.New(engineerr.InvalidStateTransition, fmt.Sprintf("block %s not found", id))
	}

	if err := c.store.Messages.Update(ctx, msg); err != nil {
		return engineerr.Wrap(engineerr.StatePersistenceFailed, "persisting updated block", err)
	}
	_ = c.sink.Emit(events.Event{Kind: events.BlockUpdated, TaskID: c.TaskID, SessionID: c.SessionID, MessageID: msg.ID, Block: updated, BlockID: id, Timestamp: time.Now()})
	return nil
}

// AssistantUpsertBlock appends block if no block with its id exists yet,
// otherwise updates the existing one in place (spec §4.1
// assistant_upsert_block).
func (c *Context) AssistantUpsertBlock(ctx context.Context, block blockmodel.Block) error {
	c.mu.Lock()
	exists := false
	if c.activeMessage != nil {
		for _, b := range c.activeMessage.Blocks {
			if b.ID == block.ID {
				exists = true
				break
			}
		}
	}
	c.mu.Unlock()
	if exists {
		return c.AssistantUpdateBlock(ctx, block.ID, func(b *blockmodel.Block) { *b = block })
	}
	_, err := c.AssistantAppendBlock(ctx, block)
	return err
}

// FinishAssistantMessage closes the active assistant message successfully
// (spec §4.1 finish_assistant_message).
func (c *Context) FinishAssistantMessage(ctx context.Context, usage *blockmodel.TokenUsage, contextUsage float64) error {
	return c.closeAssistantMessage(ctx, blockmodel.MessageCompleted, usage, &contextUsage, nil)
}

// FailAssistantMessage closes the active assistant message with an Error
// status (spec §4.1 fail_assistant_message).
func (c *Context) FailAssistantMessage(ctx context.Context, cause error) error {
	return c.closeAssistantMessage(ctx, blockmodel.MessageError, nil, nil, cause)
}

// CancelAssistantMessage closes the active assistant message as Cancelled,
// flipping any still-streaming Thinking/Text blocks to closed and any
// Running Tool blocks to Cancelled with a computed duration (spec §4.1
// cancel_assistant_message).
func (c *Context) CancelAssistantMessage(ctx context.Context) error {
	return c.closeAssistantMessage(ctx, blockmodel.MessageCancelled, nil, nil, nil)
}

func (c *Context) closeAssistantMessage(ctx context.Context, status blockmodel.MessageStatus, usage *blockmodel.TokenUsage, contextUsage *float64, cause error) error {
	c.mu.Lock()
	if c.activeMessage == nil {
		c.mu.Unlock()
		return engineerr.New(engineerr.InvalidStateTransition, "no active assistant message")
	}
	msg := c.activeMessage
	now := time.Now().UTC()
	duration := now.Sub(msg.CreatedAt).Milliseconds()

	if status == blockmodel.MessageCancelled || status == blockmodel.MessageError {
		for i := range msg.Blocks {
			b := &msg.Blocks[i]
			if (b.Kind == blockmodel.BlockThinking || b.Kind == blockmodel.BlockText) && b.IsStreaming {
				b.IsStreaming = false
			}
			if b.Kind == blockmodel.BlockTool && b.Status == blockmodel.ToolRunning {
				b.Status = blockmodel.ToolCancelled
				finished := now
				b.FinishedAt = &finished
				if b.StartedAt != nil {
					ms := now.Sub(*b.StartedAt).Milliseconds()
					b.DurationMS = &ms
				}
			}
		}
	}
	if status == blockmodel.MessageError && cause != nil {
		msg.Blocks = append(msg.Blocks, blockmodel.Block{Kind: blockmodel.BlockError, Content: cause.Error()})
	}

	msg.Status = status
	msg.FinishedAt = &now
	msg.DurationMS = &duration
	msg.TokenUsage = usage
	msg.ContextUsage = contextUsage
	c.activeMessage = nil
	c.mu.Unlock()

	if err := c.store.Messages.Update(ctx, msg); err != nil {
		return engineerr.Wrap(engineerr.StatePersistenceFailed, "persisting closed assistant message", err)
	}
	_ = c.sink.Emit(events.Event{
		Kind: events.MessageFinished, TaskID: c.TaskID, SessionID: c.SessionID,
		MessageID: msg.ID, Status: status, FinishedAt: now, DurationMS: duration,
		TokenUsage: usage, Timestamp: now,
	})
	return nil
}

// InitCheckpoint creates an empty checkpoint rooted at messageID and marks
// it active for this task (spec §4.1 init_checkpoint).
func (c *Context) InitCheckpoint(ctx context.Context, messageID int64, label string) (checkpoint.Checkpoint, error) {
	cp, err := c.checkpoints.CreateEmpty(ctx, c.SessionID, messageID, label)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	c.mu.Lock()
	id := cp.ID
	c.activeCheckpointID = &id
	c.mu.Unlock()
	return cp, nil
}

// SnapshotFileBeforeEdit delegates to the Checkpoint Service for the active
// checkpoint (spec §4.1 snapshot_file_before_edit).
func (c *Context) SnapshotFileBeforeEdit(ctx context.Context, path string) (checkpoint.FileSnapshot, bool, error) {
	c.mu.Lock()
	id := c.activeCheckpointID
	c.mu.Unlock()
	if id == nil {
		return checkpoint.FileSnapshot{}, false, engineerr.New(engineerr.InvalidStateTransition, "no active checkpoint")
	}
	return c.checkpoints.SnapshotFileBeforeEdit(ctx, *id, path, c.WorkspaceRoot)
}

// NoteAgentReadSnapshot hands off to the workspace-change journal (spec
// §4.1 note_agent_read_snapshot).
func (c *Context) NoteAgentReadSnapshot(path, content string) {
	c.journal.NoteReadSnapshot(path, content)
}

// NoteAgentWriteIntent hands off to the workspace-change journal (spec
// §4.1 note_agent_write_intent).
func (c *Context) NoteAgentWriteIntent(path string) {
	c.journal.NoteWriteIntent(path)
}

// Journal exposes the workspace-change journal for callers (e.g. the
// smart-edit tool) that need DetectExternalEdit directly.
func (c *Context) Journal() *Journal { return c.journal }

// EmitEvent forwards e to the progress channel if attached; a failed send
// is a recoverable ChannelError, never aborting the task (spec §4.1
// emit_event).
func (c *Context) EmitEvent(e events.Event) error {
	if err := c.sink.Emit(e); err != nil {
		return engineerr.Wrap(engineerr.ChannelError, "emitting event", err)
	}
	return nil
}

// ApplySummary replaces the compacted prefix of the message history with a
// single system-role summary message, keeping tail verbatim, and persists
// the summary as a breakpoint-marked Message (spec §4.4). Grounded on the
// Compaction Service's contract: "the summary message ... surfaced as a
// MessageCreated event so the UI can render it".
func (c *Context) ApplySummary(ctx context.Context, summary string, tail []blockmodel.LLMMessage) error {
	summaryMsg := &blockmodel.Message{
		SessionID:           c.SessionID,
		Role:                blockmodel.RoleSystem,
		Blocks:              []blockmodel.Block{{Kind: blockmodel.BlockText, Content: summary}},
		Status:              blockmodel.MessageCompleted,
		CreatedAt:           time.Now().UTC(),
		IsSummaryBreakpoint: true,
	}
	if err := c.store.Messages.Append(ctx, summaryMsg); err != nil {
		return engineerr.Wrap(engineerr.StatePersistenceFailed, "persisting compaction summary", err)
	}
	_ = c.sink.Emit(events.Event{Kind: events.MessageCreated, TaskID: c.TaskID, SessionID: c.SessionID, Message: summaryMsg, Timestamp: time.Now()})

	replacement := make([]blockmodel.LLMMessage, 0, len(tail)+1)
	replacement = append(replacement, blockmodel.LLMMessage{
		Role:    blockmodel.LLMRoleSystem,
		Content: []blockmodel.LLMContentPart{{Type: "text", Text: summary}},
	})
	replacement = append(replacement, tail...)

	c.mu.Lock()
	c.messages = replacement
	c.mu.Unlock()
	return nil
}

// SaveSnapshot persists the current message list as a restore point (spec
// §4.1, used by the executor before a pause and periodically by the
// orchestrator).
func (c *Context) SaveSnapshot(ctx context.Context) error {
	c.mu.Lock()
	messages := append([]blockmodel.LLMMessage(nil), c.messages...)
	iteration := c.currentIteration
	c.mu.Unlock()

	payload, err := json.Marshal(messages)
	if err != nil {
		return engineerr.Wrap(engineerr.StatePersistenceFailed, "marshaling snapshot", err)
	}
	if err := c.store.ContextSnapshots.CreateFullSnapshot(ctx, c.TaskID, iteration, payload); err != nil {
		return engineerr.Wrap(engineerr.StatePersistenceFailed, "persisting snapshot", err)
	}
	return nil
}
