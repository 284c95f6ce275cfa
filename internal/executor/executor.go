// Package executor implements the Task Executor façade (spec §4.6): the
// only entry point callers outside the engine core use. It owns the active
// task map, creates or restores a Task Context, spawns the Orchestrator's
// ReAct loop as a goroutine, and exposes pause/resume/cancel/list against
// running or persisted tasks. Grounded on the teacher's
// RunReActAgentHandler (internal/server or internal/agents — request
// validation, engine construction, one-shot session run), generalized from
// a one-shot HTTP handler into a long-lived task map with pause/resume/
// cancel, using the RWMutex-guarded-map idiom the teacher's
// internal/agent/registry.go applies to a similar "many concurrent
// long-lived things" problem.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbitx-agent/taskengine/internal/blockmodel"
	"github.com/orbitx-agent/taskengine/internal/checkpoint"
	"github.com/orbitx-agent/taskengine/internal/compaction"
	"github.com/orbitx-agent/taskengine/internal/enginelog"
	"github.com/orbitx-agent/taskengine/internal/engineerr"
	"github.com/orbitx-agent/taskengine/internal/events"
	"github.com/orbitx-agent/taskengine/internal/llmprovider"
	"github.com/orbitx-agent/taskengine/internal/orchestrator"
	"github.com/orbitx-agent/taskengine/internal/persistence"
	"github.com/orbitx-agent/taskengine/internal/taskcontext"
	"github.com/orbitx-agent/taskengine/internal/tools"
)

// Defaults carries the engine-wide fallbacks applied when a task's
// ExecutionConfig leaves a field zero-valued (spec §4.6
// "config_overrides?" implies a base configuration to override).
type Defaults struct {
	SystemPrompt         string
	Model                string
	Temperature          float64
	MaxTokens            int64
	MaxIterations        uint32
	MaxConsecutiveErrors uint32
	CompactionThreshold  float64
	ContextWindow        func(model string) int
}

// Executor is the Task Executor façade (spec §4.6).
type Executor struct {
	store       *persistence.Store
	checkpoints *checkpoint.Service
	registry    *tools.Registry
	provider    llmprovider.Provider
	defaults    Defaults

	mu     sync.Mutex
	active map[string]*activeTask
}

type activeTask struct {
	tc *taskcontext.Context
}

// New constructs an Executor. The Tool Registry and Blob-backed Checkpoint
// Service are process-wide singletons per spec §3 "Ownership & lifecycle";
// the Executor is handed references to both rather than constructing them.
func New(store *persistence.Store, checkpoints *checkpoint.Service, registry *tools.Registry, provider llmprovider.Provider, defaults Defaults) *Executor {
	if defaults.ContextWindow == nil {
		defaults.ContextWindow = func(string) int { return 128_000 }
	}
	return &Executor{
		store:       store,
		checkpoints: checkpoints,
		registry:    registry,
		provider:    provider,
		defaults:    defaults,
		active:      map[string]*activeTask{},
	}
}

// ExecuteTaskInput is the argument to ExecuteTask (spec §4.6).
type ExecuteTaskInput struct {
	SessionID       int64
	WorkspaceRoot   string
	UserPrompt      string
	ConfigOverrides *blockmodel.ExecutionConfig
	RestoreTaskID   string
	ProgressSink    events.Sink
}

// ExecuteTask either creates a fresh task or restores one by task_id,
// transitions it to Running, emits TaskStarted, and spawns the
// orchestrator loop in a goroutine (spec §4.6 execute_task). It returns
// immediately with the task's id; the loop's terminal outcome is reported
// through progress events and the persisted task record.
func (e *Executor) ExecuteTask(ctx context.Context, in ExecuteTaskInput) (string, error) {
	sink := in.ProgressSink
	if sink == nil {
		sink = events.Discard
	}

	var tc *taskcontext.Context
	var err error
	if in.RestoreTaskID != "" {
		tc, err = taskcontext.Restore(ctx, in.RestoreTaskID, e.store, e.checkpoints, sink)
		if err != nil {
			return "", err
		}
	} else {
		taskID := uuid.NewString()
		task := blockmodel.Task{
			TaskID:        taskID,
			SessionID:     in.SessionID,
			WorkspaceRoot: in.WorkspaceRoot,
			UserPrompt:    in.UserPrompt,
			Config:        e.resolveConfig(in.ConfigOverrides),
		}
		tc, err = taskcontext.New(ctx, task, e.store, e.checkpoints, sink)
		if err != nil {
			return "", err
		}
		tc.SetInitialPrompts(e.defaults.SystemPrompt, in.UserPrompt)
		if err := tc.InitializeMessageTrack(ctx, in.UserPrompt, nil); err != nil {
			return "", err
		}
	}

	if err := e.start(tc, sink); err != nil {
		return "", err
	}
	return tc.TaskID, nil
}

// resolveConfig merges overrides onto the executor's defaults (spec §4.6
// "config_overrides?"), a field-by-field merge since ExecutionConfig has no
// notion of "unset" beyond the zero value.
func (e *Executor) resolveConfig(overrides *blockmodel.ExecutionConfig) blockmodel.ExecutionConfig {
	cfg := blockmodel.ExecutionConfig{
		Model:                e.defaults.Model,
		MaxIterations:        e.defaults.MaxIterations,
		MaxConsecutiveErrors: e.defaults.MaxConsecutiveErrors,
		Temperature:          e.defaults.Temperature,
		MaxTokens:            e.defaults.MaxTokens,
	}
	if overrides == nil {
		return cfg
	}
	if overrides.Model != "" {
		cfg.Model = overrides.Model
	}
	if overrides.MaxIterations != 0 {
		cfg.MaxIterations = overrides.MaxIterations
	}
	if overrides.MaxConsecutiveErrors != 0 {
		cfg.MaxConsecutiveErrors = overrides.MaxConsecutiveErrors
	}
	if overrides.Temperature != 0 {
		cfg.Temperature = overrides.Temperature
	}
	if overrides.MaxTokens != 0 {
		cfg.MaxTokens = overrides.MaxTokens
	}
	cfg.ChatMode = overrides.ChatMode
	return cfg
}

// start transitions tc to Running, emits TaskStarted, registers it in the
// active map, and spawns the orchestrator loop.
func (e *Executor) start(tc *taskcontext.Context, sink events.Sink) error {
	if err := tc.SetStatus(context.Background(), blockmodel.TaskRunning); err != nil {
		return err
	}
	_ = tc.EmitEvent(events.Event{Kind: events.TaskStarted, TaskID: tc.TaskID, SessionID: tc.SessionID, UserPrompt: tc.UserPrompt, Timestamp: time.Now()})

	cfg := tc.Config()
	model := cfg.Model
	if model == "" {
		// AgentTaskRecord doesn't persist ExecutionConfig (spec.md's data
		// model omits it), so a task restored after a process restart comes
		// back with a zero-value Config; fall back to the executor's
		// configured default model rather than sending an empty model id.
		model = e.defaults.Model
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = e.defaults.MaxTokens
	}
	orchCfg := orchestrator.Config{
		Model:         model,
		Temperature:   cfg.Temperature,
		MaxTokens:     maxTokens,
		ContextWindow: e.defaults.ContextWindow(model),
	}
	compactor := compaction.NewService(e.provider, e.defaults.CompactionThreshold)
	orch := orchestrator.New(tc, e.provider, e.registry, compactor, sink, orchCfg)

	e.mu.Lock()
	e.active[tc.TaskID] = &activeTask{tc: tc}
	e.mu.Unlock()

	go e.run(tc.TaskID, orch)
	return nil
}

// run drives the orchestrator loop to completion and removes the task from
// the active map once it exits, regardless of outcome (spec §4.6 "Finally
// removes from the active map").
func (e *Executor) run(taskID string, orch *orchestrator.Orchestrator) {
	log := enginelog.Logger()
	if err := orch.Run(context.Background()); err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("task exited with error")
	}
	e.mu.Lock()
	delete(e.active, taskID)
	e.mu.Unlock()
}

// lookupActive returns the active task's context, or a TaskNotFound error.
func (e *Executor) lookupActive(taskID string) (*taskcontext.Context, error) {
	e.mu.Lock()
	at, ok := e.active[taskID]
	e.mu.Unlock()
	if !ok {
		return nil, engineerr.New(engineerr.TaskNotFound, "task not active: "+taskID)
	}
	return at.tc, nil
}

// PauseTask pauses a running task's orchestrator loop before its next
// iteration starts (spec §4.6 pause_task).
func (e *Executor) PauseTask(ctx context.Context, taskID string) error {
	tc, err := e.lookupActive(taskID)
	if err != nil {
		return err
	}
	tc.SetPause(true, false)
	if err := tc.SetStatus(ctx, blockmodel.TaskPaused); err != nil {
		return err
	}
	_ = tc.EmitEvent(events.Event{Kind: events.TaskPaused, TaskID: taskID, SessionID: tc.SessionID, Timestamp: time.Now()})
	return nil
}

// ResumeTask resumes a paused task (spec §4.6 resume_task). If the task is
// still tracked in the active map (paused in place, loop still blocked in
// CheckAborted), it is simply unpaused; otherwise it is restored from
// persistence and a fresh orchestrator loop is spawned.
func (e *Executor) ResumeTask(ctx context.Context, taskID string, sink events.Sink) error {
	if sink == nil {
		sink = events.Discard
	}
	if tc, err := e.lookupActive(taskID); err == nil {
		if tc.Status() != blockmodel.TaskPaused {
			return engineerr.New(engineerr.InvalidStateTransition, "cannot resume task "+taskID+": not paused")
		}
		tc.SetPause(false, false)
		if err := tc.SetStatus(ctx, blockmodel.TaskRunning); err != nil {
			return err
		}
		_ = tc.EmitEvent(events.Event{Kind: events.TaskResumed, TaskID: taskID, SessionID: tc.SessionID, Timestamp: time.Now()})
		return nil
	}

	tc, err := taskcontext.Restore(ctx, taskID, e.store, e.checkpoints, sink)
	if err != nil {
		return err
	}
	if tc.Status() != blockmodel.TaskPaused {
		return engineerr.New(engineerr.InvalidStateTransition, "cannot resume task "+taskID+": not paused")
	}
	tc.SetPause(false, false)
	if err := e.start(tc, sink); err != nil {
		return err
	}
	_ = tc.EmitEvent(events.Event{Kind: events.TaskResumed, TaskID: taskID, SessionID: tc.SessionID, Timestamp: time.Now()})
	return nil
}

// CancelTask aborts a running task's root context (spec §4.6 cancel_task).
// In-flight tool calls are not forcibly killed; they observe the abort at
// their next cooperative check.
func (e *Executor) CancelTask(ctx context.Context, taskID string, reason string) error {
	tc, err := e.lookupActive(taskID)
	if err != nil {
		return err
	}
	tc.Abort()
	if err := tc.SetStatus(ctx, blockmodel.TaskCancelled); err != nil {
		return err
	}
	_ = tc.EmitEvent(events.Event{Kind: events.TaskCancelled, TaskID: taskID, SessionID: tc.SessionID, Reason: reason, Timestamp: time.Now()})
	return nil
}

// ListTasks runs a read-only query over the persisted task table (spec
// §4.6 list_tasks), optionally filtered by session and/or status.
func (e *Executor) ListTasks(ctx context.Context, sessionID *int64, status *blockmodel.TaskStatus) ([]persistence.AgentTaskRecord, error) {
	return e.store.AgentTasks.List(ctx, sessionID, status)
}
