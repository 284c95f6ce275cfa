package executor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitx-agent/taskengine/internal/blobstore"
	"github.com/orbitx-agent/taskengine/internal/blockmodel"
	"github.com/orbitx-agent/taskengine/internal/checkpoint"
	"github.com/orbitx-agent/taskengine/internal/engineerr"
	"github.com/orbitx-agent/taskengine/internal/events"
	"github.com/orbitx-agent/taskengine/internal/llmprovider"
	"github.com/orbitx-agent/taskengine/internal/persistence"
	"github.com/orbitx-agent/taskengine/internal/tools"
)

// blockingProvider gates its first CallStream call on release (so a test can
// pause a task deterministically while the first iteration is in flight) and
// signals started as soon as that first call begins, so the test doesn't
// have to guess when the orchestrator goroutine has reached it.
type blockingProvider struct {
	started chan struct{}
	release chan struct{}
	replies [][]llmprovider.StreamEvent
	mu      sync.Mutex
	idx     int
}

func (p *blockingProvider) CallStream(ctx context.Context, _ llmprovider.Request, onEvent func(llmprovider.StreamEvent) error) error {
	p.mu.Lock()
	i := p.idx
	p.idx++
	p.mu.Unlock()

	if i == 0 && p.release != nil {
		if p.started != nil {
			select {
			case p.started <- struct{}{}:
			default:
			}
		}
		select {
		case <-p.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var turn []llmprovider.StreamEvent
	if i < len(p.replies) {
		turn = p.replies[i]
	} else {
		turn = []llmprovider.StreamEvent{{Kind: llmprovider.EventMessageStop}}
	}
	for _, ev := range turn {
		if err := onEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

func textReply(text string) []llmprovider.StreamEvent {
	return []llmprovider.StreamEvent{
		{Kind: llmprovider.EventContentBlockStart, Index: 0, BlockKind: llmprovider.ContentText},
		{Kind: llmprovider.EventContentBlockDelta, Index: 0, DeltaKind: llmprovider.DeltaText, Text: text},
		{Kind: llmprovider.EventContentBlockStop, Index: 0},
		{Kind: llmprovider.EventMessageStop},
	}
}

func toolCallReply(callID, name, input string) []llmprovider.StreamEvent {
	return []llmprovider.StreamEvent{
		{Kind: llmprovider.EventContentBlockStart, Index: 0, BlockKind: llmprovider.ContentToolUse, ToolUseID: callID, ToolUseName: name},
		{Kind: llmprovider.EventContentBlockDelta, Index: 0, DeltaKind: llmprovider.DeltaInputJSON, PartialJSON: input},
		{Kind: llmprovider.EventContentBlockStop, Index: 0},
		{Kind: llmprovider.EventMessageStop},
	}
}

// noopTool is a minimal tools.Tool used to force a second orchestrator
// iteration in tests without depending on any real tool implementation.
type noopTool struct{}

func (noopTool) Metadata() tools.Metadata {
	return tools.Metadata{Name: "noop", Description: "does nothing", Category: tools.CategoryOther}
}
func (noopTool) BeforeRun(context.Context, json.RawMessage) error { return nil }
func (noopTool) Run(context.Context, json.RawMessage) (tools.Result, error) {
	return tools.Result{Status: tools.StatusSuccess, Content: []tools.ResultContent{{Kind: tools.ContentSuccess, Text: "ok"}}}, nil
}
func (noopTool) AfterRun(context.Context, json.RawMessage, tools.Result) error { return nil }

func newTestExecutor(t *testing.T, provider llmprovider.Provider, extraTools ...tools.Tool) (*Executor, *persistence.Store) {
	t.Helper()
	store := persistence.NewMemoryStore()
	checkpoints := checkpoint.NewService(blobstore.NewMemoryStore())
	registry := tools.NewRegistry(nil, nil, nil, events.Discard)
	for _, tool := range extraTools {
		registry.Register(tool, tools.ModeAgentTask, nil)
	}
	defaults := Defaults{
		SystemPrompt:         "you are a helpful agent",
		Model:                "test-model",
		MaxTokens:            1024,
		MaxIterations:        10,
		MaxConsecutiveErrors: 3,
		CompactionThreshold:  9999,
		ContextWindow:        func(string) int { return 100000 },
	}
	return New(store, checkpoints, registry, provider, defaults), store
}

type eventCollector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *eventCollector) Emit(e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *eventCollector) has(kind events.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestExecutor_ExecuteTask_RunsToCompletion(t *testing.T) {
	t.Parallel()
	provider := &blockingProvider{replies: [][]llmprovider.StreamEvent{textReply("all done")}}
	e, store := newTestExecutor(t, provider)
	sink := &eventCollector{}

	taskID, err := e.ExecuteTask(context.Background(), ExecuteTaskInput{
		SessionID: 1, WorkspaceRoot: t.TempDir(), UserPrompt: "hi", ProgressSink: sink,
	})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	waitFor(t, time.Second, func() bool { return sink.has(events.TaskCompleted) })
	assert.True(t, sink.has(events.TaskStarted))

	rec, err := store.AgentTasks.FindByTaskID(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, blockmodel.TaskCompleted, rec.Status)
}

func TestExecutor_PauseTask_UnknownTaskReturnsNotFound(t *testing.T) {
	t.Parallel()
	e, _ := newTestExecutor(t, &blockingProvider{})
	err := e.PauseTask(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.TaskNotFound))
}

func TestExecutor_PauseThenResume_CompletesAfterResume(t *testing.T) {
	t.Parallel()
	provider := &blockingProvider{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		replies: [][]llmprovider.StreamEvent{
			toolCallReply("call-1", "noop", `{}`),
			textReply("finally done"),
		},
	}
	e, _ := newTestExecutor(t, provider, noopTool{})
	sink := &eventCollector{}

	taskID, err := e.ExecuteTask(context.Background(), ExecuteTaskInput{
		SessionID: 1, WorkspaceRoot: t.TempDir(), UserPrompt: "hi", ProgressSink: sink,
	})
	require.NoError(t, err)

	// Wait for the first iteration's request to be in flight, then pause
	// while it's still blocked there — this guarantees the pause flag is
	// set before the loop reaches the second iteration's abort check.
	select {
	case <-provider.started:
	case <-time.After(time.Second):
		t.Fatal("provider never reached its first call")
	}

	require.NoError(t, e.PauseTask(context.Background(), taskID))
	assert.True(t, sink.has(events.TaskPaused))

	close(provider.release)

	require.NoError(t, e.ResumeTask(context.Background(), taskID, sink))
	assert.True(t, sink.has(events.TaskResumed))

	waitFor(t, time.Second, func() bool { return sink.has(events.TaskCompleted) })
}

func TestExecutor_CancelTask_MarksCancelled(t *testing.T) {
	t.Parallel()
	provider := &blockingProvider{release: make(chan struct{})}
	e, store := newTestExecutor(t, provider)
	sink := &eventCollector{}

	taskID, err := e.ExecuteTask(context.Background(), ExecuteTaskInput{
		SessionID: 1, WorkspaceRoot: t.TempDir(), UserPrompt: "hi", ProgressSink: sink,
	})
	require.NoError(t, err)

	require.NoError(t, e.CancelTask(context.Background(), taskID, "user requested"))
	assert.True(t, sink.has(events.TaskCancelled))

	rec, err := store.AgentTasks.FindByTaskID(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, blockmodel.TaskCancelled, rec.Status)
}

func TestExecutor_ListTasks_FiltersBySession(t *testing.T) {
	t.Parallel()
	provider := &blockingProvider{replies: [][]llmprovider.StreamEvent{textReply("ok")}}
	e, _ := newTestExecutor(t, provider)

	_, err := e.ExecuteTask(context.Background(), ExecuteTaskInput{SessionID: 1, WorkspaceRoot: t.TempDir(), UserPrompt: "a", ProgressSink: events.Discard})
	require.NoError(t, err)
	_, err = e.ExecuteTask(context.Background(), ExecuteTaskInput{SessionID: 2, WorkspaceRoot: t.TempDir(), UserPrompt: "b", ProgressSink: events.Discard})
	require.NoError(t, err)

	sessionID := int64(1)
	recs, err := e.ListTasks(context.Background(), &sessionID, nil)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, int64(1), recs[0].SessionID)
}
