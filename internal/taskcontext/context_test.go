package taskcontext

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitx-agent/taskengine/internal/blobstore"
	"github.com/orbitx-agent/taskengine/internal/blockmodel"
	"github.com/orbitx-agent/taskengine/internal/checkpoint"
	"github.com/orbitx-agent/taskengine/internal/events"
	"github.com/orbitx-agent/taskengine/internal/persistence"
)

func newTestContext(t *testing.T) (*Context, *persistence.Store) {
	t.Helper()
	store := persistence.NewMemoryStore()
	checkpoints := checkpoint.NewService(blobstore.NewMemoryStore())
	task := blockmodel.Task{
		TaskID:        "task-1",
		SessionID:     1,
		WorkspaceRoot: t.TempDir(),
		UserPrompt:    "do the thing",
		Config:        blockmodel.ExecutionConfig{MaxIterations: 5, MaxConsecutiveErrors: 3},
	}
	tc, err := New(context.Background(), task, store, checkpoints, events.Discard)
	require.NoError(t, err)
	return tc, store
}

func TestContext_SetStatusPersists(t *testing.T) {
	t.Parallel()
	tc, store := newTestContext(t)
	ctx := context.Background()

	require.NoError(t, tc.SetStatus(ctx, blockmodel.TaskRunning))
	assert.Equal(t, blockmodel.TaskRunning, tc.Status())

	rec, err := store.AgentTasks.FindByTaskID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, blockmodel.TaskRunning, rec.Status)
}

func TestContext_IncrementIterationPersists(t *testing.T) {
	t.Parallel()
	tc, store := newTestContext(t)
	ctx := context.Background()

	n, err := tc.IncrementIteration(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), n)

	n, err = tc.IncrementIteration(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n)

	rec, err := store.AgentTasks.FindByTaskID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), rec.CurrentIteration)
}

func TestContext_ShouldStop_MaxIterations(t *testing.T) {
	t.Parallel()
	tc, _ := newTestContext(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := tc.IncrementIteration(ctx)
		require.NoError(t, err)
	}
	assert.True(t, tc.ShouldStop())
}

func TestContext_ShouldStop_ConsecutiveErrors(t *testing.T) {
	t.Parallel()
	tc, _ := newTestContext(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := tc.IncrementErrorCount(ctx)
		require.NoError(t, err)
	}
	assert.True(t, tc.ShouldStop())

	require.NoError(t, tc.ResetErrorCount(ctx))
	assert.False(t, tc.ShouldStop())
}

func TestContext_ShouldStop_TerminalStatus(t *testing.T) {
	t.Parallel()
	tc, _ := newTestContext(t)
	ctx := context.Background()

	assert.False(t, tc.ShouldStop())
	require.NoError(t, tc.SetStatus(ctx, blockmodel.TaskCompleted))
	assert.True(t, tc.ShouldStop())
}

func TestContext_Abort_InterruptsCheckAborted(t *testing.T) {
	t.Parallel()
	tc, _ := newTestContext(t)

	require.NoError(t, tc.CheckAborted(context.Background(), false))
	tc.Abort()
	err := tc.CheckAborted(context.Background(), false)
	require.Error(t, err)
}

func TestContext_SetPause_BlocksCheckAbortedUntilResumed(t *testing.T) {
	t.Parallel()
	tc, _ := newTestContext(t)

	tc.SetPause(true, false)
	done := make(chan error, 1)
	go func() { done <- tc.CheckAborted(context.Background(), true) }()

	select {
	case <-done:
		t.Fatal("CheckAborted returned while paused")
	default:
	}

	tc.SetPause(false, false)
	require.NoError(t, <-done)
}

func TestContext_SetInitialPromptsAndMessages(t *testing.T) {
	t.Parallel()
	tc, _ := newTestContext(t)

	tc.SetInitialPrompts("be helpful", "hello")
	msgs := tc.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, blockmodel.LLMRoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content[0].Text)
	assert.Equal(t, "be helpful", tc.EffectiveSystemPrompt(false))
}

func TestContext_SystemPromptOverlay_ConsumedOnce(t *testing.T) {
	t.Parallel()
	tc, _ := newTestContext(t)
	tc.SetInitialPrompts("base", "hi")

	overlay := "reminder: stay on task"
	tc.SetSystemPromptOverlay(&overlay)

	assert.Equal(t, "base\n\nreminder: stay on task", tc.EffectiveSystemPrompt(true))
	assert.Equal(t, "base", tc.EffectiveSystemPrompt(true))
}

func TestContext_AddToolResults(t *testing.T) {
	t.Parallel()
	tc, _ := newTestContext(t)
	tc.SetInitialPrompts("base", "hi")

	tc.AddToolResults([]blockmodel.ToolCallResult{{
		CallID:   "call-1",
		ToolName: "read_file",
		Result:   []byte(`"contents"`),
		Status:   blockmodel.ResultSuccess,
	}})

	msgs := tc.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, blockmodel.LLMRoleUser, msgs[1].Role)
	assert.Equal(t, "tool_result", msgs[1].Content[0].Type)
	assert.False(t, msgs[1].Content[0].IsError)
}

func TestContext_AssistantMessageLifecycle(t *testing.T) {
	t.Parallel()
	tc, store := newTestContext(t)
	ctx := context.Background()

	require.NoError(t, tc.InitializeMessageTrack(ctx, "hello", nil))

	id, err := tc.AssistantAppendBlock(ctx, blockmodel.Block{Kind: blockmodel.BlockText, Content: "thinking", IsStreaming: true})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, tc.AssistantUpdateBlock(ctx, id, func(b *blockmodel.Block) {
		b.Content = "thinking more"
	}))

	usage := &blockmodel.TokenUsage{InputTokens: 10, OutputTokens: 20}
	require.NoError(t, tc.FinishAssistantMessage(ctx, usage, 0.25))

	list, err := store.Messages.ListBySession(ctx, tc.SessionID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assistant := list[1]
	assert.Equal(t, blockmodel.MessageCompleted, assistant.Status)
	require.Len(t, assistant.Blocks, 1)
	assert.Equal(t, "thinking more", assistant.Blocks[0].Content)
	assert.False(t, assistant.Blocks[0].IsStreaming)
}

func TestContext_CancelAssistantMessage_ClosesRunningToolBlock(t *testing.T) {
	t.Parallel()
	tc, store := newTestContext(t)
	ctx := context.Background()

	require.NoError(t, tc.InitializeMessageTrack(ctx, "hello", nil))
	_, err := tc.AssistantAppendBlock(ctx, blockmodel.Block{Kind: blockmodel.BlockTool, Name: "shell", Status: blockmodel.ToolRunning})
	require.NoError(t, err)

	require.NoError(t, tc.CancelAssistantMessage(ctx))

	list, err := store.Messages.ListBySession(ctx, tc.SessionID)
	require.NoError(t, err)
	assistant := list[1]
	assert.Equal(t, blockmodel.MessageCancelled, assistant.Status)
	assert.Equal(t, blockmodel.ToolCancelled, assistant.Blocks[0].Status)
}

func TestContext_FailAssistantMessage_AppendsErrorBlock(t *testing.T) {
	t.Parallel()
	tc, store := newTestContext(t)
	ctx := context.Background()

	require.NoError(t, tc.InitializeMessageTrack(ctx, "hello", nil))
	require.NoError(t, tc.FailAssistantMessage(ctx, assert.AnError))

	list, err := store.Messages.ListBySession(ctx, tc.SessionID)
	require.NoError(t, err)
	assistant := list[1]
	assert.Equal(t, blockmodel.MessageError, assistant.Status)
	require.Len(t, assistant.Blocks, 1)
	assert.Equal(t, blockmodel.BlockError, assistant.Blocks[0].Kind)
}

func TestContext_InitCheckpointAndSnapshotFileBeforeEdit(t *testing.T) {
	t.Parallel()
	tc, _ := newTestContext(t)
	ctx := context.Background()

	_, err := tc.SnapshotFileBeforeEdit(ctx, "a.txt")
	require.Error(t, err)

	_, err = tc.InitCheckpoint(ctx, 1, "before edit")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(tc.WorkspaceRoot, "a.txt"), []byte("A"), 0o644))

	snap, isNew, err := tc.SnapshotFileBeforeEdit(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, checkpoint.Added, snap.ChangeType)
}

func TestContext_JournalReadWriteRoundTrip(t *testing.T) {
	t.Parallel()
	tc, _ := newTestContext(t)

	tc.NoteAgentReadSnapshot("a.txt", "original")
	assert.False(t, tc.Journal().DetectExternalEdit("a.txt", hashString("original")))
	assert.True(t, tc.Journal().DetectExternalEdit("a.txt", hashString("changed")))

	tc.NoteAgentWriteIntent("a.txt")
}

func TestContext_SaveSnapshotAndRestore(t *testing.T) {
	t.Parallel()
	tc, store := newTestContext(t)
	ctx := context.Background()

	tc.SetInitialPrompts("base", "hi")
	_, err := tc.IncrementIteration(ctx)
	require.NoError(t, err)
	require.NoError(t, tc.SaveSnapshot(ctx))

	checkpoints := checkpoint.NewService(blobstore.NewMemoryStore())
	restored, err := Restore(ctx, tc.TaskID, store, checkpoints, events.Discard)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), restored.ExecutionState().CurrentIteration)
	msgs := restored.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content[0].Text)
}
