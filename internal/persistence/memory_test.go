package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitx-agent/taskengine/internal/blockmodel"
)

func TestMemoryStore_AppendAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	msg := &blockmodel.Message{SessionID: 1, Role: blockmodel.RoleUser, Status: blockmodel.MessageCompleted}
	require.NoError(t, store.Messages.Append(ctx, msg))
	assert.NotZero(t, msg.ID)

	list, err := store.Messages.ListBySession(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, msg.ID, list[0].ID)
}

func TestMemoryStore_UpdateNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.Messages.Update(ctx, &blockmodel.Message{ID: 99, SessionID: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_FetchSinceLatestSummary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Messages.Append(ctx, &blockmodel.Message{SessionID: 1, Role: blockmodel.RoleUser}))
	}
	require.NoError(t, store.Messages.Append(ctx, &blockmodel.Message{SessionID: 1, Role: blockmodel.RoleAssistant, IsSummaryBreakpoint: true}))
	require.NoError(t, store.Messages.Append(ctx, &blockmodel.Message{SessionID: 1, Role: blockmodel.RoleUser}))

	tail, err := store.Messages.FetchSinceLatestSummary(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, tail, 2)
	assert.True(t, tail[0].IsSummaryBreakpoint)
}

func TestMemoryStore_Snapshots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	_, _, err := store.ContextSnapshots.GetLatestSnapshot(ctx, "task-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.ContextSnapshots.CreateFullSnapshot(ctx, "task-1", 1, []byte(`[]`)))
	require.NoError(t, store.ContextSnapshots.CreateFullSnapshot(ctx, "task-1", 2, []byte(`[{"role":"user"}]`)))

	iter, payload, err := store.ContextSnapshots.GetLatestSnapshot(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), iter)
	assert.Equal(t, []byte(`[{"role":"user"}]`), payload)
}

func TestMemoryStore_AgentTasksLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	rec := AgentTaskRecord{TaskID: "t1", SessionID: 1, WorkspaceRoot: "/ws", UserPrompt: "do it", Status: blockmodel.TaskCreated}
	require.NoError(t, store.AgentTasks.Create(ctx, rec))
	assert.ErrorIs(t, store.AgentTasks.Create(ctx, rec), ErrConflict)

	got, err := store.AgentTasks.FindByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, rec.UserPrompt, got.UserPrompt)

	require.NoError(t, store.AgentTasks.UpdateStatus(ctx, "t1", blockmodel.TaskRunning))
	got, err = store.AgentTasks.FindByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, blockmodel.TaskRunning, got.Status)

	assert.ErrorIs(t, store.AgentTasks.UpdateStatus(ctx, "missing", blockmodel.TaskRunning), ErrNotFound)

	require.NoError(t, store.AgentTasks.UpdateProgress(ctx, "t1", blockmodel.TaskRunning, 3, 1))
	got, err = store.AgentTasks.FindByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), got.CurrentIteration)
	assert.Equal(t, uint32(1), got.ErrorCount)

	sessionID := int64(1)
	list, err := store.AgentTasks.List(ctx, &sessionID, nil)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	otherSession := int64(2)
	list, err = store.AgentTasks.List(ctx, &otherSession, nil)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryStore_SessionStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Sessions.SetStatus(ctx, 1, "running"))
}
