package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitx-agent/taskengine/internal/blobstore"
)

func TestService_CreateEmpty_ParentsToLatest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := NewService(blobstore.NewMemoryStore())

	c1, err := svc.CreateEmpty(ctx, 1, 10, "/ws")
	require.NoError(t, err)
	assert.Nil(t, c1.ParentID)

	c2, err := svc.CreateEmpty(ctx, 1, 11, "/ws")
	require.NoError(t, err)
	require.NotNil(t, c2.ParentID)
	assert.Equal(t, c1.ID, *c2.ParentID)
}

func TestService_SnapshotFileBeforeEdit_AddedThenModified(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ws := t.TempDir()
	svc := NewService(blobstore.NewMemoryStore())

	cp, err := svc.CreateEmpty(ctx, 1, 10, ws)
	require.NoError(t, err)

	filePath := filepath.Join(ws, "a.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("A"), 0o644))

	fs, ok, err := svc.SnapshotFileBeforeEdit(ctx, cp.ID, filePath, ws)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Added, fs.ChangeType)

	// Second snapshot of identical content is a no-op.
	_, ok, err = svc.SnapshotFileBeforeEdit(ctx, cp.ID, filePath, ws)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(filePath, []byte("B"), 0o644))
	cp2, err := svc.CreateEmpty(ctx, 1, 11, ws)
	require.NoError(t, err)
	fs2, ok, err := svc.SnapshotFileBeforeEdit(ctx, cp2.ID, filePath, ws)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Modified, fs2.ChangeType)
}

func TestService_RollbackTo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ws := t.TempDir()
	svc := NewService(blobstore.NewMemoryStore())

	filePath := filepath.Join(ws, "a.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("A"), 0o644))

	c1, err := svc.CreateEmpty(ctx, 1, 10, ws)
	require.NoError(t, err)
	_, _, err = svc.SnapshotFileBeforeEdit(ctx, c1.ID, filePath, ws)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filePath, []byte("B"), 0o644))
	c2, err := svc.CreateEmpty(ctx, 1, 11, ws)
	require.NoError(t, err)
	_, _, err = svc.SnapshotFileBeforeEdit(ctx, c2.ID, filePath, ws)
	require.NoError(t, err)

	result, err := svc.RollbackTo(ctx, c1.ID, ws)
	require.NoError(t, err)
	assert.Contains(t, result.RestoredPaths, "a.txt")

	data, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "A", string(data))
}

func TestService_SnapshotFileBeforeEdit_InvalidPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ws := t.TempDir()
	svc := NewService(blobstore.NewMemoryStore())

	cp, err := svc.CreateEmpty(ctx, 1, 10, ws)
	require.NoError(t, err)

	_, _, err = svc.SnapshotFileBeforeEdit(ctx, cp.ID, filepath.Join(ws, "../escape.txt"), ws)
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestService_DiffCheckpoints(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ws := t.TempDir()
	svc := NewService(blobstore.NewMemoryStore())

	filePath := filepath.Join(ws, "a.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("line1\n"), 0o644))

	c1, err := svc.CreateEmpty(ctx, 1, 10, ws)
	require.NoError(t, err)
	_, _, err = svc.SnapshotFileBeforeEdit(ctx, c1.ID, filePath, ws)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filePath, []byte("line1\nline2\n"), 0o644))
	c2, err := svc.CreateEmpty(ctx, 1, 11, ws)
	require.NoError(t, err)
	_, _, err = svc.SnapshotFileBeforeEdit(ctx, c2.ID, filePath, ws)
	require.NoError(t, err)

	diffs, err := svc.DiffCheckpoints(ctx, c1.ID, c2.ID)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, Modified, diffs[0].ChangeType)
	assert.NotEmpty(t, diffs[0].UnifiedDiff)
}
