package compaction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitx-agent/taskengine/internal/blobstore"
	"github.com/orbitx-agent/taskengine/internal/blockmodel"
	"github.com/orbitx-agent/taskengine/internal/checkpoint"
	"github.com/orbitx-agent/taskengine/internal/engineerr"
	"github.com/orbitx-agent/taskengine/internal/events"
	"github.com/orbitx-agent/taskengine/internal/llmprovider"
	"github.com/orbitx-agent/taskengine/internal/persistence"
	"github.com/orbitx-agent/taskengine/internal/taskcontext"
)

type fakeProvider struct {
	summary string
	err     error
}

func (p *fakeProvider) CallStream(_ context.Context, _ llmprovider.Request, onEvent func(llmprovider.StreamEvent) error) error {
	if p.err != nil {
		return onEvent(llmprovider.StreamEvent{Kind: llmprovider.EventError, ErrorMessage: p.err.Error()})
	}
	if err := onEvent(llmprovider.StreamEvent{Kind: llmprovider.EventContentBlockDelta, DeltaKind: llmprovider.DeltaText, Text: p.summary}); err != nil {
		return err
	}
	return onEvent(llmprovider.StreamEvent{Kind: llmprovider.EventMessageStop})
}

func newTestTaskContext(t *testing.T) (*taskcontext.Context, *persistence.Store) {
	t.Helper()
	store := persistence.NewMemoryStore()
	checkpoints := checkpoint.NewService(blobstore.NewMemoryStore())
	task := blockmodel.Task{TaskID: "t1", SessionID: 1, WorkspaceRoot: t.TempDir(), UserPrompt: "go"}
	tc, err := taskcontext.New(context.Background(), task, store, checkpoints, events.Discard)
	require.NoError(t, err)
	return tc, store
}

func TestEstimateUsage(t *testing.T) {
	t.Parallel()
	messages := []blockmodel.LLMMessage{{
		Role:    blockmodel.LLMRoleUser,
		Content: []blockmodel.LLMContentPart{{Type: "text", Text: "01234567"}}, // 8 chars -> ~3 tokens
	}}
	assert.InDelta(t, 3.0/100.0, EstimateUsage(messages, 100), 0.001)
	assert.Equal(t, float64(0), EstimateUsage(messages, 0))
}

func TestService_MaybeCompact_BelowThresholdNoOp(t *testing.T) {
	t.Parallel()
	tc, _ := newTestTaskContext(t)
	tc.SetInitialPrompts("base", "hi")

	svc := NewService(&fakeProvider{}, 70)
	compacted, err := svc.MaybeCompact(context.Background(), tc, "model", 100000)
	require.NoError(t, err)
	assert.False(t, compacted)
}

func TestService_MaybeCompact_TriggersAndReplacesPrefix(t *testing.T) {
	t.Parallel()
	tc, store := newTestTaskContext(t)
	ctx := context.Background()

	tc.SetInitialPrompts("base", "hi")
	for i := 0; i < 20; i++ {
		tc.AddUserMessage("a long filler message to push usage over the threshold percentage here")
	}

	svc := NewService(&fakeProvider{summary: "concise recap"}, 1) // 1% threshold, trivially exceeded
	compacted, err := svc.MaybeCompact(ctx, tc, "model", 1000)
	require.NoError(t, err)
	assert.True(t, compacted)

	msgs := tc.Messages()
	assert.Equal(t, blockmodel.LLMRoleSystem, msgs[0].Role)
	assert.Equal(t, "concise recap", msgs[0].Content[0].Text)
	assert.Less(t, len(msgs), 22)

	persisted, err := store.Messages.ListBySession(ctx, tc.SessionID)
	require.NoError(t, err)
	var foundBreakpoint bool
	for _, m := range persisted {
		if m.IsSummaryBreakpoint {
			foundBreakpoint = true
			assert.Equal(t, blockmodel.RoleSystem, m.Role)
		}
	}
	assert.True(t, foundBreakpoint)
}

func TestService_MaybeCompact_ProviderErrorSurfacesAsInternalError(t *testing.T) {
	t.Parallel()
	tc, _ := newTestTaskContext(t)
	ctx := context.Background()
	tc.SetInitialPrompts("base", "hi")
	for i := 0; i < 20; i++ {
		tc.AddUserMessage("filler")
	}

	svc := NewService(&fakeProvider{err: assert.AnError}, 1)
	_, err := svc.MaybeCompact(ctx, tc, "model", 1000)
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.InternalError))
}
