package taskcontext

import (
	"context"
	"fmt"
	"os"

	"github.com/orbitx-agent/taskengine/internal/engineerr"
	"github.com/orbitx-agent/taskengine/internal/tools/editfile"
)

// EditHooks adapts a Context into editfile.Hooks: before any write, it
// refuses a stale-base edit (SPEC_FULL §C.1), snapshots the file into the
// task's active checkpoint (spec §4.1 snapshot_file_before_edit), and
// records write intent in the workspace journal; after the write it
// records the new content as the task's latest known read of the file so
// the next edit to the same path can detect an out-of-band change.
type EditHooks struct {
	ctx *Context
}

var _ editfile.Hooks = (*EditHooks)(nil)

// NewEditHooks builds the edit_file tool's Hooks implementation bound to
// ctx's active checkpoint and journal.
func NewEditHooks(ctx *Context) *EditHooks {
	return &EditHooks{ctx: ctx}
}

// BeforeEdit refuses the edit if absPath changed on disk since the task
// last read or wrote it, then snapshots absPath into the active checkpoint
// before the caller overwrites it and marks write intent in the journal.
func (h *EditHooks) BeforeEdit(ctx context.Context, absPath string) error {
	if hash, err := HashFile(absPath); err == nil {
		if h.ctx.Journal().DetectExternalEdit(absPath, hash) {
			return engineerr.New(engineerr.InvalidStateTransition, fmt.Sprintf("refusing edit: %s changed on disk since it was last read by this task", absPath))
		}
	}
	if _, _, err := h.ctx.SnapshotFileBeforeEdit(ctx, absPath); err != nil {
		return err
	}
	h.ctx.NoteAgentWriteIntent(absPath)
	return nil
}

// AfterEdit records the content the write just produced as the task's
// latest read of absPath, so a concurrent external edit made after this
// write (but before the task's next edit) is still caught.
func (h *EditHooks) AfterEdit(ctx context.Context, absPath string) error {
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil
	}
	h.ctx.NoteAgentReadSnapshot(absPath, string(content))
	return nil
}
