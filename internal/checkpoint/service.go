package checkpoint

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/orbitx-agent/taskengine/internal/blobstore"
)

// Service is the Checkpoint Service (spec §4.5). One Service instance is
// shared process-wide; checkpoint bookkeeping is partitioned by session id
// the same way the teacher's chat store partitions by session.
type Service struct {
	blobs blobstore.BlobStore

	mu           sync.Mutex
	nextID       int64
	byID         map[int64]*Checkpoint
	latestInSess map[int64]int64 // sessionID -> latest checkpoint id
}

// NewService constructs a Checkpoint Service backed by the given blob
// store.
func NewService(blobs blobstore.BlobStore) *Service {
	return &Service{
		blobs:        blobs,
		byID:         map[int64]*Checkpoint{},
		latestInSess: map[int64]int64{},
	}
}

// CreateEmpty persists a checkpoint record with no snapshots, parented to
// the latest checkpoint in the session (spec §4.5 create_empty).
func (s *Service) CreateEmpty(_ context.Context, sessionID, messageID int64, _ string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	cp := &Checkpoint{
		ID:        s.nextID,
		SessionID: sessionID,
		MessageID: messageID,
		CreatedAt: time.Now().UTC(),
	}
	if parentID, ok := s.latestInSess[sessionID]; ok {
		pid := parentID
		cp.ParentID = &pid
	}
	s.byID[cp.ID] = cp
	s.latestInSess[sessionID] = cp.ID
	return *cp, nil
}

// effectiveState folds a checkpoint's ancestor chain oldest-first into a
// map of relative path -> current FileSnapshot, per spec §4.5 rollback_to.
func (s *Service) effectiveState(checkpointID int64) (map[string]FileSnapshot, []int64, error) {
	var chain []int64
	cur := checkpointID
	for {
		s.mu.Lock()
		cp, ok := s.byID[cur]
		s.mu.Unlock()
		if !ok {
			return nil, nil, ErrNotFound
		}
		chain = append(chain, cur)
		if cp.ParentID == nil {
			break
		}
		cur = *cp.ParentID
	}
	// chain is newest-first; reverse to oldest-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	state := map[string]FileSnapshot{}
	for _, id := range chain {
		s.mu.Lock()
		cp := s.byID[id]
		s.mu.Unlock()
		for _, fs := range cp.FileSnapshots {
			if fs.ChangeType == Deleted {
				delete(state, fs.RelativePath)
				continue
			}
			state[fs.RelativePath] = fs
		}
	}
	return state, chain, nil
}

// SnapshotFileBeforeEdit reads the current bytes of path, stores them
// content-addressed, and records a FileSnapshot against checkpointID (spec
// §4.5 snapshot_file_before_edit). Returns the recorded FileSnapshot, or a
// zero-value snapshot with ok=false if the file's content is unchanged
// from the checkpoint lineage's effective state (nothing to snapshot).
func (s *Service) SnapshotFileBeforeEdit(ctx context.Context, checkpointID int64, path, workspaceRoot string) (FileSnapshot, bool, error) {
	rel, err := normalizeRelativePath(workspaceRoot, path)
	if err != nil {
		return FileSnapshot{}, false, err
	}

	state, _, err := s.effectiveState(checkpointID)
	if err != nil {
		return FileSnapshot{}, false, err
	}
	prior, hadPrior := state[rel]

	absPath := filepath.Join(workspaceRoot, rel)
	data, readErr := os.ReadFile(absPath)

	var changeType ChangeType
	var hash string
	var size int64

	switch {
	case readErr != nil && os.IsNotExist(readErr):
		if !hadPrior {
			// Never existed before and doesn't exist now: nothing to record.
			return FileSnapshot{}, false, nil
		}
		changeType = Deleted
	case readErr != nil:
		return FileSnapshot{}, false, fmt.Errorf("checkpoint: read %s: %w", rel, readErr)
	default:
		hash, err = s.blobs.Put(ctx, data)
		if err != nil {
			return FileSnapshot{}, false, fmt.Errorf("checkpoint: store blob for %s: %w", rel, err)
		}
		size = int64(len(data))
		switch {
		case !hadPrior:
			changeType = Added
		case prior.BlobHash == hash:
			// Content unchanged since the lineage's last record of this
			// path: nothing new to snapshot, but we already incremented
			// the blob's refcount via Put above, so release it again.
			_ = s.blobs.Release(ctx, hash)
			return FileSnapshot{}, false, nil
		default:
			changeType = Modified
		}
	}

	fs := FileSnapshot{
		CheckpointID: checkpointID,
		RelativePath: rel,
		BlobHash:     hash,
		ChangeType:   changeType,
		FileSize:     size,
	}

	s.mu.Lock()
	cp, ok := s.byID[checkpointID]
	if !ok {
		s.mu.Unlock()
		return FileSnapshot{}, false, ErrNotFound
	}
	cp.FileSnapshots = append(cp.FileSnapshots, fs)
	s.mu.Unlock()

	return fs, true, nil
}

// RollbackTo reconstructs the effective file state at checkpointID and
// writes it back to workspaceRoot, then records a new checkpoint
// summarizing the restore (spec §4.5 rollback_to).
func (s *Service) RollbackTo(ctx context.Context, checkpointID int64, workspaceRoot string) (RollbackResult, error) {
	state, chain, err := s.effectiveState(checkpointID)
	if err != nil {
		return RollbackResult{}, err
	}

	s.mu.Lock()
	target, ok := s.byID[checkpointID]
	// effectiveState drops deleted paths; put their tombstones back so the
	// loop below removes them from the workspace.
	for _, id := range chain {
		for _, fs := range s.byID[id].FileSnapshots {
			if _, live := state[fs.RelativePath]; !live && fs.ChangeType == Deleted {
				state[fs.RelativePath] = fs
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return RollbackResult{}, ErrNotFound
	}

	result := RollbackResult{FailedDeletes: map[string]error{}}
	var restoredSnapshots []FileSnapshot

	for relPath, fs := range state {
		absPath := filepath.Join(workspaceRoot, relPath)
		if fs.ChangeType == Deleted {
			if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
				result.FailedDeletes[relPath] = err
				continue
			}
			result.DeletedPaths = append(result.DeletedPaths, relPath)
			continue
		}

		r, err := s.blobs.Get(ctx, fs.BlobHash)
		if err != nil {
			return result, fmt.Errorf("checkpoint: read blob for %s: %w", relPath, err)
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return result, fmt.Errorf("checkpoint: read blob for %s: %w", relPath, err)
		}

		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return result, fmt.Errorf("checkpoint: mkdir for %s: %w", relPath, err)
		}
		tmp := absPath + ".checkpoint-tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return result, fmt.Errorf("checkpoint: write %s: %w", relPath, err)
		}
		if err := os.Rename(tmp, absPath); err != nil {
			return result, fmt.Errorf("checkpoint: rename into place %s: %w", relPath, err)
		}
		result.RestoredPaths = append(result.RestoredPaths, relPath)
		restoredSnapshots = append(restoredSnapshots, fs)
	}

	s.mu.Lock()
	s.nextID++
	newCP := &Checkpoint{
		ID:            s.nextID,
		SessionID:     target.SessionID,
		MessageID:     target.MessageID,
		Label:         fmt.Sprintf("Rollback to #%d", target.ID),
		CreatedAt:     time.Now().UTC(),
		FileSnapshots: restoredSnapshots,
	}
	parentID := s.latestInSess[target.SessionID]
	newCP.ParentID = &parentID
	s.byID[newCP.ID] = newCP
	s.latestInSess[target.SessionID] = newCP.ID
	s.mu.Unlock()

	result.NewCheckpoint = *newCP
	return result, nil
}

// DiffCheckpoints yields per-file differences between the effective
// states of two checkpoints (spec §4.5 diff_checkpoints).
func (s *Service) DiffCheckpoints(ctx context.Context, fromID, toID int64) ([]DiffEntry, error) {
	from, _, err := s.effectiveState(fromID)
	if err != nil {
		return nil, err
	}
	to, _, err := s.effectiveState(toID)
	if err != nil {
		return nil, err
	}

	var entries []DiffEntry
	seen := map[string]bool{}

	for relPath, toSnap := range to {
		seen[relPath] = true
		fromSnap, existed := from[relPath]
		switch {
		case !existed:
			entries = append(entries, DiffEntry{RelativePath: relPath, ChangeType: Added})
		case fromSnap.BlobHash != toSnap.BlobHash:
			diffText, err := s.unifiedDiff(ctx, fromSnap.BlobHash, toSnap.BlobHash)
			if err != nil {
				return nil, err
			}
			entries = append(entries, DiffEntry{RelativePath: relPath, ChangeType: Modified, UnifiedDiff: diffText})
		}
	}
	for relPath := range from {
		if !seen[relPath] {
			entries = append(entries, DiffEntry{RelativePath: relPath, ChangeType: Deleted})
		}
	}
	return entries, nil
}

func (s *Service) unifiedDiff(ctx context.Context, fromHash, toHash string) (string, error) {
	fromText, err := s.readBlobText(ctx, fromHash)
	if err != nil {
		return "", err
	}
	toText, err := s.readBlobText(ctx, toHash)
	if err != nil {
		return "", err
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(fromText, toText, false)
	dmp.DiffCleanupSemantic(diffs)
	patches := dmp.PatchMake(fromText, diffs)
	return dmp.PatchToText(patches), nil
}

func (s *Service) readBlobText(ctx context.Context, hash string) (string, error) {
	r, err := s.blobs.Get(ctx, hash)
	if err != nil {
		return "", err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
