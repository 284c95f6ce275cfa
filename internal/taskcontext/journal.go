package taskcontext

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"
)

// Journal is the workspace-change journal (SPEC_FULL §C.1), grounded on
// original_source's agent/core/context/mod.rs read/write intent tracking:
// it records, per path, the content hash the agent last read and whether
// it has since declared intent to write, so a concurrent out-of-band edit
// (the user saving the file in their editor between the agent's read and
// its write) can be detected instead of silently clobbered.
type Journal struct {
	mu      sync.Mutex
	entries map[string]*journalEntry
}

type journalEntry struct {
	lastReadHash string
	writeIntent  bool
}

// NewJournal constructs an empty journal, scoped to one task's lifetime.
func NewJournal() *Journal {
	return &Journal{entries: map[string]*journalEntry{}}
}

// NoteReadSnapshot records the hash of content the agent observed at path
// (spec §4.1 note_agent_read_snapshot).
func (j *Journal) NoteReadSnapshot(path, content string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[path] = &journalEntry{lastReadHash: hashString(content)}
}

// NoteWriteIntent marks that the agent is about to write path (spec §4.1
// note_agent_write_intent).
func (j *Journal) NoteWriteIntent(path string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[path]
	if !ok {
		e = &journalEntry{}
		j.entries[path] = e
	}
	e.writeIntent = true
}

// DetectExternalEdit reports whether path's current on-disk content differs
// from what the agent last read, meaning something outside the agent's
// control (the user, another process) touched the file since (SPEC_FULL
// §C.1). Returns false when the agent never read the file — there is
// nothing to compare against.
func (j *Journal) DetectExternalEdit(path, currentHash string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[path]
	if !ok || e.lastReadHash == "" {
		return false
	}
	return e.lastReadHash != currentHash
}

// HashFile reads path and returns its SHA-256 hex digest, the same hash
// form DetectExternalEdit compares against.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return hashString(string(data)), nil
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
