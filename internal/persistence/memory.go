package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/orbitx-agent/taskengine/internal/blockmodel"
)

// memStore is an in-memory Store used by tests and by single-process
// demos, following the teacher's memChatStore pattern (RWMutex-guarded
// maps, sentinel errors instead of driver-specific ones).
type memStore struct {
	mu sync.RWMutex

	sessionStatus map[int64]string

	messagesBySession map[int64][]*blockmodel.Message
	nextMessageID     int64

	snapshots map[string][]snapshotEntry

	tasks map[string]AgentTaskRecord
}

type snapshotEntry struct {
	iteration    uint32
	messagesJSON []byte
}

// NewMemoryStore returns an in-memory Store implementing every repository
// interface.
func NewMemoryStore() *Store {
	m := &memStore{
		sessionStatus:     map[int64]string{},
		messagesBySession: map[int64][]*blockmodel.Message{},
		snapshots:         map[string][]snapshotEntry{},
		tasks:             map[string]AgentTaskRecord{},
	}
	return &Store{
		Sessions:         m,
		Messages:         m,
		ContextSnapshots: m,
		AgentTasks:       m,
	}
}

func (m *memStore) SetStatus(_ context.Context, sessionID int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionStatus[sessionID] = status
	return nil
}

func cloneMessage(msg *blockmodel.Message) *blockmodel.Message {
	cp := *msg
	cp.Blocks = append([]blockmodel.Block(nil), msg.Blocks...)
	return &cp
}

func (m *memStore) Append(_ context.Context, msg *blockmodel.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMessageID++
	msg.ID = m.nextMessageID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.messagesBySession[msg.SessionID] = append(m.messagesBySession[msg.SessionID], cloneMessage(msg))
	return nil
}

func (m *memStore) Update(_ context.Context, msg *blockmodel.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.messagesBySession[msg.SessionID]
	for i, existing := range list {
		if existing.ID == msg.ID {
			list[i] = cloneMessage(msg)
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) ListBySession(_ context.Context, sessionID int64) ([]blockmodel.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.messagesBySession[sessionID]
	out := make([]blockmodel.Message, 0, len(list))
	for _, msg := range list {
		out = append(out, *cloneMessage(msg))
	}
	return out, nil
}

func (m *memStore) FetchSinceLatestSummary(_ context.Context, sessionID int64) ([]blockmodel.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.messagesBySession[sessionID]
	breakpoint := 0
	for i, msg := range list {
		if msg.IsSummaryBreakpoint {
			breakpoint = i
		}
	}
	out := make([]blockmodel.Message, 0, len(list)-breakpoint)
	for _, msg := range list[breakpoint:] {
		out = append(out, *cloneMessage(msg))
	}
	return out, nil
}

func (m *memStore) CreateFullSnapshot(_ context.Context, taskID string, iteration uint32, messagesJSON []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(messagesJSON))
	copy(buf, messagesJSON)
	m.snapshots[taskID] = append(m.snapshots[taskID], snapshotEntry{iteration: iteration, messagesJSON: buf})
	return nil
}

func (m *memStore) GetLatestSnapshot(_ context.Context, taskID string) (uint32, []byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.snapshots[taskID]
	if len(entries) == 0 {
		return 0, nil, ErrNotFound
	}
	latest := entries[len(entries)-1]
	return latest.iteration, latest.messagesJSON, nil
}

func (m *memStore) FindByTaskID(_ context.Context, taskID string) (AgentTaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tasks[taskID]
	if !ok {
		return AgentTaskRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *memStore) Create(_ context.Context, rec AgentTaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[rec.TaskID]; exists {
		return ErrConflict
	}
	m.tasks[rec.TaskID] = rec
	return nil
}

func (m *memStore) UpdateStatus(_ context.Context, taskID string, status blockmodel.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	m.tasks[taskID] = rec
	return nil
}

func (m *memStore) UpdateProgress(_ context.Context, taskID string, status blockmodel.TaskStatus, iteration, errorCount uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.CurrentIteration = iteration
	rec.ErrorCount = errorCount
	m.tasks[taskID] = rec
	return nil
}

func (m *memStore) List(_ context.Context, sessionID *int64, status *blockmodel.TaskStatus) ([]AgentTaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AgentTaskRecord, 0, len(m.tasks))
	for _, rec := range m.tasks {
		if sessionID != nil && rec.SessionID != *sessionID {
			continue
		}
		if status != nil && rec.Status != *status {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
