// Package persistence defines the "agent persistence" contract of spec §6:
// named repositories the core reads and writes through, without seeing SQL.
// This file declares the interfaces and the sentinel errors every
// implementation (in-memory fake, pgx-backed) satisfies.
package persistence

import (
	"context"
	"errors"

	"github.com/orbitx-agent/taskengine/internal/blockmodel"
)

// Sentinel errors, in the style of the teacher's internal/objectstore
// package (ErrNotFound, ErrAccessDenied as package-level sentinels checked
// with errors.Is).
var (
	ErrNotFound   = errors.New("persistence: not found")
	ErrConflict   = errors.New("persistence: conflict")
)

// AgentTaskRecord is the row shape of the agent_tasks table (spec §6).
type AgentTaskRecord struct {
	TaskID          string
	SessionID       int64
	WorkspaceRoot   string
	UserPrompt      string
	Status          blockmodel.TaskStatus
	CurrentIteration uint32
	ErrorCount      uint32
}

// Sessions is the repository for session-level status (spec §6).
type Sessions interface {
	// SetStatus updates sessions.status and sessions.updated_at.
	SetStatus(ctx context.Context, sessionID int64, status string) error
}

// Messages is the repository for a session's message list (spec §6).
type Messages interface {
	// Append persists a new message and assigns it an id.
	Append(ctx context.Context, msg *blockmodel.Message) error
	// Update persists mutations to an already-appended message (status,
	// blocks, finished_at, duration_ms, token_usage).
	Update(ctx context.Context, msg *blockmodel.Message) error
	// ListBySession returns every message in a session, in id order.
	ListBySession(ctx context.Context, sessionID int64) ([]blockmodel.Message, error)
	// FetchSinceLatestSummary returns messages in a session starting from
	// (and including) the most recent Summary breakpoint, or the whole
	// session if there is none (spec §4.4).
	FetchSinceLatestSummary(ctx context.Context, sessionID int64) ([]blockmodel.Message, error)
}

// ContextSnapshots is the repository backing Task Context restore (spec §6).
type ContextSnapshots interface {
	// CreateFullSnapshot persists a full message-list snapshot for a task
	// at a given iteration, used to rehydrate a paused/crashed task.
	CreateFullSnapshot(ctx context.Context, taskID string, iteration uint32, messagesJSON []byte) error
	// GetLatestSnapshot returns the most recent snapshot for a task, or
	// ErrNotFound if none exists.
	GetLatestSnapshot(ctx context.Context, taskID string) (iteration uint32, messagesJSON []byte, err error)
}

// AgentTasks is the repository for task records (spec §6).
type AgentTasks interface {
	FindByTaskID(ctx context.Context, taskID string) (AgentTaskRecord, error)
	Create(ctx context.Context, rec AgentTaskRecord) error
	UpdateStatus(ctx context.Context, taskID string, status blockmodel.TaskStatus) error
	// UpdateProgress persists status together with the iteration/error
	// counters the Task Context advances on every increment_iteration /
	// increment_error_count call (spec §4.1).
	UpdateProgress(ctx context.Context, taskID string, status blockmodel.TaskStatus, iteration, errorCount uint32) error
	// List returns tasks filtered by optional sessionID/status; zero
	// values mean "no filter" on that dimension.
	List(ctx context.Context, sessionID *int64, status *blockmodel.TaskStatus) ([]AgentTaskRecord, error)
}

// Store bundles the four repositories behind one handle, the shape the
// Task Executor is constructed with.
type Store struct {
	Sessions         Sessions
	Messages         Messages
	ContextSnapshots ContextSnapshots
	AgentTasks       AgentTasks
}
