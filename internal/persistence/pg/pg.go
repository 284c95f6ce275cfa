// Package pg implements the persistence.Store repositories on top of
// Postgres via pgx, following the connection style of the teacher's
// internal/agents/engine.go (pgx.Connect/pgxpool) and the interface-first
// repository shape of internal/persistence/databases/chat_store_memory.go.
//
// Table names only (spec §6 "The core does not see SQL" beyond what the
// repository methods require); schema migration is the caller's concern.
package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitx-agent/taskengine/internal/blockmodel"
	"github.com/orbitx-agent/taskengine/internal/persistence"
)

// Store wraps a pgxpool.Pool and implements every persistence repository.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pooled connection to databaseURL and returns a
// persistence.Store backed by Postgres.
func Connect(ctx context.Context, databaseURL string) (*persistence.Store, func(), error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	s := &Store{pool: pool}
	return &persistence.Store{
		Sessions:         s,
		Messages:         s,
		ContextSnapshots: s,
		AgentTasks:       s,
	}, pool.Close, nil
}

func (s *Store) SetStatus(ctx context.Context, sessionID int64, status string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $1, updated_at = now() WHERE id = $2`,
		status, sessionID)
	return err
}

func (s *Store) Append(ctx context.Context, msg *blockmodel.Message) error {
	blocksJSON, err := json.Marshal(msg.Blocks)
	if err != nil {
		return err
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO messages (session_id, role, blocks, status, created_at, is_summary_breakpoint)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		msg.SessionID, msg.Role, blocksJSON, msg.Status, timeOrNow(msg.CreatedAt), msg.IsSummaryBreakpoint)
	return row.Scan(&msg.ID)
}

func (s *Store) Update(ctx context.Context, msg *blockmodel.Message) error {
	blocksJSON, err := json.Marshal(msg.Blocks)
	if err != nil {
		return err
	}
	var usageJSON []byte
	if msg.TokenUsage != nil {
		usageJSON, err = json.Marshal(msg.TokenUsage)
		if err != nil {
			return err
		}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET blocks = $1, status = $2, finished_at = $3, duration_ms = $4, token_usage = $5
		 WHERE id = $6`,
		blocksJSON, msg.Status, msg.FinishedAt, msg.DurationMS, usageJSON, msg.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (s *Store) ListBySession(ctx context.Context, sessionID int64) ([]blockmodel.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, blocks, status, created_at, finished_at, duration_ms, token_usage, is_summary_breakpoint
		 FROM messages WHERE session_id = $1 ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) FetchSinceLatestSummary(ctx context.Context, sessionID int64) ([]blockmodel.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, blocks, status, created_at, finished_at, duration_ms, token_usage, is_summary_breakpoint
		 FROM messages
		 WHERE session_id = $1
		 AND id >= COALESCE(
			 (SELECT max(id) FROM messages WHERE session_id = $1 AND is_summary_breakpoint),
			 0)
		 ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]blockmodel.Message, error) {
	var out []blockmodel.Message
	for rows.Next() {
		var msg blockmodel.Message
		var blocksJSON, usageJSON []byte
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &blocksJSON, &msg.Status,
			&msg.CreatedAt, &msg.FinishedAt, &msg.DurationMS, &usageJSON, &msg.IsSummaryBreakpoint); err != nil {
			return nil, err
		}
		if len(blocksJSON) > 0 {
			if err := json.Unmarshal(blocksJSON, &msg.Blocks); err != nil {
				return nil, err
			}
		}
		if len(usageJSON) > 0 {
			var usage blockmodel.TokenUsage
			if err := json.Unmarshal(usageJSON, &usage); err != nil {
				return nil, err
			}
			msg.TokenUsage = &usage
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *Store) CreateFullSnapshot(ctx context.Context, taskID string, iteration uint32, messagesJSON []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO context_snapshots (task_id, iteration, messages_json, created_at)
		 VALUES ($1, $2, $3, $4)`,
		taskID, iteration, messagesJSON, time.Now().UTC())
	return err
}

func (s *Store) GetLatestSnapshot(ctx context.Context, taskID string) (uint32, []byte, error) {
	var iteration uint32
	var messagesJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT iteration, messages_json FROM context_snapshots
		 WHERE task_id = $1 ORDER BY iteration DESC LIMIT 1`, taskID).
		Scan(&iteration, &messagesJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, persistence.ErrNotFound
	}
	return iteration, messagesJSON, err
}

func (s *Store) FindByTaskID(ctx context.Context, taskID string) (persistence.AgentTaskRecord, error) {
	var rec persistence.AgentTaskRecord
	err := s.pool.QueryRow(ctx,
		`SELECT task_id, session_id, workspace_root, user_prompt, status, current_iteration, error_count
		 FROM agent_tasks WHERE task_id = $1`, taskID).
		Scan(&rec.TaskID, &rec.SessionID, &rec.WorkspaceRoot, &rec.UserPrompt, &rec.Status, &rec.CurrentIteration, &rec.ErrorCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, persistence.ErrNotFound
	}
	return rec, err
}

func (s *Store) Create(ctx context.Context, rec persistence.AgentTaskRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_tasks (task_id, session_id, workspace_root, user_prompt, status, current_iteration, error_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.TaskID, rec.SessionID, rec.WorkspaceRoot, rec.UserPrompt, rec.Status, rec.CurrentIteration, rec.ErrorCount)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return persistence.ErrConflict
	}
	return err
}

func (s *Store) UpdateStatus(ctx context.Context, taskID string, status blockmodel.TaskStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_tasks SET status = $1 WHERE task_id = $2`, status, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateProgress(ctx context.Context, taskID string, status blockmodel.TaskStatus, iteration, errorCount uint32) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_tasks SET status = $1, current_iteration = $2, error_count = $3 WHERE task_id = $4`,
		status, iteration, errorCount, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func (s *Store) List(ctx context.Context, sessionID *int64, status *blockmodel.TaskStatus) ([]persistence.AgentTaskRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT task_id, session_id, workspace_root, user_prompt, status, current_iteration, error_count FROM agent_tasks
		 WHERE ($1::bigint IS NULL OR session_id = $1)
		 AND ($2::text IS NULL OR status = $2)
		 ORDER BY task_id`, sessionID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []persistence.AgentTaskRecord
	for rows.Next() {
		var rec persistence.AgentTaskRecord
		if err := rows.Scan(&rec.TaskID, &rec.SessionID, &rec.WorkspaceRoot, &rec.UserPrompt, &rec.Status, &rec.CurrentIteration, &rec.ErrorCount); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
