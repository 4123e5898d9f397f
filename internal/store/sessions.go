package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrate-dev/orchestrator/internal/apperr"
	"github.com/orchestrate-dev/orchestrator/pkg/model"
)

type SessionRepo struct{ s *Store }

func (r *SessionRepo) Create(ctx context.Context, workspaceID, executorName string) (*model.Session, error) {
	sess := &model.Session{
		ID:           uuid.NewString(),
		WorkspaceID:  workspaceID,
		ExecutorName: executorName,
		CreatedAt:    time.Now(),
	}
	_, err := r.s.conn.ExecContext(ctx,
		`INSERT INTO sessions (id, workspace_id, executor_name, agent_session_id, created_at) VALUES (?, ?, ?, '', ?)`,
		sess.ID, sess.WorkspaceID, sess.ExecutorName, sess.CreatedAt)
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "SessionRepo.Create", sess.ID, err)
	}
	r.s.notify(ChangeEvent{Table: "sessions", Op: Insert, RowID: sess.ID})
	return sess, nil
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*model.Session, error) {
	row := r.s.conn.QueryRowContext(ctx,
		`SELECT id, workspace_id, executor_name, agent_session_id, created_at FROM sessions WHERE id = ?`, id)
	sess := &model.Session{}
	if err := row.Scan(&sess.ID, &sess.WorkspaceID, &sess.ExecutorName, &sess.AgentSessionID, &sess.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "SessionRepo.Get", id, err)
		}
		return nil, apperr.New(apperr.Fatal, "SessionRepo.Get", id, err)
	}
	return sess, nil
}

// SetExecutorName records which executor a session (created before its
// first turn picked one) now runs, a one-time transition from the empty
// string CreateWorkspaceFromTask leaves it in.
func (r *SessionRepo) SetExecutorName(ctx context.Context, id, executorName string) error {
	_, err := r.s.conn.ExecContext(ctx, `UPDATE sessions SET executor_name = ? WHERE id = ?`, executorName, id)
	if err != nil {
		return apperr.New(apperr.Fatal, "SessionRepo.SetExecutorName", id, err)
	}
	r.s.notify(ChangeEvent{Table: "sessions", Op: Update, RowID: id})
	return nil
}

// FindLatestByWorkspace returns the most recently created session for a
// workspace, the "find" half of start-agent-turn's find-or-create.
func (r *SessionRepo) FindLatestByWorkspace(ctx context.Context, workspaceID string) (*model.Session, error) {
	row := r.s.conn.QueryRowContext(ctx,
		`SELECT id, workspace_id, executor_name, agent_session_id, created_at
		 FROM sessions WHERE workspace_id = ? ORDER BY created_at DESC LIMIT 1`, workspaceID)
	sess := &model.Session{}
	if err := row.Scan(&sess.ID, &sess.WorkspaceID, &sess.ExecutorName, &sess.AgentSessionID, &sess.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "SessionRepo.FindLatestByWorkspace", workspaceID, err)
		}
		return nil, apperr.New(apperr.Fatal, "SessionRepo.FindLatestByWorkspace", workspaceID, err)
	}
	return sess, nil
}

func (r *SessionRepo) SetAgentSessionID(ctx context.Context, id, agentSessionID string) error {
	_, err := r.s.conn.ExecContext(ctx, `UPDATE sessions SET agent_session_id = ? WHERE id = ?`, agentSessionID, id)
	if err != nil {
		return apperr.New(apperr.Fatal, "SessionRepo.SetAgentSessionID", id, err)
	}
	r.s.notify(ChangeEvent{Table: "sessions", Op: Update, RowID: id})
	return nil
}
