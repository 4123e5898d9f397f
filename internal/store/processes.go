package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/orchestrate-dev/orchestrator/internal/apperr"
	"github.com/orchestrate-dev/orchestrator/pkg/model"
)

type ExecutionProcessRepo struct{ s *Store }

const processColumns = `id, session_id, workspace_id, reason, status, executor_action, pid, dropped, started_at, exited_at, exit_code, created_at, updated_at`

type CreateProcessParams struct {
	SessionID   string
	WorkspaceID string
	Reason      model.ExecutionProcessReason
	Action      model.ExecutorAction
	PID         int
}

func (r *ExecutionProcessRepo) Create(ctx context.Context, p CreateProcessParams) (*model.ExecutionProcess, error) {
	now := time.Now()
	proc := &model.ExecutionProcess{
		ID:          generateULID(),
		SessionID:   p.SessionID,
		WorkspaceID: p.WorkspaceID,
		Reason:      p.Reason,
		Status:      model.ProcessRunning,
		Action:      p.Action,
		PID:         p.PID,
		StartedAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	actionJSON, err := json.Marshal(proc.Action)
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "ExecutionProcessRepo.Create", proc.ID, err)
	}
	_, err = r.s.conn.ExecContext(ctx,
		`INSERT INTO execution_processes (id, session_id, workspace_id, reason, status, executor_action, pid, dropped, started_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		proc.ID, proc.SessionID, proc.WorkspaceID, proc.Reason, proc.Status, actionJSON, proc.PID, proc.StartedAt, proc.CreatedAt, proc.UpdatedAt)
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "ExecutionProcessRepo.Create", proc.ID, err)
	}
	r.s.notify(ChangeEvent{Table: "execution_processes", Op: Insert, RowID: proc.ID})
	return proc, nil
}

func (r *ExecutionProcessRepo) Get(ctx context.Context, id string) (*model.ExecutionProcess, error) {
	row := r.s.conn.QueryRowContext(ctx,
		`SELECT `+processColumns+` FROM execution_processes WHERE id = ?`, id)
	return scanProcess(row)
}

func (r *ExecutionProcessRepo) Finish(ctx context.Context, id string, status model.ExecutionProcessStatus, exitCode *int) error {
	res, err := r.s.conn.ExecContext(ctx,
		`UPDATE execution_processes SET status = ?, exited_at = ?, exit_code = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), exitCode, time.Now(), id)
	if err != nil {
		return apperr.New(apperr.Fatal, "ExecutionProcessRepo.Finish", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "ExecutionProcessRepo.Finish", id, sql.ErrNoRows)
	}
	r.s.notify(ChangeEvent{Table: "execution_processes", Op: Update, RowID: id})
	return nil
}

func (r *ExecutionProcessRepo) RecordRepoState(ctx context.Context, st model.ExecutionProcessRepoState, before bool) error {
	if before {
		_, err := r.s.conn.ExecContext(ctx,
			`INSERT INTO execution_process_repo_states (execution_process_id, repo_id, before_head_commit, after_head_commit)
			 VALUES (?, ?, ?, '')
			 ON CONFLICT(execution_process_id, repo_id) DO UPDATE SET before_head_commit = excluded.before_head_commit`,
			st.ExecutionProcessID, st.RepoID, st.BeforeHeadCommit)
		if err != nil {
			return apperr.New(apperr.Fatal, "ExecutionProcessRepo.RecordRepoState", st.ExecutionProcessID, err)
		}
		return nil
	}
	_, err := r.s.conn.ExecContext(ctx,
		`UPDATE execution_process_repo_states SET after_head_commit = ? WHERE execution_process_id = ? AND repo_id = ?`,
		st.AfterHeadCommit, st.ExecutionProcessID, st.RepoID)
	if err != nil {
		return apperr.New(apperr.Fatal, "ExecutionProcessRepo.RecordRepoState", st.ExecutionProcessID, err)
	}
	return nil
}

// ListRunning returns every execution process still in the running state,
// used on startup to reconcile process table state: ReconcileOnStartup
// marks every such row killed, without checking for a live process at its
// PID.
func (r *ExecutionProcessRepo) ListRunning(ctx context.Context) ([]*model.ExecutionProcess, error) {
	rows, err := r.s.conn.QueryContext(ctx,
		`SELECT `+processColumns+` FROM execution_processes WHERE status = 'running'`)
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "ExecutionProcessRepo.ListRunning", "", err)
	}
	defer rows.Close()
	return scanProcessRows(rows)
}

// ListMissingBeforeHead returns the workspace's processes, in any status,
// that have no repo-state row at all — these need a late before-snapshot
// before the diff stream can compute a correct diff against them. A process
// with a row for some of the workspace's repos but not others is not
// returned.
func (r *ExecutionProcessRepo) ListMissingBeforeHead(ctx context.Context, workspaceID string) ([]*model.ExecutionProcess, error) {
	rows, err := r.s.conn.QueryContext(ctx, `
		SELECT `+processColumns+`
		FROM execution_processes p
		WHERE p.workspace_id = ?
		  AND NOT EXISTS (
		      SELECT 1 FROM execution_process_repo_states s
		      WHERE s.execution_process_id = p.id
		  )`, workspaceID)
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "ExecutionProcessRepo.ListMissingBeforeHead", workspaceID, err)
	}
	defer rows.Close()
	return scanProcessRows(rows)
}

// FindLatestBySessionAndReason returns the most recent non-dropped process
// for the given session/reason pair, the lookup §4.1 uses to decide whether a
// follow-up turn can resume an existing agent-side session. A dropped process
// (soft-deleted by a restore boundary) must never be resumed from.
func (r *ExecutionProcessRepo) FindLatestBySessionAndReason(ctx context.Context, sessionID string, reason model.ExecutionProcessReason) (*model.ExecutionProcess, error) {
	row := r.s.conn.QueryRowContext(ctx, `
		SELECT `+processColumns+`
		FROM execution_processes
		WHERE session_id = ? AND reason = ? AND dropped = 0
		ORDER BY started_at DESC LIMIT 1`, sessionID, reason)
	return scanProcess(row)
}

func (r *ExecutionProcessRepo) FindLatestByWorkspaceAndReason(ctx context.Context, workspaceID string, reason model.ExecutionProcessReason) (*model.ExecutionProcess, error) {
	row := r.s.conn.QueryRowContext(ctx, `
		SELECT `+processColumns+`
		FROM execution_processes
		WHERE workspace_id = ? AND reason = ? AND dropped = 0
		ORDER BY started_at DESC LIMIT 1`, workspaceID, reason)
	return scanProcess(row)
}

// ListBySession returns every process for a session in creation order,
// including dropped ones when showDropped is set — the backing query for
// stream_processes_for_session(session, show_soft_deleted).
func (r *ExecutionProcessRepo) ListBySession(ctx context.Context, sessionID string, showDropped bool) ([]*model.ExecutionProcess, error) {
	query := `SELECT ` + processColumns + ` FROM execution_processes WHERE session_id = ?`
	if !showDropped {
		query += ` AND dropped = 0`
	}
	query += ` ORDER BY created_at ASC`
	rows, err := r.s.conn.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "ExecutionProcessRepo.ListBySession", sessionID, err)
	}
	defer rows.Close()
	return scanProcessRows(rows)
}

// DropAtAndAfter soft-drops every non-dropped process in the session whose
// created_at is at or after the boundary process's created_at (inclusive),
// the history-trim operation a session restore runs before replaying from an
// earlier point. It returns the number of rows it dropped.
func (r *ExecutionProcessRepo) DropAtAndAfter(ctx context.Context, sessionID, boundaryProcessID string) (int64, error) {
	res, err := r.s.conn.ExecContext(ctx, `
		UPDATE execution_processes
		SET dropped = 1, updated_at = ?
		WHERE session_id = ?
		  AND created_at >= (SELECT created_at FROM execution_processes WHERE id = ?)
		  AND dropped = 0`,
		time.Now(), sessionID, boundaryProcessID)
	if err != nil {
		return 0, apperr.New(apperr.Fatal, "ExecutionProcessRepo.DropAtAndAfter", boundaryProcessID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.New(apperr.Fatal, "ExecutionProcessRepo.DropAtAndAfter", boundaryProcessID, err)
	}
	if n > 0 {
		r.s.notify(ChangeEvent{Table: "execution_processes", Op: Update, RowID: boundaryProcessID})
	}
	return n, nil
}

// HasRunningNonDevServer reports whether the workspace has any running
// process other than a dev server, used by the supervisor's quiescence check
// before allowing a workspace to be swept or merged.
func (r *ExecutionProcessRepo) HasRunningNonDevServer(ctx context.Context, workspaceID string) (bool, error) {
	row := r.s.conn.QueryRowContext(ctx, `
		SELECT EXISTS(
		    SELECT 1 FROM execution_processes
		    WHERE workspace_id = ? AND status = 'running' AND reason != 'dev_server'
		)`, workspaceID)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, apperr.New(apperr.Fatal, "ExecutionProcessRepo.HasRunningNonDevServer", workspaceID, err)
	}
	return exists, nil
}

func scanProcess(row scanner) (*model.ExecutionProcess, error) {
	p := &model.ExecutionProcess{}
	var exitedAt sql.NullTime
	var exitCode sql.NullInt64
	var actionJSON string
	if err := row.Scan(&p.ID, &p.SessionID, &p.WorkspaceID, &p.Reason, &p.Status, &actionJSON, &p.PID, &p.Dropped, &p.StartedAt, &exitedAt, &exitCode, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "ExecutionProcessRepo.Get", "", err)
		}
		return nil, apperr.New(apperr.Fatal, "ExecutionProcessRepo.Get", "", err)
	}
	if actionJSON != "" {
		if err := json.Unmarshal([]byte(actionJSON), &p.Action); err != nil {
			return nil, apperr.New(apperr.Fatal, "ExecutionProcessRepo.Get", p.ID, err)
		}
	}
	if exitedAt.Valid {
		p.ExitedAt = exitedAt.Time
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		p.ExitCode = &code
	}
	return p, nil
}

func scanProcessRows(rows *sql.Rows) ([]*model.ExecutionProcess, error) {
	var out []*model.ExecutionProcess
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
