package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrate-dev/orchestrator/internal/apperr"
	"github.com/orchestrate-dev/orchestrator/pkg/model"
)

// WorkspaceTable is the repository for model.Workspace rows. Named *Table to
// avoid colliding with model.WorkspaceRepo, the entity linking a workspace to
// a repo (see WorkspaceRepoTable below).
type WorkspaceTable struct{ s *Store }

type CreateWorkspaceParams struct {
	TaskID       string
	BranchSuffix string
	ExpiresAt    time.Time
}

func (r *WorkspaceTable) Create(ctx context.Context, p CreateWorkspaceParams) (*model.Workspace, error) {
	now := time.Now()
	w := &model.Workspace{
		ID:           uuid.NewString(),
		TaskID:       p.TaskID,
		BranchSuffix: p.BranchSuffix,
		Status:       model.WorkspaceActive,
		LastActiveAt: now,
		CreatedAt:    now,
		ExpiresAt:    p.ExpiresAt,
	}
	_, err := r.s.conn.ExecContext(ctx,
		`INSERT INTO workspaces (id, task_id, branch_suffix, status, container_ref, last_active_at, created_at, expires_at)
		 VALUES (?, ?, ?, ?, '', ?, ?, ?)`,
		w.ID, w.TaskID, w.BranchSuffix, w.Status, w.LastActiveAt, w.CreatedAt, w.ExpiresAt)
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "WorkspaceTable.Create", w.ID, err)
	}
	r.s.notify(ChangeEvent{Table: "workspaces", Op: Insert, RowID: w.ID})
	return w, nil
}

func (r *WorkspaceTable) Get(ctx context.Context, id string) (*model.Workspace, error) {
	row := r.s.conn.QueryRowContext(ctx,
		`SELECT id, task_id, branch_suffix, status, container_ref, last_active_at, created_at, expires_at
		 FROM workspaces WHERE id = ?`, id)
	return scanWorkspace(row)
}

func (r *WorkspaceTable) SetStatus(ctx context.Context, id string, status model.WorkspaceStatus) error {
	res, err := r.s.conn.ExecContext(ctx, `UPDATE workspaces SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return apperr.New(apperr.Fatal, "WorkspaceTable.SetStatus", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "WorkspaceTable.SetStatus", id, sql.ErrNoRows)
	}
	r.s.notify(ChangeEvent{Table: "workspaces", Op: Update, RowID: id})
	return nil
}

func (r *WorkspaceTable) Touch(ctx context.Context, id string) error {
	_, err := r.s.conn.ExecContext(ctx, `UPDATE workspaces SET last_active_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return apperr.New(apperr.Fatal, "WorkspaceTable.Touch", id, err)
	}
	r.s.notify(ChangeEvent{Table: "workspaces", Op: Update, RowID: id})
	return nil
}

func (r *WorkspaceTable) SetContainerRef(ctx context.Context, id, ref string) error {
	_, err := r.s.conn.ExecContext(ctx, `UPDATE workspaces SET container_ref = ? WHERE id = ?`, ref, id)
	if err != nil {
		return apperr.New(apperr.Fatal, "WorkspaceTable.SetContainerRef", id, err)
	}
	r.s.notify(ChangeEvent{Table: "workspaces", Op: Update, RowID: id})
	return nil
}

// ListSweepable returns workspaces eligible for the cleanup sweep: a
// non-empty container_ref (worktrees were actually created), no in-flight
// processes, and last activity older than staleAfter.
func (r *WorkspaceTable) ListSweepable(ctx context.Context, staleAfter time.Duration) ([]*model.Workspace, error) {
	cutoff := time.Now().Add(-staleAfter)
	rows, err := r.s.conn.QueryContext(ctx, `
		SELECT w.id, w.task_id, w.branch_suffix, w.status, w.container_ref, w.last_active_at, w.created_at, w.expires_at
		FROM workspaces w
		WHERE w.container_ref != ''
		  AND w.last_active_at < ?
		  AND NOT EXISTS (
		      SELECT 1 FROM execution_processes p
		      WHERE p.workspace_id = w.id AND p.status = 'running'
		  )`, cutoff)
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "WorkspaceTable.ListSweepable", "", err)
	}
	defer rows.Close()

	var out []*model.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// List returns workspaces ordered by most recently active first, optionally
// restricted to archived (closed) or non-archived workspaces and capped at
// limit (0 means unbounded) — the backing query for
// stream_workspaces(archived?, limit?).
func (r *WorkspaceTable) List(ctx context.Context, archived *bool, limit int) ([]*model.Workspace, error) {
	query := `SELECT id, task_id, branch_suffix, status, container_ref, last_active_at, created_at, expires_at FROM workspaces`
	args := []any{}
	if archived != nil {
		if *archived {
			query += ` WHERE status = ?`
		} else {
			query += ` WHERE status != ?`
		}
		args = append(args, model.WorkspaceClosed)
	}
	query += ` ORDER BY last_active_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := r.s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "WorkspaceTable.List", "", err)
	}
	defer rows.Close()

	var out []*model.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWorkspace(row scanner) (*model.Workspace, error) {
	w := &model.Workspace{}
	if err := row.Scan(&w.ID, &w.TaskID, &w.BranchSuffix, &w.Status, &w.ContainerRef, &w.LastActiveAt, &w.CreatedAt, &w.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "WorkspaceTable.Get", "", err)
		}
		return nil, apperr.New(apperr.Fatal, "WorkspaceTable.Get", "", err)
	}
	return w, nil
}

// WorkspaceRepoTable is the repository for model.WorkspaceRepo link rows.
type WorkspaceRepoTable struct{ s *Store }

type CreateWorkspaceRepoParams struct {
	WorkspaceID  string
	RepoID       string
	WorktreePath string
	BranchName   string
	BaseBranch   string
	BaseCommit   string
}

func (r *WorkspaceRepoTable) Create(ctx context.Context, p CreateWorkspaceRepoParams) (*model.WorkspaceRepo, error) {
	rec := &model.WorkspaceRepo{
		ID:           uuid.NewString(),
		WorkspaceID:  p.WorkspaceID,
		RepoID:       p.RepoID,
		WorktreePath: p.WorktreePath,
		BranchName:   p.BranchName,
		BaseBranch:   p.BaseBranch,
		BaseCommit:   p.BaseCommit,
	}
	_, err := r.s.conn.ExecContext(ctx,
		`INSERT INTO workspace_repos (id, workspace_id, repo_id, worktree_path, branch_name, base_branch, base_commit)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkspaceID, rec.RepoID, rec.WorktreePath, rec.BranchName, rec.BaseBranch, rec.BaseCommit)
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "WorkspaceRepoTable.Create", rec.ID, err)
	}
	r.s.notify(ChangeEvent{Table: "workspace_repos", Op: Insert, RowID: rec.ID})
	return rec, nil
}

// SetBaseCommit updates the recomputed base commit after a target-branch
// move, the write the diff stream issues whenever its merge-base
// recomputation changes the stored value.
func (r *WorkspaceRepoTable) SetBaseCommit(ctx context.Context, id, baseCommit string) error {
	_, err := r.s.conn.ExecContext(ctx, `UPDATE workspace_repos SET base_commit = ? WHERE id = ?`, baseCommit, id)
	if err != nil {
		return apperr.New(apperr.Fatal, "WorkspaceRepoTable.SetBaseCommit", id, err)
	}
	r.s.notify(ChangeEvent{Table: "workspace_repos", Op: Update, RowID: id})
	return nil
}

// SetTargetBranch updates the branch a workspace_repo rebases/merges onto,
// the write issued when a user retargets a workspace mid-flight.
func (r *WorkspaceRepoTable) SetTargetBranch(ctx context.Context, id, targetBranch string) error {
	_, err := r.s.conn.ExecContext(ctx, `UPDATE workspace_repos SET base_branch = ? WHERE id = ?`, targetBranch, id)
	if err != nil {
		return apperr.New(apperr.Fatal, "WorkspaceRepoTable.SetTargetBranch", id, err)
	}
	r.s.notify(ChangeEvent{Table: "workspace_repos", Op: Update, RowID: id})
	return nil
}

// Get fetches a single workspace_repo row by id, the refresh a 1-second
// poll uses to notice a user-driven target-branch change.
func (r *WorkspaceRepoTable) Get(ctx context.Context, id string) (*model.WorkspaceRepo, error) {
	row := r.s.conn.QueryRowContext(ctx,
		`SELECT id, workspace_id, repo_id, worktree_path, branch_name, base_branch, base_commit
		 FROM workspace_repos WHERE id = ?`, id)
	rec := &model.WorkspaceRepo{}
	if err := row.Scan(&rec.ID, &rec.WorkspaceID, &rec.RepoID, &rec.WorktreePath, &rec.BranchName, &rec.BaseBranch, &rec.BaseCommit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "WorkspaceRepoTable.Get", id, err)
		}
		return nil, apperr.New(apperr.Fatal, "WorkspaceRepoTable.Get", id, err)
	}
	return rec, nil
}

func (r *WorkspaceRepoTable) ListByWorkspace(ctx context.Context, workspaceID string) ([]*model.WorkspaceRepo, error) {
	rows, err := r.s.conn.QueryContext(ctx,
		`SELECT id, workspace_id, repo_id, worktree_path, branch_name, base_branch, base_commit
		 FROM workspace_repos WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "WorkspaceRepoTable.ListByWorkspace", workspaceID, err)
	}
	defer rows.Close()

	var out []*model.WorkspaceRepo
	for rows.Next() {
		rec := &model.WorkspaceRepo{}
		if err := rows.Scan(&rec.ID, &rec.WorkspaceID, &rec.RepoID, &rec.WorktreePath, &rec.BranchName, &rec.BaseBranch, &rec.BaseCommit); err != nil {
			return nil, apperr.New(apperr.Fatal, "WorkspaceRepoTable.ListByWorkspace", workspaceID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
