package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrate-dev/orchestrator/internal/apperr"
	"github.com/orchestrate-dev/orchestrator/pkg/model"
)

type MergeRepo struct{ s *Store }

type CreateMergeParams struct {
	WorkspaceID  string
	RepoID       string
	TargetBranch string
	PRNumber     int
	PRURL        string
}

func (r *MergeRepo) Create(ctx context.Context, p CreateMergeParams) (*model.Merge, error) {
	m := &model.Merge{
		ID:           uuid.NewString(),
		WorkspaceID:  p.WorkspaceID,
		RepoID:       p.RepoID,
		PRNumber:     p.PRNumber,
		PRURL:        p.PRURL,
		Status:       model.MergeOpen,
		TargetBranch: p.TargetBranch,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	_, err := r.s.conn.ExecContext(ctx,
		`INSERT INTO merges (id, workspace_id, repo_id, pr_number, pr_url, status, target_branch, merge_commit, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		m.ID, m.WorkspaceID, m.RepoID, m.PRNumber, m.PRURL, m.Status, m.TargetBranch, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "MergeRepo.Create", m.ID, err)
	}
	r.s.notify(ChangeEvent{Table: "merges", Op: Insert, RowID: m.ID})
	return m, nil
}

func (r *MergeRepo) SetStatus(ctx context.Context, id string, status model.MergeStatus, mergeCommit string) error {
	res, err := r.s.conn.ExecContext(ctx,
		`UPDATE merges SET status = ?, merge_commit = ?, updated_at = ? WHERE id = ?`,
		status, mergeCommit, time.Now(), id)
	if err != nil {
		return apperr.New(apperr.Fatal, "MergeRepo.SetStatus", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "MergeRepo.SetStatus", id, sql.ErrNoRows)
	}
	r.s.notify(ChangeEvent{Table: "merges", Op: Update, RowID: id})
	return nil
}

func (r *MergeRepo) ListOpen(ctx context.Context) ([]*model.Merge, error) {
	rows, err := r.s.conn.QueryContext(ctx,
		`SELECT id, workspace_id, repo_id, pr_number, pr_url, status, target_branch, merge_commit, created_at, updated_at
		 FROM merges WHERE status = 'open'`)
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "MergeRepo.ListOpen", "", err)
	}
	defer rows.Close()

	var out []*model.Merge
	for rows.Next() {
		m := &model.Merge{}
		if err := rows.Scan(&m.ID, &m.WorkspaceID, &m.RepoID, &m.PRNumber, &m.PRURL, &m.Status, &m.TargetBranch, &m.MergeCommit, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, apperr.New(apperr.Fatal, "MergeRepo.ListOpen", "", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
