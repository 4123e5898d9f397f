package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrate-dev/orchestrator/internal/apperr"
	"github.com/orchestrate-dev/orchestrator/pkg/model"
)

type RepoRepo struct{ s *Store }

type CreateRepoParams struct {
	ProjectID     string
	Name          string
	GitRemote     string
	RootPath      string
	DefaultBranch string
	SetupScript   string
	CopyFiles     []string
}

func (r *RepoRepo) Create(ctx context.Context, p CreateRepoParams) (*model.Repo, error) {
	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}
	copyFiles, err := json.Marshal(p.CopyFiles)
	if err != nil {
		return nil, apperr.New(apperr.ValidationError, "RepoRepo.Create", "", err)
	}

	rec := &model.Repo{
		ID:            uuid.NewString(),
		ProjectID:     p.ProjectID,
		Name:          p.Name,
		GitRemote:     p.GitRemote,
		RootPath:      p.RootPath,
		DefaultBranch: p.DefaultBranch,
		SetupScript:   p.SetupScript,
		CopyFiles:     p.CopyFiles,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	_, err = r.s.conn.ExecContext(ctx,
		`INSERT INTO repos (id, project_id, name, git_remote, root_path, default_branch, setup_script, copy_files, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProjectID, rec.Name, rec.GitRemote, rec.RootPath, rec.DefaultBranch, rec.SetupScript, string(copyFiles), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "RepoRepo.Create", rec.ID, err)
	}
	r.s.notify(ChangeEvent{Table: "repos", Op: Insert, RowID: rec.ID})
	return rec, nil
}

func (r *RepoRepo) Get(ctx context.Context, id string) (*model.Repo, error) {
	row := r.s.conn.QueryRowContext(ctx,
		`SELECT id, project_id, name, git_remote, root_path, default_branch, setup_script, copy_files, created_at, updated_at
		 FROM repos WHERE id = ?`, id)
	return scanRepo(row)
}

func (r *RepoRepo) ListByProject(ctx context.Context, projectID string) ([]*model.Repo, error) {
	rows, err := r.s.conn.QueryContext(ctx,
		`SELECT id, project_id, name, git_remote, root_path, default_branch, setup_script, copy_files, created_at, updated_at
		 FROM repos WHERE project_id = ? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "RepoRepo.ListByProject", projectID, err)
	}
	defer rows.Close()

	var out []*model.Repo
	for rows.Next() {
		rec, err := scanRepoRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRepo(row scanner) (*model.Repo, error) {
	rec := &model.Repo{}
	var copyFiles string
	if err := row.Scan(&rec.ID, &rec.ProjectID, &rec.Name, &rec.GitRemote, &rec.RootPath,
		&rec.DefaultBranch, &rec.SetupScript, &copyFiles, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "RepoRepo.Get", "", err)
		}
		return nil, apperr.New(apperr.Fatal, "RepoRepo.Get", "", err)
	}
	_ = json.Unmarshal([]byte(copyFiles), &rec.CopyFiles)
	return rec, nil
}

func scanRepoRows(rows *sql.Rows) (*model.Repo, error) {
	return scanRepo(rows)
}
