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

type ProjectRepo struct{ s *Store }

func (r *ProjectRepo) Create(ctx context.Context, name string) (*model.Project, error) {
	p := &model.Project{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	_, err := r.s.conn.ExecContext(ctx,
		`INSERT INTO projects (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "ProjectRepo.Create", p.ID, err)
	}
	r.s.notify(ChangeEvent{Table: "projects", Op: Insert, RowID: p.ID})
	return p, nil
}

func (r *ProjectRepo) Get(ctx context.Context, id string) (*model.Project, error) {
	row := r.s.conn.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM projects WHERE id = ?`, id)
	p := &model.Project{}
	if err := row.Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "ProjectRepo.Get", id, err)
		}
		return nil, apperr.New(apperr.Fatal, "ProjectRepo.Get", id, err)
	}
	return p, nil
}

func (r *ProjectRepo) List(ctx context.Context) ([]*model.Project, error) {
	rows, err := r.s.conn.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "ProjectRepo.List", "", err)
	}
	defer rows.Close()

	var out []*model.Project
	for rows.Next() {
		p := &model.Project{}
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, apperr.New(apperr.Fatal, "ProjectRepo.List", "", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
