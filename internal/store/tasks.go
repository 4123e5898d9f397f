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

type TaskRepo struct{ s *Store }

func (r *TaskRepo) Create(ctx context.Context, projectID, title, description string) (*model.Task, error) {
	t := &model.Task{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Title:       title,
		Description: description,
		Status:      model.TaskTodo,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	_, err := r.s.conn.ExecContext(ctx,
		`INSERT INTO tasks (id, project_id, title, description, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Description, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "TaskRepo.Create", t.ID, err)
	}
	r.s.notify(ChangeEvent{Table: "tasks", Op: Insert, RowID: t.ID})
	return t, nil
}

func (r *TaskRepo) Get(ctx context.Context, id string) (*model.Task, error) {
	row := r.s.conn.QueryRowContext(ctx,
		`SELECT id, project_id, title, description, status, created_at, updated_at FROM tasks WHERE id = ?`, id)
	t := &model.Task{}
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "TaskRepo.Get", id, err)
		}
		return nil, apperr.New(apperr.Fatal, "TaskRepo.Get", id, err)
	}
	return t, nil
}

func (r *TaskRepo) SetStatus(ctx context.Context, id string, status model.TaskStatus) error {
	res, err := r.s.conn.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), id)
	if err != nil {
		return apperr.New(apperr.Fatal, "TaskRepo.SetStatus", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "TaskRepo.SetStatus", id, sql.ErrNoRows)
	}
	r.s.notify(ChangeEvent{Table: "tasks", Op: Update, RowID: id})
	return nil
}

func (r *TaskRepo) ListByProject(ctx context.Context, projectID string) ([]*model.Task, error) {
	rows, err := r.s.conn.QueryContext(ctx,
		`SELECT id, project_id, title, description, status, created_at, updated_at
		 FROM tasks WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "TaskRepo.ListByProject", projectID, err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		t := &model.Task{}
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, apperr.New(apperr.Fatal, "TaskRepo.ListByProject", projectID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
