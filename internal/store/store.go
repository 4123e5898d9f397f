// Package store implements the orchestrator's persistence layer: a single
// embedded sqlite file, goose-managed migrations, and typed repositories with
// a change-hook broadcast contract used to feed internal/eventbus.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ChangeOp identifies the kind of row mutation a ChangeHook was invoked for.
type ChangeOp string

const (
	Insert ChangeOp = "insert"
	Update ChangeOp = "update"
	Delete ChangeOp = "delete"
)

// ChangeEvent is delivered to every registered ChangeHook after a row's
// mutation has committed.
type ChangeEvent struct {
	Table string
	Op    ChangeOp
	RowID string
}

// ChangeHook is invoked synchronously, from the goroutine that performed the
// mutation, immediately after the statement committed. Hooks that need to do
// more work should spawn their own goroutine rather than block the caller.
type ChangeHook func(ChangeEvent)

type Store struct {
	conn *sql.DB
	log  *slog.Logger

	hooks []ChangeHook

	Projects    *ProjectRepo
	Repos       *RepoRepo
	Tasks       *TaskRepo
	Workspaces  *WorkspaceTable
	WorkspaceRepos *WorkspaceRepoTable
	Sessions    *SessionRepo
	Processes   *ExecutionProcessRepo
	Merges      *MergeRepo
}

// Open connects to the sqlite file at path, applying the same pragmas the
// teacher's db.go applies for a local connection (WAL, foreign keys, busy
// timeout, synchronous=NORMAL), then runs migrations and wires the
// repositories.
func Open(path string, log *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory %s: %w", dir, err)
		}
	}

	conn, err := connectWithRetry(path)
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	s := &Store{conn: conn, log: log}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	s.Projects = &ProjectRepo{s: s}
	s.Repos = &RepoRepo{s: s}
	s.Tasks = &TaskRepo{s: s}
	s.Workspaces = &WorkspaceTable{s: s}
	s.WorkspaceRepos = &WorkspaceRepoTable{s: s}
	s.Sessions = &SessionRepo{s: s}
	s.Processes = &ExecutionProcessRepo{s: s}
	s.Merges = &MergeRepo{s: s}

	return s, nil
}

func connectWithRetry(path string) (*sql.DB, error) {
	const maxRetries = 5
	baseDelay := 100 * time.Millisecond

	var conn *sql.DB
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		conn, err = sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(5)

		if err = conn.Ping(); err == nil {
			return conn, nil
		}
		conn.Close()
		if attempt == maxRetries-1 {
			return nil, fmt.Errorf("ping database after %d attempts: %w", maxRetries, err)
		}
		time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
	}
	return nil, err
}

func (s *Store) Close() error {
	s.conn.SetMaxOpenConns(0)
	s.conn.SetMaxIdleConns(0)
	return s.conn.Close()
}

func (s *Store) Conn() *sql.DB { return s.conn }

// OnChange registers a hook invoked after every committed insert/update/
// delete performed through this Store's repositories.
func (s *Store) OnChange(h ChangeHook) {
	s.hooks = append(s.hooks, h)
}

// notify fires registered hooks. Inserts must never be wrapped in an outer
// transaction by callers: the hook's own follow-up read (typically a
// re-SELECT to publish a fresh snapshot) must see the row as already
// committed, matching the persistence store's documented contract.
func (s *Store) notify(ev ChangeEvent) {
	for _, h := range s.hooks {
		h(ev)
	}
}
