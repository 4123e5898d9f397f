package sweeper

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrate-dev/orchestrator/internal/gitservice"
	"github.com/orchestrate-dev/orchestrator/internal/logging"
	"github.com/orchestrate-dev/orchestrator/internal/store"
	"github.com/orchestrate-dev/orchestrator/pkg/model"
)

func initRepo(t *testing.T, root string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-q", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, exec.Command("sh", "-c", "echo hi > "+filepath.Join(root, "README.md")).Run())
	run("add", "-A")
	run("commit", "-q", "-m", "initial")
}

func TestSweeper_ReapsIdleWorkspace(t *testing.T) {
	root := t.TempDir()
	initRepo(t, root)

	worktree := filepath.Join(t.TempDir(), "wt")
	git := gitservice.New("", logging.Discard())
	require.NoError(t, git.AddWorktree(context.Background(), root, worktree, "feature", "main"))

	s, err := store.Open(filepath.Join(t.TempDir(), "orchestrator.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	proj, err := s.Projects.Create(ctx, "demo")
	require.NoError(t, err)
	task, err := s.Tasks.Create(ctx, proj.ID, "do the thing", "")
	require.NoError(t, err)
	repo, err := s.Repos.Create(ctx, store.CreateRepoParams{ProjectID: proj.ID, Name: "r", RootPath: root})
	require.NoError(t, err)
	ws, err := s.Workspaces.Create(ctx, store.CreateWorkspaceParams{TaskID: task.ID})
	require.NoError(t, err)
	require.NoError(t, s.Workspaces.SetContainerRef(ctx, ws.ID, root))
	_, err = s.WorkspaceRepos.Create(ctx, store.CreateWorkspaceRepoParams{
		WorkspaceID: ws.ID, RepoID: repo.ID, WorktreePath: worktree, BranchName: "feature", BaseBranch: "main",
	})
	require.NoError(t, err)

	// Backdate last_active_at past the sweeper's threshold directly via SQL,
	// since the store only ever advances it forward through Touch.
	_, err = s.Conn().ExecContext(ctx, `UPDATE workspaces SET last_active_at = ? WHERE id = ?`,
		time.Now().Add(-73*time.Hour), ws.ID)
	require.NoError(t, err)

	sw := New(s, git, logging.Discard(), DefaultStaleAfter)
	require.NoError(t, sw.RunOnce(ctx))

	got, err := s.Workspaces.Get(ctx, ws.ID)
	require.NoError(t, err)
	require.Equal(t, model.WorkspaceExpired, got.Status)
	require.Empty(t, got.ContainerRef)

	require.NoDirExists(t, worktree)
}

func TestSweeper_SkipsRecentlyActiveWorkspace(t *testing.T) {
	root := t.TempDir()
	initRepo(t, root)

	s, err := store.Open(filepath.Join(t.TempDir(), "orchestrator.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	proj, err := s.Projects.Create(ctx, "demo")
	require.NoError(t, err)
	task, err := s.Tasks.Create(ctx, proj.ID, "do the thing", "")
	require.NoError(t, err)
	ws, err := s.Workspaces.Create(ctx, store.CreateWorkspaceParams{TaskID: task.ID})
	require.NoError(t, err)
	require.NoError(t, s.Workspaces.SetContainerRef(ctx, ws.ID, root))

	git := gitservice.New("", logging.Discard())
	sw := New(s, git, logging.Discard(), DefaultStaleAfter)
	require.NoError(t, sw.RunOnce(ctx))

	got, err := s.Workspaces.Get(ctx, ws.ID)
	require.NoError(t, err)
	require.Equal(t, model.WorkspaceActive, got.Status)
	require.Equal(t, root, got.ContainerRef)
}
