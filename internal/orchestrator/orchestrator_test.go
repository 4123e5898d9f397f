package orchestrator

import (
	"context"
	"net"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrate-dev/orchestrator/internal/eventbus"
	"github.com/orchestrate-dev/orchestrator/internal/gitservice"
	"github.com/orchestrate-dev/orchestrator/internal/logging"
	"github.com/orchestrate-dev/orchestrator/internal/store"
	"github.com/orchestrate-dev/orchestrator/internal/supervisor"
	"github.com/orchestrate-dev/orchestrator/pkg/model"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

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

type testEnv struct {
	orc   *Orchestrator
	store *store.Store
	git   *gitservice.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "orchestrator.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bus, err := eventbus.Open(eventbus.EmbeddedConfig{
		Port:     freePort(t),
		HTTPPort: freePort(t),
		StoreDir: t.TempDir(),
	}, 100, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	require.NoError(t, bus.EnsureStreams())

	git := gitservice.New("", logging.Discard())
	sv := supervisor.New(s, git, bus, logging.Discard())

	executors := ExecutorRegistryMap{"script": newScriptExecutor("true")}
	orc := New(s, git, bus, sv, executors, nil, logging.Discard(), Config{BranchPrefix: "orc"})

	return &testEnv{orc: orc, store: s, git: git}
}

func (e *testEnv) waitRunning(t *testing.T, processID string) *model.ExecutionProcess {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		proc, err := e.store.Processes.Get(context.Background(), processID)
		require.NoError(t, err)
		if proc.Status != model.ProcessRunning {
			return proc
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("process %s did not finish in time", processID)
	return nil
}

func TestCreateWorkspaceFromTask_CreatesWorktreeAndSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	root := t.TempDir()
	initRepo(t, root)

	proj, err := env.store.Projects.Create(ctx, "demo")
	require.NoError(t, err)
	repo, err := env.store.Repos.Create(ctx, store.CreateRepoParams{ProjectID: proj.ID, Name: "r", RootPath: root, DefaultBranch: "main"})
	require.NoError(t, err)
	task, err := env.store.Tasks.Create(ctx, proj.ID, "Add widgets", "")
	require.NoError(t, err)

	ws, err := env.orc.CreateWorkspaceFromTask(ctx, CreateWorkspaceFromTaskParams{
		TaskID:       task.ID,
		WorktreeRoot: t.TempDir(),
	})
	require.NoError(t, err)
	require.Equal(t, model.WorkspaceActive, ws.Status)
	require.NotEmpty(t, ws.ContainerRef)

	repos, err := env.store.WorkspaceRepos.ListByWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	require.Equal(t, repo.ID, repos[0].RepoID)
	require.DirExists(t, repos[0].WorktreePath)
	require.NotEmpty(t, repos[0].BaseCommit)
}

func TestStartAgentTurn_SpawnsAndCompletes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	root := t.TempDir()
	initRepo(t, root)

	proj, err := env.store.Projects.Create(ctx, "demo")
	require.NoError(t, err)
	_, err = env.store.Repos.Create(ctx, store.CreateRepoParams{ProjectID: proj.ID, Name: "r", RootPath: root, DefaultBranch: "main"})
	require.NoError(t, err)
	task, err := env.store.Tasks.Create(ctx, proj.ID, "Add widgets", "")
	require.NoError(t, err)

	ws, err := env.orc.CreateWorkspaceFromTask(ctx, CreateWorkspaceFromTaskParams{TaskID: task.ID, WorktreeRoot: t.TempDir()})
	require.NoError(t, err)

	proc, err := env.orc.StartAgentTurn(ctx, StartAgentTurnParams{
		WorkspaceID:  ws.ID,
		ExecutorName: "script",
		Prompt:       "do the thing",
	})
	require.NoError(t, err)

	final := env.waitRunning(t, proc.ID)
	require.Equal(t, model.ProcessCompleted, final.Status)
}

func TestSquashMerge_RecordsMergeAndClosesWorkspace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	root := t.TempDir()
	initRepo(t, root)

	worktree := filepath.Join(t.TempDir(), "wt")
	require.NoError(t, env.git.AddWorktree(ctx, root, worktree, "feature", "main"))
	require.NoError(t, exec.Command("sh", "-c", "echo changed > "+filepath.Join(worktree, "NEW.md")).Run())
	_, err := env.git.Commit(ctx, worktree, "add NEW.md")
	require.NoError(t, err)

	proj, err := env.store.Projects.Create(ctx, "demo")
	require.NoError(t, err)
	repo, err := env.store.Repos.Create(ctx, store.CreateRepoParams{ProjectID: proj.ID, Name: "r", RootPath: root, DefaultBranch: "main"})
	require.NoError(t, err)
	task, err := env.store.Tasks.Create(ctx, proj.ID, "Add widgets", "")
	require.NoError(t, err)
	ws, err := env.store.Workspaces.Create(ctx, store.CreateWorkspaceParams{TaskID: task.ID})
	require.NoError(t, err)
	wr, err := env.store.WorkspaceRepos.Create(ctx, store.CreateWorkspaceRepoParams{
		WorkspaceID: ws.ID, RepoID: repo.ID, WorktreePath: worktree, BranchName: "feature", BaseBranch: "main",
	})
	require.NoError(t, err)

	merge, err := env.orc.SquashMerge(ctx, SquashMergeParams{WorkspaceRepoID: wr.ID, Message: "merge feature"})
	require.NoError(t, err)
	require.Equal(t, model.MergeMerged, merge.Status)
	require.NotEmpty(t, merge.MergeCommit)

	gotTask, err := env.store.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskDone, gotTask.Status)

	gotWs, err := env.store.Workspaces.Get(ctx, ws.ID)
	require.NoError(t, err)
	require.Equal(t, model.WorkspaceClosed, gotWs.Status)
}
