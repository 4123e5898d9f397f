package gitservice

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orchestrate-dev/orchestrator/internal/logging"
)

func setupGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		require.NoError(t, cmd.Run())
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "Test User")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial commit")
	return dir
}

func newTestService() *Service {
	return New("git", logging.Discard())
}

func TestCommitReturnsEmptyShaWhenTreeClean(t *testing.T) {
	dir := setupGitRepo(t)
	s := newTestService()
	ctx := context.Background()

	sha, err := s.Commit(ctx, dir, "nothing to commit")
	require.NoError(t, err)
	require.Empty(t, sha)
}

func TestCommitStagesAndCommitsChanges(t *testing.T) {
	dir := setupGitRepo(t)
	s := newTestService()
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("hi"), 0o644))
	sha, err := s.Commit(ctx, dir, "add new file")
	require.NoError(t, err)
	require.NotEmpty(t, sha)

	info, err := s.GetHeadInfo(dir)
	require.NoError(t, err)
	require.Equal(t, sha, info.SHA)
}

func TestBranchStatusAheadBehind(t *testing.T) {
	dir := setupGitRepo(t)
	s := newTestService()
	ctx := context.Background()

	_, err := s.run(ctx, dir, "checkout", "-b", "feature")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "feature.txt"), []byte("x"), 0o644))
	_, err = s.Commit(ctx, dir, "feature work")
	require.NoError(t, err)

	status, err := s.BranchStatus(dir, "feature", "main")
	require.NoError(t, err)
	require.Equal(t, 1, status.Ahead)
	require.Equal(t, 0, status.Behind)
}

func TestWorktreeLifecycle(t *testing.T) {
	dir := setupGitRepo(t)
	s := newTestService()
	ctx := context.Background()

	worktreePath := filepath.Join(t.TempDir(), "wt1")
	require.NoError(t, s.AddWorktree(ctx, dir, worktreePath, "wt-branch", "main"))

	_, err := os.Stat(worktreePath)
	require.NoError(t, err)

	require.False(t, s.IsRebasing(worktreePath))

	require.NoError(t, s.RemoveWorktree(ctx, dir, worktreePath, false))
}

func TestGetDiffsIncludesUntrackedAndModified(t *testing.T) {
	dir := setupGitRepo(t)
	s := newTestService()
	ctx := context.Background()

	base, err := s.GetHeadInfo(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\nmore"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "untracked.txt"), []byte("new"), 0o644))

	diffs, err := s.GetDiffs(ctx, dir, base.SHA)
	require.NoError(t, err)

	var paths []string
	for _, d := range diffs {
		paths = append(paths, d.Path)
	}
	require.Contains(t, paths, "README.md")
	require.Contains(t, paths, "untracked.txt")
}
