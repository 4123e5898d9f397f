package fswatch

import (
	"context"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrate-dev/orchestrator/internal/logging"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		require.NoError(t, cmd.Run())
	}
	run("init", "-b", "main")
	run("config", "user.email", "t@t.com")
	run("config", "user.name", "T")
	run("commit", "--allow-empty", "-m", "init")
	return dir
}

func TestGitStateWatcherFiresOnCommit(t *testing.T) {
	dir := initRepo(t)
	var fired int32

	w, err := NewGitStateWatcher(dir, logging.Discard(), func() { atomic.AddInt32(&fired, 1) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	cmd := exec.Command("git", "commit", "--allow-empty", "-m", "second")
	cmd.Dir = dir
	require.NoError(t, cmd.Run())

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) > 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGitStateWatcherResolvesWorktreeGitdir(t *testing.T) {
	dir := initRepo(t)
	wtPath := filepath.Join(t.TempDir(), "wt")

	cmd := exec.Command("git", "worktree", "add", "-b", "feature", wtPath)
	cmd.Dir = dir
	require.NoError(t, cmd.Run())

	w, err := NewGitStateWatcher(wtPath, logging.Discard(), func() {})
	require.NoError(t, err)
	require.NotNil(t, w)
}
