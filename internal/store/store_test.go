package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrate-dev/orchestrator/internal/logging"
	"github.com/orchestrate-dev/orchestrator/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestrator.db")
	s, err := Open(path, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestChangeHookFiresAfterCommittedInsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []ChangeEvent
	s.OnChange(func(ev ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev)
	})

	proj, err := s.Projects.Create(ctx, "demo")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	require.Equal(t, "projects", seen[0].Table)
	require.Equal(t, Insert, seen[0].Op)
	require.Equal(t, proj.ID, seen[0].RowID)

	// The hook must observe the row as already committed.
	fetched, err := s.Projects.Get(ctx, proj.ID)
	require.NoError(t, err)
	require.Equal(t, proj.Name, fetched.Name)
}

func TestWorkspaceLifecycleAndSweepability(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	proj, err := s.Projects.Create(ctx, "demo")
	require.NoError(t, err)
	task, err := s.Tasks.Create(ctx, proj.ID, "fix bug", "")
	require.NoError(t, err)

	ws, err := s.Workspaces.Create(ctx, CreateWorkspaceParams{
		TaskID: task.ID, BranchSuffix: "abcd", ExpiresAt: time.Now().Add(72 * time.Hour),
	})
	require.NoError(t, err)

	// Not yet sweepable: no container_ref set.
	sweepable, err := s.Workspaces.ListSweepable(ctx, time.Nanosecond)
	require.NoError(t, err)
	require.Empty(t, sweepable)

	require.NoError(t, s.Workspaces.SetContainerRef(ctx, ws.ID, "/tmp/ws-1"))
	time.Sleep(2 * time.Millisecond)

	sweepable, err = s.Workspaces.ListSweepable(ctx, time.Nanosecond)
	require.NoError(t, err)
	require.Len(t, sweepable, 1)
	require.Equal(t, ws.ID, sweepable[0].ID)
}

func TestHasRunningNonDevServerIgnoresDevServer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	proj, _ := s.Projects.Create(ctx, "demo")
	task, _ := s.Tasks.Create(ctx, proj.ID, "t", "")
	ws, _ := s.Workspaces.Create(ctx, CreateWorkspaceParams{TaskID: task.ID, BranchSuffix: "x", ExpiresAt: time.Now().Add(time.Hour)})
	sess, _ := s.Sessions.Create(ctx, ws.ID, "claude-code")

	_, err := s.Processes.Create(ctx, CreateProcessParams{
		SessionID: sess.ID, WorkspaceID: ws.ID, Reason: model.ReasonDevServer,
		Action: model.ExecutorAction{Kind: model.ActionScriptRequest, Script: "npm run dev"},
	})
	require.NoError(t, err)

	has, err := s.Processes.HasRunningNonDevServer(ctx, ws.ID)
	require.NoError(t, err)
	require.False(t, has)

	_, err = s.Processes.Create(ctx, CreateProcessParams{
		SessionID: sess.ID, WorkspaceID: ws.ID, Reason: model.ReasonCodingAgent,
		Action: model.ExecutorAction{Kind: model.ActionCodingAgentInitialRequest, Prompt: "claude"},
	})
	require.NoError(t, err)

	has, err = s.Processes.HasRunningNonDevServer(ctx, ws.ID)
	require.NoError(t, err)
	require.True(t, has)
}
