package eventbus

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchestrate-dev/orchestrator/internal/logging"
	"github.com/orchestrate-dev/orchestrator/internal/store"
	"github.com/orchestrate-dev/orchestrator/pkg/model"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func openTestBus(t *testing.T) *Bus {
	t.Helper()
	cfg := EmbeddedConfig{
		Port:     freePort(t),
		HTTPPort: freePort(t),
		StoreDir: t.TempDir(),
	}
	b, err := Open(cfg, 100, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(b.Close)
	require.NoError(t, b.EnsureStreams())
	return b
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "eventbus.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func recvPatchOps(t *testing.T, msg LogMsg) []PatchOp {
	t.Helper()
	require.Equal(t, KindJSONPatch, msg.Kind)
	var ops []PatchOp
	require.NoError(t, json.Unmarshal(msg.JSONPatch, &ops))
	return ops
}

func TestPublishSubscribeDeliversInOrder(t *testing.T) {
	b := openTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sub, err := b.Subscribe(ctx, subjectWorkspace("ws-1"))
	require.NoError(t, err)

	require.NoError(t, b.PublishWorkspace("ws-1", LogMsg{Kind: KindReady}))
	require.NoError(t, b.PublishWorkspace("ws-1", LogMsg{Kind: KindFinished}))

	select {
	case msg := <-sub.C():
		require.Equal(t, KindReady, msg.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first message")
	}

	select {
	case msg := <-sub.C():
		require.Equal(t, KindFinished, msg.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second message")
	}
}

func TestSubscribeReplaysRetainedMessagesBeforeLive(t *testing.T) {
	b := openTestBus(t)

	require.NoError(t, b.PublishTask("task-1", LogMsg{Kind: KindSessionID, SessionID: "sess-1"}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sub, err := b.Subscribe(ctx, subjectTask("task-1"))
	require.NoError(t, err)

	select {
	case msg := <-sub.C():
		require.Equal(t, "sess-1", msg.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for replayed message")
	}
}

func TestDistinctSubjectsDoNotCrossDeliver(t *testing.T) {
	b := openTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	subA, err := b.Subscribe(ctx, subjectSession("session-a"))
	require.NoError(t, err)
	subB, err := b.Subscribe(ctx, subjectSession("session-b"))
	require.NoError(t, err)

	require.NoError(t, b.PublishProcess("session-a", LogMsg{Kind: KindReady}))

	select {
	case msg := <-subA.C():
		require.Equal(t, KindReady, msg.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session-a message")
	}

	select {
	case <-subB.C():
		t.Fatal("session-b subscription should not have received session-a's message")
	case <-time.After(300 * time.Millisecond):
	}
}

// seedWorkspace creates a project/task/workspace chain so StreamWorkspaces
// has a real row to snapshot.
func seedWorkspace(t *testing.T, s *store.Store) (projectID, taskID, workspaceID string) {
	t.Helper()
	ctx := context.Background()
	proj, err := s.Projects.Create(ctx, "demo")
	require.NoError(t, err)
	task, err := s.Tasks.Create(ctx, proj.ID, "Add widgets", "")
	require.NoError(t, err)
	ws, err := s.Workspaces.Create(ctx, store.CreateWorkspaceParams{TaskID: task.ID})
	require.NoError(t, err)
	return proj.ID, task.ID, ws.ID
}

func TestStreamWorkspacesEmitsSnapshotThenReady(t *testing.T) {
	b := openTestBus(t)
	s := openTestStore(t)
	_, _, wsID := seedWorkspace(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sub, err := b.StreamWorkspaces(ctx, s, nil, 0)
	require.NoError(t, err)

	select {
	case msg := <-sub.C():
		ops := recvPatchOps(t, msg)
		require.Len(t, ops, 1)
		require.Equal(t, "add", ops[0].Op)
		require.Equal(t, "/workspaces", ops[0].Path)
		value, ok := ops[0].Value.(map[string]any)
		require.True(t, ok)
		require.Contains(t, value, wsID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot patch")
	}

	select {
	case msg := <-sub.C():
		require.Equal(t, KindReady, msg.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ready")
	}
}

func TestStreamWorkspacesFiltersByArchived(t *testing.T) {
	b := openTestBus(t)
	s := openTestStore(t)
	_, _, wsID := seedWorkspace(t, s)

	archived := true
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sub, err := b.StreamWorkspaces(ctx, s, &archived, 0)
	require.NoError(t, err)

	// Active workspace excluded from an archived-only view: snapshot is empty.
	select {
	case msg := <-sub.C():
		ops := recvPatchOps(t, msg)
		value, ok := ops[0].Value.(map[string]any)
		require.True(t, ok)
		require.NotContains(t, value, wsID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot patch")
	}
	<-sub.C() // Ready

	require.NoError(t, s.Workspaces.SetStatus(context.Background(), wsID, model.WorkspaceClosed))
	// This package tests the derived stream's reconciliation in isolation
	// from the orchestrator's change-feed bridge, so simulate the patch the
	// bridge would publish after the row committed.
	closedPatch, err := json.Marshal([]PatchOp{{Op: "replace", Path: "/workspaces/" + wsID, Value: map[string]any{"id": wsID}}})
	require.NoError(t, err)
	require.NoError(t, b.PublishWorkspace(wsID, LogMsg{Kind: KindJSONPatch, JSONPatch: closedPatch}))

	select {
	case msg := <-sub.C():
		ops := recvPatchOps(t, msg)
		require.Len(t, ops, 1)
		require.Equal(t, "add", ops[0].Op)
		require.Equal(t, "/workspaces/"+wsID, ops[0].Path)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the workspace to enter the archived view")
	}
}

func TestStreamProcessesForSessionHidesDroppedByDefault(t *testing.T) {
	b := openTestBus(t)
	s := openTestStore(t)
	ctx := context.Background()
	_, _, wsID := seedWorkspace(t, s)
	session, err := s.Sessions.Create(ctx, wsID, "claude-code")
	require.NoError(t, err)

	proc, err := s.Processes.Create(ctx, store.CreateProcessParams{SessionID: session.ID, WorkspaceID: wsID, Reason: model.ReasonCodingAgent})
	require.NoError(t, err)

	subCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)

	sub, err := b.StreamProcessesForSession(subCtx, s, session.ID, false)
	require.NoError(t, err)

	select {
	case msg := <-sub.C():
		ops := recvPatchOps(t, msg)
		value, ok := ops[0].Value.(map[string]any)
		require.True(t, ok)
		require.Contains(t, value, proc.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot patch")
	}
	<-sub.C() // Ready

	_, err = s.Processes.DropAtAndAfter(ctx, session.ID, proc.ID)
	require.NoError(t, err)
	// This package tests the derived stream's reconciliation in isolation
	// from the orchestrator's change-feed bridge, so simulate the patch the
	// bridge would publish after the drop committed.
	droppedPatch, err := json.Marshal([]PatchOp{{Op: "replace", Path: "/execution_processes/" + proc.ID, Value: map[string]any{"id": proc.ID}}})
	require.NoError(t, err)
	require.NoError(t, b.PublishProcess(session.ID, LogMsg{Kind: KindJSONPatch, JSONPatch: droppedPatch}))

	select {
	case msg := <-sub.C():
		ops := recvPatchOps(t, msg)
		require.Len(t, ops, 1)
		require.Equal(t, "remove", ops[0].Op)
		require.Equal(t, "/execution_processes/"+proc.ID, ops[0].Path)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the dropped process to be removed")
	}
}

func TestStreamProcessesForSessionPassesThroughConversationEntries(t *testing.T) {
	b := openTestBus(t)
	s := openTestStore(t)
	ctx := context.Background()
	_, _, wsID := seedWorkspace(t, s)
	session, err := s.Sessions.Create(ctx, wsID, "claude-code")
	require.NoError(t, err)

	subCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)

	sub, err := b.StreamProcessesForSession(subCtx, s, session.ID, false)
	require.NoError(t, err)
	<-sub.C() // snapshot
	<-sub.C() // ready

	entry, err := json.Marshal([]PatchOp{{Op: "add", Path: "/entries/0", Value: "hi"}})
	require.NoError(t, err)
	require.NoError(t, b.PublishProcess(session.ID, LogMsg{Kind: KindJSONPatch, JSONPatch: entry}))

	select {
	case msg := <-sub.C():
		ops := recvPatchOps(t, msg)
		require.Len(t, ops, 1)
		require.Equal(t, "/entries/0", ops[0].Path)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the conversation entry to pass through")
	}
}
