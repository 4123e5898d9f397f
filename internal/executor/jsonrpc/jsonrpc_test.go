package jsonrpc

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSink struct {
	patches []NormalizedPatch
}

func (f *fakeSink) Emit(p any) error {
	f.patches = append(f.patches, p.(NormalizedPatch))
	return nil
}

type fakeApprover struct {
	calls []string
}

func (f *fakeApprover) RequestApproval(ctx context.Context, sessionID, toolName string, input map[string]any) (bool, error) {
	f.calls = append(f.calls, toolName)
	return true, nil
}

func TestNormalizeLogsEmitsCodexEvent(t *testing.T) {
	raw := `{"jsonrpc":"2.0","method":"codex/event/agent_message","params":{"text":"hi"}}` + "\n"

	sink := &fakeSink{}
	a := New("codex", noopLogger())
	err := a.NormalizeLogs(context.Background(), strings.NewReader(raw), "/tmp/wt", sink)
	require.NoError(t, err)
	require.Len(t, sink.patches, 1)
	require.Equal(t, "agent_message", sink.patches[0].Kind)
	require.Equal(t, "hi", sink.patches[0].Params["text"])
}

func TestNormalizeLogsTerminatesOnTaskComplete(t *testing.T) {
	raw := `{"jsonrpc":"2.0","method":"task_complete"}` + "\n"

	sink := &fakeSink{}
	a := New("codex", noopLogger())
	err := a.NormalizeLogs(context.Background(), strings.NewReader(raw), "/tmp/wt", sink)
	require.NoError(t, err)
	require.Len(t, sink.patches, 1)
	require.Equal(t, "finished", sink.patches[0].Kind)
}

func TestNormalizeLogsDispatchesApprovalRequest(t *testing.T) {
	raw := `{"jsonrpc":"2.0","method":"approval/request","params":{"session_id":"s1","tool_name":"Bash","input":{}}}` + "\n"

	sink := &fakeSink{}
	approver := &fakeApprover{}
	a := New("codex", noopLogger())
	a.UseApprovals(approver)

	err := a.NormalizeLogs(context.Background(), strings.NewReader(raw), "/tmp/wt", sink)
	require.NoError(t, err)
	require.Equal(t, []string{"Bash"}, approver.calls)
	require.Empty(t, sink.patches)
}

func TestRedactTruncatesLongHistoryValue(t *testing.T) {
	long := strings.Repeat("x", redactThreshold+100)
	in := map[string]any{"history": long, "other": "short"}

	out, ok := redact(in).(map[string]any)
	require.True(t, ok)
	require.Less(t, len(out["history"].(string)), len(long))
	require.Equal(t, "short", out["other"])
}
