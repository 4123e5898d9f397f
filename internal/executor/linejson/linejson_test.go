package linejson

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orchestrate-dev/orchestrator/internal/executor"
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

func TestNormalizeLogsTranslatesAssistantText(t *testing.T) {
	raw := `{"type":"assistant","session_id":"sess-1","message":{"role":"assistant","content":[{"type":"text","text":"hello"}]}}` + "\n"

	sink := &fakeSink{}
	a := New("claude", noopLogger())
	err := a.NormalizeLogs(context.Background(), strings.NewReader(raw), "/tmp/wt", sink)
	require.NoError(t, err)
	require.Len(t, sink.patches, 1)
	require.Equal(t, "text", sink.patches[0].Kind)
	require.Equal(t, "hello", sink.patches[0].Text)
}

func TestNormalizeLogsTranslatesToolUse(t *testing.T) {
	raw := `{"type":"assistant","session_id":"sess-1","message":{"role":"assistant","content":[{"type":"tool_use","id":"tool-1","name":"Read","input":{"path":"a.go"}}]}}` + "\n"

	sink := &fakeSink{}
	a := New("claude", noopLogger())
	err := a.NormalizeLogs(context.Background(), strings.NewReader(raw), "/tmp/wt", sink)
	require.NoError(t, err)
	require.Len(t, sink.patches, 1)
	require.Equal(t, "tool_call", sink.patches[0].Kind)
	require.Equal(t, "Read", sink.patches[0].ToolName)
	require.Equal(t, "a.go", sink.patches[0].ToolInput["path"])
}

func TestNormalizeLogsTranslatesAllBlocksInAMultiBlockMessage(t *testing.T) {
	raw := `{"type":"assistant","session_id":"sess-1","message":{"role":"assistant","content":[{"type":"text","text":"let me check"},{"type":"tool_use","id":"tool-1","name":"Read","input":{"path":"a.go"}}]}}` + "\n"

	sink := &fakeSink{}
	a := New("claude", noopLogger())
	err := a.NormalizeLogs(context.Background(), strings.NewReader(raw), "/tmp/wt", sink)
	require.NoError(t, err)
	require.Len(t, sink.patches, 2)
	require.Equal(t, "text", sink.patches[0].Kind)
	require.Equal(t, "let me check", sink.patches[0].Text)
	require.Equal(t, "tool_call", sink.patches[1].Kind)
	require.Equal(t, "Read", sink.patches[1].ToolName)
}

func TestNormalizeLogsTranslatesErrorResult(t *testing.T) {
	raw := `{"type":"result","result":{"is_error":true,"result":"boom","session_id":"sess-1"}}` + "\n"

	sink := &fakeSink{}
	a := New("claude", noopLogger())
	err := a.NormalizeLogs(context.Background(), strings.NewReader(raw), "/tmp/wt", sink)
	require.NoError(t, err)
	require.Len(t, sink.patches, 1)
	require.Equal(t, "finished", sink.patches[0].Kind)
	require.Equal(t, "boom", sink.patches[0].Error)
}

func TestNormalizeLogsSkipsMalformedLines(t *testing.T) {
	raw := "not json\n" + `{"type":"assistant","session_id":"s","message":{"role":"assistant","content":[{"type":"text","text":"ok"}]}}` + "\n"

	sink := &fakeSink{}
	a := New("claude", noopLogger())
	err := a.NormalizeLogs(context.Background(), strings.NewReader(raw), "/tmp/wt", sink)
	require.NoError(t, err)
	require.Len(t, sink.patches, 1)
}

func TestBuildArgsIncludesResumeAndModel(t *testing.T) {
	a := New("claude", noopLogger())
	a.Model = "claude-opus"
	args := a.buildArgs(executor.SpawnOptions{Prompt: "do it", ExistingSessionID: "sess-9"})
	joined := strings.Join(args, " ")
	require.Contains(t, joined, "--resume sess-9")
	require.Contains(t, joined, "--model claude-opus")
}
