package normalizer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamingTextOpensThenReplaces(t *testing.T) {
	v := NewViewState("")

	ops := v.Handle(RawEvent{Kind: "text", Text: "Hello"})
	require.Len(t, ops, 1)
	require.Equal(t, "add", ops[0].Op)
	require.Equal(t, "/entries/0", ops[0].Path)

	ops = v.Handle(RawEvent{Kind: "text", Text: ", world"})
	require.Len(t, ops, 1)
	require.Equal(t, "replace", ops[0].Op)
	require.Equal(t, "/entries/0", ops[0].Path)
	entry := ops[0].Value.(Entry)
	require.Equal(t, "Hello, world", entry.Text)
}

func TestNonTextEventClosesOpenStream(t *testing.T) {
	v := NewViewState("")

	v.Handle(RawEvent{Kind: "text", Text: "partial"})
	v.Handle(RawEvent{Kind: "tool_call", ToolID: "t1", ToolName: "Bash", ToolInput: map[string]any{"command": "ls"}})

	ops := v.Handle(RawEvent{Kind: "text", Text: "fresh start"})
	require.Len(t, ops, 1)
	require.Equal(t, "add", ops[0].Op)
	entry := ops[0].Value.(Entry)
	require.Equal(t, "fresh start", entry.Text)
}

func TestToolCallUpdateReplacesSameIndex(t *testing.T) {
	v := NewViewState("")

	ops := v.Handle(RawEvent{Kind: "tool_call", ToolID: "t1", ToolName: "Bash", ToolStatus: ToolRunning, ToolInput: map[string]any{"command": "ls"}})
	require.Equal(t, "add", ops[0].Op)
	firstPath := ops[0].Path

	ops = v.Handle(RawEvent{Kind: "tool_call", ToolID: "t1", ToolName: "Bash", ToolStatus: ToolSuccess, ToolInput: map[string]any{"command": "ls"}, ToolOutput: "file.go"})
	require.Equal(t, "replace", ops[0].Op)
	require.Equal(t, firstPath, ops[0].Path)
	entry := ops[0].Value.(Entry)
	require.Equal(t, ToolSuccess, entry.Status)
	require.Equal(t, "file.go", entry.Result)
}

func TestToolCallWithoutIDAlwaysAllocatesNewEntry(t *testing.T) {
	v := NewViewState("")

	ops1 := v.Handle(RawEvent{Kind: "tool_call", ToolName: "Read", ToolInput: map[string]any{"path": "a.go"}})
	ops2 := v.Handle(RawEvent{Kind: "tool_call", ToolName: "Read", ToolInput: map[string]any{"path": "b.go"}})

	require.NotEqual(t, ops1[0].Path, ops2[0].Path)
}

func TestToolKindMappingReadVsEditVsExecute(t *testing.T) {
	v := NewViewState("/repo")

	readOps := v.Handle(RawEvent{Kind: "tool_call", ToolID: "r1", ToolName: "Read", ToolInput: map[string]any{"path": "/repo/a.go"}})
	readEntry := readOps[0].Value.(Entry)
	require.Equal(t, ActionFileRead, readEntry.Action)
	require.Equal(t, "a.go", readEntry.Path)

	editOps := v.Handle(RawEvent{Kind: "tool_call", ToolID: "e1", ToolName: "Edit", ToolInput: map[string]any{"path": "/repo/b.go"}})
	editEntry := editOps[0].Value.(Entry)
	require.Equal(t, ActionFileEdit, editEntry.Action)

	execOps := v.Handle(RawEvent{Kind: "tool_call", ToolID: "x1", ToolName: "Bash", ToolInput: map[string]any{"command": "go test ./..."}})
	execEntry := execOps[0].Value.(Entry)
	require.Equal(t, ActionCommandRun, execEntry.Action)
	require.Equal(t, "go test ./...", execEntry.Command)
}

func TestReadManyFilesIsNotClassifiedAsFileRead(t *testing.T) {
	v := NewViewState("")

	ops := v.Handle(RawEvent{Kind: "tool_call", ToolID: "read_many_files-1", ToolName: "Read", ToolInput: map[string]any{}})
	entry := ops[0].Value.(Entry)
	require.Equal(t, ActionTool, entry.Action)
}

func TestPlanUpdateEmitsTodoManagementToolUse(t *testing.T) {
	v := NewViewState("")

	ops := v.Handle(RawEvent{Kind: "plan_update", Todos: []string{"write tests", "ship it"}})
	require.Len(t, ops, 1)
	entry := ops[0].Value.(Entry)
	require.Equal(t, ActionTodoManagement, entry.Action)
	require.Equal(t, []string{"write tests", "ship it"}, entry.Todos)
}

func TestApprovalDeniedEmitsUserFeedback(t *testing.T) {
	v := NewViewState("")

	ops := v.Handle(RawEvent{Kind: "approval_denied", DeniedTool: "bash", FeedbackText: "no destructive ops"})
	require.Len(t, ops, 1)
	entry := ops[0].Value.(Entry)
	require.Equal(t, KindUserFeedback, entry.Kind)
	require.Equal(t, "bash", entry.DeniedTool)
	require.Equal(t, "no destructive ops", entry.Text)
}

func TestErrorEventEmitsErrorMessage(t *testing.T) {
	v := NewViewState("")

	ops := v.Handle(RawEvent{Kind: "error", ErrorText: "boom"})
	require.Len(t, ops, 1)
	entry := ops[0].Value.(Entry)
	require.Equal(t, KindErrorMessage, entry.Kind)
	require.Equal(t, "boom", entry.Text)
}

func TestDiffProjectionComputesAdditionsAndDeletions(t *testing.T) {
	v := NewViewState("/repo")

	ops := v.Handle(RawEvent{
		Kind:        "tool_call",
		ToolID:      "e2",
		ToolName:    "Edit",
		ToolInput:   map[string]any{"path": "/repo/c.go"},
		DiffPath:    "/repo/c.go",
		DiffOldText: "line1\nline2\n",
		DiffNewText: "line1\nline2 changed\nline3\n",
	})

	var diffOp *PatchOp
	for i := range ops {
		if ops[i].Path == "/diffs/c.go" {
			diffOp = &ops[i]
		}
	}
	require.NotNil(t, diffOp)
	d := diffOp.Value.(Diff)
	require.Equal(t, 2, d.Additions)
	require.Equal(t, 1, d.Deletions)
}
