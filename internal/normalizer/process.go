package normalizer

import (
	"path/filepath"
	"strings"
)

// openEntry tracks a streaming text entry (assistant message or thinking)
// that is still being extended: the first chunk allocates an index and
// emits add; subsequent chunks emit replace with the cumulative text.
type openEntry struct {
	index int
	kind  EntryKind
	buf   strings.Builder
}

// toolSlot remembers which entry index a given tool-call id was first
// assigned, so a later update to the same call replaces in place instead of
// allocating a new entry.
type toolSlot struct {
	index int
}

// ViewState is the per-(session, session-view) streaming state described in
// spec.md §4.7: an open text handle, a monotonic index counter, and a
// tool-call-id -> entry-index map. One ViewState exists per conversation
// document.
type ViewState struct {
	worktreeRoot string

	nextIndex int
	open      *openEntry
	tools     map[string]*toolSlot

	sessionIDEmitted bool
}

// NewViewState starts a fresh per-session streaming state scoped to
// worktreeRoot, used to make tool-reported paths relative to the worktree.
func NewViewState(worktreeRoot string) *ViewState {
	return &ViewState{
		worktreeRoot: worktreeRoot,
		tools:        make(map[string]*toolSlot),
	}
}

// Handle runs one RawEvent through the event-handling table of spec.md §4.7
// and returns the JSON-Patch operations it produces (zero or more).
func (v *ViewState) Handle(ev RawEvent) []PatchOp {
	switch ev.Kind {
	case "session_id":
		if v.sessionIDEmitted {
			return nil
		}
		v.sessionIDEmitted = true
		return nil // control message, not a document patch; caller forwards SessionID separately

	case "text":
		return v.handleText(ev.Text, KindAssistantMessage)

	case "thinking":
		return v.handleText(ev.Text, KindThinking)

	case "plan_update", "todo_update":
		ops := v.closeOpen()
		ops = append(ops, v.emitEntry(Entry{
			Kind:    KindToolUse,
			ToolName: "plan",
			Action:  ActionTodoManagement,
			Status:  ToolSuccess,
			Todos:   ev.Todos,
		}))
		return ops

	case "available_commands":
		ops := v.closeOpen()
		ops = append(ops, v.emitEntry(Entry{Kind: KindSystemMessage, Text: "Available commands: " + strings.Join(ev.Todos, ", ")}))
		return ops

	case "mode_change":
		ops := v.closeOpen()
		ops = append(ops, v.emitEntry(Entry{Kind: KindSystemMessage, Text: "Current mode: " + ev.Text}))
		return ops

	case "tool_call":
		return v.handleToolCall(ev)

	case "approval_denied":
		ops := v.closeOpen()
		ops = append(ops, v.emitEntry(Entry{
			Kind:       KindUserFeedback,
			DeniedTool: ev.DeniedTool,
			Text:       ev.FeedbackText,
		}))
		return ops

	case "error":
		ops := v.closeOpen()
		ops = append(ops, v.emitEntry(Entry{Kind: KindErrorMessage, Text: ev.ErrorText}))
		return ops

	case "finished":
		return v.closeOpen()

	default:
		return nil
	}
}

func (v *ViewState) handleText(chunk string, kind EntryKind) []PatchOp {
	if v.open != nil && v.open.kind == kind {
		v.open.buf.WriteString(chunk)
		return []PatchOp{replaceEntry(v.open.index, Entry{Kind: kind, Text: v.open.buf.String()})}
	}

	ops := v.closeOpen()
	idx := v.allocIndex()
	v.open = &openEntry{index: idx, kind: kind}
	v.open.buf.WriteString(chunk)
	ops = append(ops, addEntry(idx, Entry{Kind: kind, Text: chunk}))
	return ops
}

// closeOpen clears any open streaming text handle. Any non-text event closes
// the open stream per spec.md §4.7.
func (v *ViewState) closeOpen() []PatchOp {
	v.open = nil
	return nil
}

func (v *ViewState) emitEntry(e Entry) PatchOp {
	idx := v.allocIndex()
	return addEntry(idx, e)
}

func (v *ViewState) allocIndex() int {
	idx := v.nextIndex
	v.nextIndex++
	return idx
}

func (v *ViewState) handleToolCall(ev RawEvent) []PatchOp {
	ops := v.closeOpen()

	entry := mapToolCall(ev, v.worktreeRoot)

	// A tool call with no id (adapters that report invocation+result as a
	// single already-merged event) never has a second update to replace,
	// so it always allocates a fresh entry rather than keying into tools.
	if ev.ToolID == "" {
		ops = append(ops, v.emitEntry(entry))
		if ev.DiffPath != "" && (ev.DiffOldText != "" || ev.DiffNewText != "") {
			ops = append(ops, v.projectDiff(ev)...)
		}
		return ops
	}

	slot, existed := v.tools[ev.ToolID]
	if !existed {
		idx := v.allocIndex()
		slot = &toolSlot{index: idx}
		v.tools[ev.ToolID] = slot
		ops = append(ops, addEntry(idx, entry))
	} else {
		ops = append(ops, replaceEntry(slot.index, entry))
	}

	if ev.DiffPath != "" && (ev.DiffOldText != "" || ev.DiffNewText != "") {
		ops = append(ops, v.projectDiff(ev)...)
	}

	return ops
}

// mapToolCall implements the Kind mapping table of spec.md §4.7: Read,
// Edit, Execute, Delete, Search, Fetch, Think, otherwise Tool.
func mapToolCall(ev RawEvent, worktreeRoot string) Entry {
	entry := Entry{
		Kind:     KindToolUse,
		ToolName: ev.ToolName,
		Status:   ev.ToolStatus,
		Result:   ev.ToolOutput,
	}
	if entry.Status == "" {
		entry.Status = ToolRunning
	}

	kind := classifyTool(ev.ToolName)
	switch kind {
	case "read":
		if !strings.HasPrefix(ev.ToolID, "read_many_files") {
			entry.Action = ActionFileRead
			entry.Path = relPath(worktreeRoot, pathFromInput(ev.ToolInput))
			return entry
		}
		entry.Action = ActionTool
		entry.Arguments = ev.ToolInput
		return entry

	case "edit":
		entry.Action = ActionFileEdit
		entry.Path = relPath(worktreeRoot, pathFromInput(ev.ToolInput))
		return entry

	case "delete":
		entry.Action = ActionFileEdit
		entry.Path = relPath(worktreeRoot, pathFromInput(ev.ToolInput))
		return entry

	case "execute":
		entry.Action = ActionCommandRun
		entry.Command = commandFromInput(ev.ToolInput)
		return entry

	case "search":
		entry.Action = ActionSearch
		entry.Query = stringField(ev.ToolInput, "query", "pattern")
		return entry

	case "fetch":
		entry.Action = ActionWebFetch
		entry.URL = stringField(ev.ToolInput, "url")
		return entry

	default:
		entry.Action = ActionTool
		entry.Arguments = ev.ToolInput
		return entry
	}
}

// classifyTool buckets a tool's name into the coarse kinds the mapping
// table switches over. Tool naming varies by agent family (claude-code's
// "Read"/"Edit"/"Bash" vs. codex/opencode's lowercase or verb-first
// names), so this matches on substrings rather than an exact name.
func classifyTool(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "delete") || strings.Contains(lower, "remove"):
		return "delete"
	case strings.Contains(lower, "read") || strings.Contains(lower, "view") || strings.Contains(lower, "cat"):
		return "read"
	case strings.Contains(lower, "edit") || strings.Contains(lower, "write") || strings.Contains(lower, "patch"):
		return "edit"
	case strings.Contains(lower, "bash") || strings.Contains(lower, "exec") || strings.Contains(lower, "shell") || strings.Contains(lower, "run"):
		return "execute"
	case strings.Contains(lower, "grep") || strings.Contains(lower, "search") || strings.Contains(lower, "glob") || strings.Contains(lower, "find"):
		return "search"
	case strings.Contains(lower, "fetch") || strings.Contains(lower, "webfetch") || strings.Contains(lower, "http"):
		return "fetch"
	case strings.Contains(lower, "think"):
		return "think"
	default:
		return "tool"
	}
}

func pathFromInput(input map[string]any) string {
	return stringField(input, "path", "file_path", "filePath")
}

func commandFromInput(input map[string]any) string {
	return stringField(input, "command", "cmd")
}

func stringField(input map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := input[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// relPath normalizes a tool-reported path to be relative to the worktree
// root, per spec.md §4.7's path-normalization rule.
func relPath(worktreeRoot, path string) string {
	if worktreeRoot == "" || path == "" {
		return path
	}
	if rel, err := filepath.Rel(worktreeRoot, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}
