package normalizer

import (
	"fmt"
	"strings"
)

// byteBudget caps the content bytes (old+new text) of a single diff the
// normalizer renders; a diff over it is rendered stats-only (spec.md §4.9's
// 200 MiB budget). The normalizer keeps no running total across diffs; the
// diff-stream component enforces the stream-wide budget independently.
const byteBudget = 200 * 1024 * 1024

// projectDiff renders ev's old/new text pair into a unified diff (or a
// whole-file write when old is empty) and emits the add/remove diff patch,
// per spec.md §4.7's diff-projection rule.
func (v *ViewState) projectDiff(ev RawEvent) []PatchOp {
	path := relPath(v.worktreeRoot, ev.DiffPath)

	if ev.DiffNewText == "" && ev.DiffOldText != "" {
		return []PatchOp{removeDiff(path)}
	}

	additions, deletions, unified := unifiedLineDiff(ev.DiffOldText, ev.DiffNewText)

	d := Diff{
		Path:        path,
		Additions:   additions,
		Deletions:   deletions,
		NewContent:  ev.DiffNewText,
		UnifiedDiff: unified,
	}
	if len(ev.DiffOldText)+len(ev.DiffNewText) > byteBudget {
		d.ContentOmitted = true
		d.NewContent = ""
		d.UnifiedDiff = ""
	}
	return []PatchOp{addDiff(path, d)}
}

// unifiedLineDiff computes a minimal unified diff between two texts using a
// Myers-style longest-common-subsequence over lines. Hand-rolled: no pack
// library wires a unified-diff-from-two-strings primitive (go-git's diff
// machinery operates on git trees/blobs, not arbitrary string pairs).
func unifiedLineDiff(oldText, newText string) (additions, deletions int, unified string) {
	oldLines := splitLines(oldText)
	newLines := splitLines(newText)

	ops := lcsDiff(oldLines, newLines)

	var b strings.Builder
	for _, op := range ops {
		switch op.kind {
		case diffEqual:
			fmt.Fprintf(&b, " %s\n", op.line)
		case diffDelete:
			deletions++
			fmt.Fprintf(&b, "-%s\n", op.line)
		case diffInsert:
			additions++
			fmt.Fprintf(&b, "+%s\n", op.line)
		}
	}
	return additions, deletions, b.String()
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

type diffOpKind int

const (
	diffEqual diffOpKind = iota
	diffDelete
	diffInsert
)

type diffOp struct {
	kind diffOpKind
	line string
}

// lcsDiff computes a line-level diff via dynamic-programming longest-common
// -subsequence, then backtracks into a sequence of equal/delete/insert ops.
// O(n*m) in line counts, acceptable for the per-file diffs this normalizer
// handles (not whole-repository diffing, which gitservice delegates to git
// itself).
func lcsDiff(a, b []string) []diffOp {
	n, m := len(a), len(b)
	lengths := make([][]int, n+1)
	for i := range lengths {
		lengths[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lengths[i][j] = lengths[i+1][j+1] + 1
			} else if lengths[i+1][j] >= lengths[i][j+1] {
				lengths[i][j] = lengths[i+1][j]
			} else {
				lengths[i][j] = lengths[i][j+1]
			}
		}
	}

	var ops []diffOp
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			ops = append(ops, diffOp{diffEqual, a[i]})
			i++
			j++
		case lengths[i+1][j] >= lengths[i][j+1]:
			ops = append(ops, diffOp{diffDelete, a[i]})
			i++
		default:
			ops = append(ops, diffOp{diffInsert, b[j]})
			j++
		}
	}
	for ; i < n; i++ {
		ops = append(ops, diffOp{diffDelete, a[i]})
	}
	for ; j < m; j++ {
		ops = append(ops, diffOp{diffInsert, b[j]})
	}
	return ops
}
