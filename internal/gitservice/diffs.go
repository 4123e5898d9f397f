package gitservice

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/orchestrate-dev/orchestrator/internal/apperr"
)

// DefaultDiffExcludes mirrors the always-skip directories every diff
// listing ignores regardless of .gitignore contents.
var DefaultDiffExcludes = []string{"node_modules", "target", "dist", "build", ".venv", ".git"}

// FileDiff is one file's entry in a uniform tracked+untracked diff listing.
type FileDiff struct {
	Path    string
	Status  string // "added", "modified", "deleted"
	Patch   string
}

// GetDiffs produces a uniform diff of everything changed in worktree since
// baseRef, covering both tracked modifications AND untracked new files, by
// building a temporary index from baseRef then adding the full working tree
// on top of it (git read-tree + add -A against a scratch index), so a single
// "git diff --cached" captures both kinds of change in one pass.
func (s *Service) GetDiffs(ctx context.Context, worktree, baseRef string) ([]FileDiff, error) {
	scratchIndex, err := os.CreateTemp("", "orc-index-*")
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "GetDiffs", worktree, err)
	}
	scratchIndex.Close()
	defer os.Remove(scratchIndex.Name())

	env := append(os.Environ(), "GIT_INDEX_FILE="+scratchIndex.Name())

	if _, err := s.runEnv(ctx, worktree, env, "read-tree", baseRef); err != nil {
		return nil, err
	}
	if _, err := s.runEnv(ctx, worktree, env, "add", "-A", "--", "."); err != nil {
		return nil, err
	}

	out, err := s.runEnv(ctx, worktree, env, "diff", "--cached", "--no-color", baseRef)
	if err != nil {
		return nil, err
	}

	diffs := parseUnifiedDiff(out)
	filtered := diffs[:0]
	for _, d := range diffs {
		if !isExcluded(d.Path) {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

func (s *Service) runEnv(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, s.gitBin, args...)
	cmd.Dir = dir
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", classifyGitError(dir, args, string(out), err)
	}
	return string(out), nil
}

func parseUnifiedDiff(raw string) []FileDiff {
	var diffs []FileDiff
	var cur *FileDiff
	var body bytes.Buffer

	flush := func() {
		if cur != nil {
			cur.Patch = body.String()
			diffs = append(diffs, *cur)
		}
		body.Reset()
	}

	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "diff --git ") {
			flush()
			path := extractDiffPath(line)
			cur = &FileDiff{Path: path, Status: "modified"}
		}
		if cur != nil {
			if strings.HasPrefix(line, "new file mode") {
				cur.Status = "added"
			}
			if strings.HasPrefix(line, "deleted file mode") {
				cur.Status = "deleted"
			}
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}
	flush()
	return diffs
}

func extractDiffPath(headerLine string) string {
	// "diff --git a/path b/path"
	parts := strings.SplitN(headerLine, " b/", 2)
	if len(parts) != 2 {
		return headerLine
	}
	return parts[1]
}

func isExcluded(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		for _, excl := range DefaultDiffExcludes {
			if part == excl {
				return true
			}
		}
	}
	return false
}
